// Package httpapi is the HTTP event gateway: it publishes posted JSON events and reports health.
package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	cbus "github.com/next-trace/scg-authz-service/contract/bus"
	berr "github.com/next-trace/scg-authz-service/contract/errors"
)

const maxBodyBytes = 1 << 20

// Header names clients may set on POST /events/{subject}.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderCorrelationID  = "X-Correlation-Id"
)

// Status reports whether the broker connection is up.
type Status interface {
	Connected() bool
}

// StatusFunc adapts a function to Status.
type StatusFunc func() bool

func (f StatusFunc) Connected() bool { return f() }

// Server routes the gateway endpoints.
type Server struct {
	pub     cbus.Publisher
	status  Status
	metrics http.Handler
	source  string
	logger  *slog.Logger
	mux     *http.ServeMux
}

// New builds the gateway. metrics may be nil, in which case /metrics is not served.
func New(pub cbus.Publisher, status Status, metrics http.Handler, source string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{pub: pub, status: status, metrics: metrics, source: source, logger: logger, mux: http.NewServeMux()}

	s.mux.HandleFunc("POST /events/{subject}", s.publishEvent)
	s.mux.HandleFunc("GET /health", s.health)

	if metrics != nil {
		s.mux.Handle("GET /metrics", metrics)
	}

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}

	s.mux.ServeHTTP(rec, r)

	s.logger.DebugContext(r.Context(), "http request",
		"method", r.Method, "path", r.URL.Path, "status", rec.code, "took", time.Since(start))
}

type publishResponse struct {
	Status   string `json:"status"`
	Subject  string `json:"subject"`
	ID       string `json:"id"`
	Stream   string `json:"stream,omitempty"`
	Sequence uint64 `json:"sequence"`
}

type healthResponse struct {
	Status        string `json:"status"`
	NATSConnected bool   `json:"nats_connected"`
}

func (s *Server) publishEvent(w http.ResponseWriter, r *http.Request) {
	subject := r.PathValue("subject")
	if !ValidSubject(subject) {
		writeError(w, http.StatusBadRequest, "invalid subject")
		return
	}

	body, err := readObject(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !s.status.Connected() {
		writeError(w, http.StatusServiceUnavailable, "NATS not connected")
		return
	}

	msg := &cbus.Message{
		ID:            r.Header.Get(HeaderIdempotencyKey),
		Subject:       subject,
		Type:          subject,
		Source:        s.source,
		CorrelationID: r.Header.Get(HeaderCorrelationID),
		Time:          time.Now().UTC(),
		Data:          body,
	}

	receipt, err := s.pub.Publish(r.Context(), msg, cbus.PublishOptions{})
	if err != nil {
		if errors.Is(err, berr.ErrNotConnected) {
			writeError(w, http.StatusServiceUnavailable, "NATS not connected")
			return
		}

		s.logger.ErrorContext(r.Context(), "publish failed", "subject", subject, "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to publish event")

		return
	}

	writeJSON(w, http.StatusOK, publishResponse{
		Status:   "published",
		Subject:  subject,
		ID:       msg.ID,
		Stream:   receipt.Stream,
		Sequence: receipt.Sequence,
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "OK", NATSConnected: s.status.Connected()})
}

// readObject reads the request body and requires it to be a single JSON object.
func readObject(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.New("request body too large or unreadable")
	}

	raw = bytes.TrimSpace(raw)

	var obj map[string]json.RawMessage
	if len(raw) == 0 || raw[0] != '{' || json.Unmarshal(raw, &obj) != nil {
		return nil, errors.New("body must be a JSON object")
	}

	return raw, nil
}

// ValidSubject reports whether s is a concrete NATS subject: dot-separated non-empty tokens
// without wildcards or whitespace.
func ValidSubject(s string) bool {
	if s == "" {
		return false
	}

	for _, tok := range strings.Split(s, ".") {
		if tok == "" || tok == "*" || tok == ">" || strings.ContainsAny(tok, " \t\r\n") {
			return false
		}
	}

	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}
