package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cbus "github.com/next-trace/scg-authz-service/contract/bus"
	berr "github.com/next-trace/scg-authz-service/contract/errors"
)

// ProcessedStore remembers which messages were handled successfully.
type ProcessedStore interface {
	Processed(ctx context.Context, key string) (bool, error)
	MarkProcessed(ctx context.Context, key string, at time.Time) error
}

// Outcome tells the caller what Dispatch did with a message.
type Outcome int

const (
	// Handled means the handler ran and returned nil.
	Handled Outcome = iota
	// Duplicate means the message was processed before and the handler was skipped.
	Duplicate
)

func (o Outcome) String() string {
	if o == Duplicate {
		return "duplicate"
	}

	return "handled"
}

// Dispatcher is an in-process router with an internal binder.
// It is concurrency-safe and contains no global state.
type Dispatcher struct {
	mu sync.RWMutex

	byType   map[string]cbus.HandlerFunc
	patterns []route

	// global middleware executed in registration order
	mw []cbus.Middleware

	store  ProcessedStore
	logger *slog.Logger
	now    func() time.Time
}

type route struct {
	pattern string
	tokens  []string
	call    cbus.HandlerFunc
}

// Option configures a Dispatcher instance.
type Option func(*Dispatcher)

// WithMiddleware registers global middleware via an option.
func WithMiddleware(mw ...cbus.Middleware) Option {
	return func(d *Dispatcher) { d.mw = append(d.mw, mw...) }
}

// WithClock overrides the time source used for processed markers.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New constructs a Dispatcher. store may be nil, in which case every delivery is handled.
func New(store ProcessedStore, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		byType: make(map[string]cbus.HandlerFunc),
		store:  store,
		logger: logger,
		now:    time.Now,
	}

	for _, o := range opts {
		o(d)
	}

	return d
}

// Use appends global middleware.
func (d *Dispatcher) Use(mw ...cbus.Middleware) {
	d.mu.Lock()
	d.mw = append(d.mw, mw...)
	d.mu.Unlock()
}

// BindType registers the handler for an exact event type. Duplicate bindings are rejected.
func (d *Dispatcher) BindType(eventType string, h cbus.Handler) error {
	if eventType == "" {
		return fmt.Errorf("bind type: empty event type: %w", berr.ErrInvalidMessage)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.byType[eventType]; exists {
		return fmt.Errorf("bind type %s: %w", eventType, berr.ErrHandlerExists)
	}

	d.byType[eventType] = h.Handle

	return nil
}

// BindSubject registers a handler for a NATS subject pattern ("*" one token, ">" the rest).
// Patterns are tried in registration order after exact type bindings.
func (d *Dispatcher) BindSubject(pattern string, h cbus.Handler) error {
	tokens, err := parsePattern(pattern)
	if err != nil {
		return fmt.Errorf("bind subject %q: %w", pattern, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, r := range d.patterns {
		if r.pattern == pattern {
			return fmt.Errorf("bind subject %s: %w", pattern, berr.ErrHandlerExists)
		}
	}

	d.patterns = append(d.patterns, route{pattern: pattern, tokens: tokens, call: h.Handle})

	return nil
}

// EventHandlerFunc adapts a function to cbus.EventHandler.
type EventHandlerFunc[E any] func(ctx context.Context, msg *cbus.Message, e E) error

func (f EventHandlerFunc[E]) Handle(ctx context.Context, msg *cbus.Message, e E) error {
	return f(ctx, msg, e)
}

// Bind registers a typed handler for eventType. The payload is decoded into E before the call;
// a payload that does not decode is reported as a permanent serialization failure, and one whose
// JSON values do not fit the fields of E additionally as a handler type mismatch.
func Bind[E any](d *Dispatcher, eventType string, h cbus.EventHandler[E]) error {
	return d.BindType(eventType, cbus.HandlerFunc(func(ctx context.Context, msg *cbus.Message) error {
		var e E
		if err := msg.Decode(&e); err != nil {
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &typeErr) {
				err = errors.Join(berr.ErrHandlerTypeMismatch, err)
			}

			return fmt.Errorf("dispatch %s: %w", msg.Type, err)
		}

		return h.Handle(ctx, msg, e)
	}))
}

// Route resolves the handler for msg without running it.
func (d *Dispatcher) Route(msg *cbus.Message) (cbus.HandlerFunc, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if f, ok := d.byType[msg.Type]; ok {
		return f, nil
	}

	for _, r := range d.patterns {
		if matchTokens(r.tokens, msg.Subject) {
			return r.call, nil
		}
	}

	return nil, fmt.Errorf("dispatch %s (%s): %w", msg.Type, msg.Subject, berr.ErrHandlerNotFound)
}

// Dispatch runs the handler for msg through the middleware chain.
// When a ProcessedStore is configured, an already processed message is skipped and reported as
// Duplicate; the processed marker is written only after the handler succeeds.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *cbus.Message) (Outcome, error) {
	if msg == nil {
		return Handled, fmt.Errorf("dispatch: nil message: %w", berr.ErrInvalidMessage)
	}

	f, err := d.Route(msg)
	if err != nil {
		return Handled, err
	}

	key := processedKey(msg)
	if d.store != nil && key != "" {
		seen, err := d.store.Processed(ctx, key)
		if err != nil {
			return Handled, fmt.Errorf("dispatch %s: processed lookup: %w", msg.Type, err)
		}

		if seen {
			d.logger.DebugContext(ctx, "skipping processed message", "id", msg.ID, "type", msg.Type)
			return Duplicate, nil
		}
	}

	if err := d.chain(f)(ctx, msg); err != nil {
		return Handled, err
	}

	if d.store != nil && key != "" {
		if err := d.store.MarkProcessed(ctx, key, d.now()); err != nil {
			// the handler already ran; a retry would only be deduplicated downstream
			d.logger.WarnContext(ctx, "cannot record processed message", "id", msg.ID, "err", err)
		}
	}

	return Handled, nil
}

func (d *Dispatcher) chain(f cbus.HandlerFunc) cbus.HandlerFunc {
	d.mu.RLock()
	mws := append([]cbus.Middleware(nil), d.mw...)
	d.mu.RUnlock()

	// Build chain so the first registered middleware runs first
	final := f
	for i := len(mws) - 1; i >= 0; i-- {
		final = mws[i](final)
	}

	return final
}

func processedKey(msg *cbus.Message) string {
	if msg.ID == "" {
		return ""
	}

	if msg.Delivery.Consumer == "" {
		return msg.ID
	}

	return msg.Delivery.Consumer + "/" + msg.ID
}
