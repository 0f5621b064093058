package jetstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	berr "github.com/next-trace/scg-authz-service/contract/errors"
)

const drainTimeout = 10 * time.Second

// Config describes the NATS connection.
type Config struct {
	URL         string
	Name        string
	ConnTimeout time.Duration
	// MaxReconnects limits client reconnects after the first connection; 0 means unlimited.
	MaxReconnects int
	Backoff       Backoff
}

// Dialer opens a NATS connection. nats.Connect in production.
type Dialer func(url string, opts ...nats.Option) (*nats.Conn, error)

// Manager establishes and maintains the NATS connection and its JetStream context.
// The first connection is retried with backoff until it succeeds or the context ends; afterwards the
// client reconnects on its own using the same schedule.
type Manager struct {
	cfg    Config
	dial   Dialer
	logger *slog.Logger
	notify func(connected bool)

	mu     sync.RWMutex
	nc     *nats.Conn
	js     jetstream.JetStream
	ready  chan struct{}
	closed chan struct{}
	once   sync.Once
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithDialer replaces nats.Connect.
func WithDialer(d Dialer) ManagerOption {
	return func(m *Manager) { m.dial = d }
}

// WithStateHook is called on every connect, disconnect and reconnect.
func WithStateHook(fn func(connected bool)) ManagerOption {
	return func(m *Manager) { m.notify = fn }
}

// NewManager validates cfg and returns an unconnected Manager.
func NewManager(cfg Config, logger *slog.Logger, opts ...ManagerOption) (*Manager, error) {
	cfg.URL = strings.TrimSpace(cfg.URL)
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: nats url required", berr.ErrConnectFailed)
	}

	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff
	}

	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		cfg:    cfg,
		dial:   nats.Connect,
		logger: logger,
		notify: func(bool) {},
		ready:  make(chan struct{}),
		closed: make(chan struct{}),
	}

	for _, o := range opts {
		o(m)
	}

	return m, nil
}

// Connect dials until the connection succeeds or ctx ends.
func (m *Manager) Connect(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		nc, err := m.dial(m.cfg.URL, m.options()...)
		if err == nil {
			return m.attach(nc)
		}

		delay := m.cfg.Backoff.Delay(attempt)
		m.logger.WarnContext(ctx, "nats connect failed, retrying",
			"url", m.cfg.URL, "attempt", attempt, "retry_in", delay, "err", err)

		if err := wait(ctx, delay); err != nil {
			return fmt.Errorf("nats connect %s: %w", m.cfg.URL, err)
		}
	}
}

func (m *Manager) attach(nc *nats.Conn) error {
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("%w: jetstream context: %w", berr.ErrConnectFailed, err)
	}

	m.mu.Lock()
	m.nc = nc
	m.js = js
	m.mu.Unlock()

	m.once.Do(func() { close(m.ready) })
	m.notify(true)
	m.logger.Info("connected to NATS JetStream", "url", nc.ConnectedUrl())

	return nil
}

func (m *Manager) options() []nats.Option {
	opts := []nats.Option{
		nats.CustomReconnectDelay(m.cfg.Backoff.Delay),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			m.notify(false)
			m.logger.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			m.notify(true)
			m.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			m.notify(false)
			m.logger.Warn("nats connection closed")
			m.signalClosed()
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}

			m.logger.Error("nats async error", "subject", subject, "err", err)
		}),
	}

	if m.cfg.Name != "" {
		opts = append(opts, nats.Name(m.cfg.Name))
	}

	if m.cfg.ConnTimeout > 0 {
		opts = append(opts, nats.Timeout(m.cfg.ConnTimeout))
	}

	maxReconnects := m.cfg.MaxReconnects
	if maxReconnects == 0 {
		maxReconnects = -1
	}

	return append(opts, nats.MaxReconnects(maxReconnects))
}

func (m *Manager) signalClosed() {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.closed:
	default:
		close(m.closed)
	}
}

// Ready is closed once the first connection succeeded.
func (m *Manager) Ready() <-chan struct{} { return m.ready }

// Connected reports whether the client currently holds a live connection.
func (m *Manager) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.nc != nil && m.nc.IsConnected()
}

// JetStream returns the JetStream context, or ErrNotConnected before the first connection.
func (m *Manager) JetStream() (jetstream.JetStream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.js == nil {
		return nil, fmt.Errorf("jetstream: %w", berr.ErrNotConnected)
	}

	return m.js, nil
}

// PublishMsg publishes through the current JetStream context. It lets the Manager act as a publisher Client.
func (m *Manager) PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	js, err := m.JetStream()
	if err != nil {
		return nil, err
	}

	return js.PublishMsg(ctx, msg, opts...)
}

// CreateOrUpdateConsumer delegates to the current JetStream context.
func (m *Manager) CreateOrUpdateConsumer(
	ctx context.Context,
	stream string,
	cfg jetstream.ConsumerConfig,
) (jetstream.Consumer, error) {
	js, err := m.JetStream()
	if err != nil {
		return nil, err
	}

	return js.CreateOrUpdateConsumer(ctx, stream, cfg)
}

// Close drains the connection, waiting up to drainTimeout for in-flight messages.
func (m *Manager) Close() error {
	m.mu.RLock()
	nc := m.nc
	m.mu.RUnlock()

	if nc == nil || nc.IsClosed() {
		return nil
	}

	if err := nc.Drain(); err != nil {
		nc.Close()

		if errors.Is(err, nats.ErrConnectionClosed) {
			return nil
		}

		return fmt.Errorf("nats drain: %w", err)
	}

	select {
	case <-m.closed:
	case <-time.After(drainTimeout):
		nc.Close()
	}

	return nil
}
