package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	berr "github.com/next-trace/scg-authz-service/contract/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Concrete AMQP connection-backed sender with auto-reconnect and publisher confirms.

const (
	exchangeKind = "topic"
	maxBackoff   = 30 * time.Second
)

type Config struct {
	URL         string
	Exchange    string
	ConnTimeout time.Duration
}

type reconnectingSender struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	closed chan struct{}
	ready  chan struct{} // closed when a channel is ready
	once   sync.Once
}

func newReconnectingSender(cfg Config, logger *slog.Logger) (*reconnectingSender, func()) {
	rs := &reconnectingSender{
		cfg:    cfg,
		logger: logger,
		closed: make(chan struct{}),
		ready:  make(chan struct{}),
	}
	go rs.run()

	return rs, rs.close
}

func (rs *reconnectingSender) Send(ctx context.Context, m PubMsg) error {
	rs.mu.RLock()
	ch := rs.ch
	rs.mu.RUnlock()

	if ch == nil {
		select {
		case <-rs.ready:
		case <-ctx.Done():
			return ctx.Err()
		}

		rs.mu.RLock()
		ch = rs.ch
		rs.mu.RUnlock()

		if ch == nil {
			return fmt.Errorf("rabbitmq: %w", berr.ErrNotConnected)
		}
	}

	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, m.Exchange, m.RoutingKey, false, false, publishing(m))
	if err != nil {
		return err
	}

	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return err
	}

	if !acked {
		return fmt.Errorf("rabbitmq: broker nacked message %s", m.MessageID)
	}

	return nil
}

func (rs *reconnectingSender) dial() (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.DialConfig(rs.cfg.URL, amqp.Config{
		Locale:     "en_US",
		Properties: amqp.Table{"product": "authz-service"},
		Dial:       amqp.DefaultDial(rs.cfg.ConnTimeout),
	})
	if err != nil {
		return nil, nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}

	if err := ch.ExchangeDeclare(rs.cfg.Exchange, exchangeKind, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()

		return nil, nil, err
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()

		return nil, nil, err
	}

	return conn, ch, nil
}

func (rs *reconnectingSender) run() {
	backoff := time.Second

	for {
		select {
		case <-rs.closed:
			return
		default:
		}

		conn, ch, err := rs.dial()
		if err != nil {
			// exponential backoff with jitter
			// #nosec G404 -- non-crypto RNG is acceptable for backoff jitter
			sleep := backoff + time.Duration(rand.Int64N(int64(backoff/4)+1))
			if sleep > maxBackoff {
				sleep = maxBackoff
			}

			rs.logger.Warn("rabbitmq connect failed, retrying", "retry_in", sleep, "err", err)

			t := time.NewTimer(sleep)
			select {
			case <-rs.closed:
				t.Stop()
				return
			case <-t.C:
			}

			backoff = min(backoff*2, maxBackoff)

			continue
		}

		backoff = time.Second

		rs.mu.Lock()
		rs.conn = conn
		rs.ch = ch
		rs.mu.Unlock()
		rs.once.Do(func() { close(rs.ready) })

		rs.logger.Info("connected to rabbitmq", "exchange", rs.cfg.Exchange)

		// Block on connection close notifications to trigger reconnect
		notify := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-rs.closed:
			return
		case amqpErr := <-notify:
			rs.logger.Warn("rabbitmq connection lost", "err", amqpErr)

			rs.mu.Lock()
			rs.ch = nil
			rs.conn = nil
			rs.mu.Unlock()

			_ = ch.Close()
			_ = conn.Close()
		}
	}
}

func (rs *reconnectingSender) close() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	select {
	case <-rs.closed:
		return
	default:
		close(rs.closed)
	}

	if rs.ch != nil {
		_ = rs.ch.Close()
		rs.ch = nil
	}

	if rs.conn != nil {
		_ = rs.conn.Close()
		rs.conn = nil
	}
}

// NewWithAMQPConn dials RabbitMQ in the background with auto-reconnect, declares the exchange,
// and returns the Adapter with its cleanup.
func NewWithAMQPConn(cfg Config, logger *slog.Logger) (*Adapter, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("%w: rabbitmq url required", berr.ErrTransportNotConfigured)
	}

	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}

	if logger == nil {
		logger = slog.Default()
	}

	sender, cleanup := newReconnectingSender(cfg, logger)
	ad := New(sender)
	ad.Exchange = cfg.Exchange

	return ad, cleanup, nil
}
