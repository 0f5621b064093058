package jetstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	cbus "github.com/next-trace/scg-authz-service/contract/bus"
	berr "github.com/next-trace/scg-authz-service/contract/errors"
)

const transportName = "jetstream"

// Client is the JetStream publish call. Manager and jetstream.JetStream both satisfy it.
type Client interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Publisher implements cbus.Publisher with at-least-once semantics: it waits for the stream's PubAck,
// sets Nats-Msg-Id so the server drops duplicates, and retries transient failures.
type Publisher struct {
	Client     Client
	Propagator cbus.HeaderPropagator

	source      string
	stream      string
	maxAttempts int
	backoff     Backoff
	logger      *slog.Logger
}

var _ cbus.Publisher = (*Publisher)(nil)

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithSource sets Event-Source on messages that do not carry one.
func WithSource(source string) PublisherOption {
	return func(p *Publisher) { p.source = source }
}

// WithExpectedStream makes the server reject messages that would land in another stream.
func WithExpectedStream(stream string) PublisherOption {
	return func(p *Publisher) { p.stream = stream }
}

// WithRetry sets the attempt budget and the delay schedule between attempts.
func WithRetry(maxAttempts int, b Backoff) PublisherOption {
	return func(p *Publisher) {
		p.maxAttempts = maxAttempts
		p.backoff = b
	}
}

// WithPropagator injects trace context into outgoing headers.
func WithPropagator(hp cbus.HeaderPropagator) PublisherOption {
	return func(p *Publisher) { p.Propagator = hp }
}

// WithPublisherLogger sets the logger used for retry warnings.
func WithPublisherLogger(l *slog.Logger) PublisherOption {
	return func(p *Publisher) { p.logger = l }
}

// NewPublisher creates a JetStream publisher over c.
func NewPublisher(c Client, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		Client:      c,
		Propagator:  cbus.NopHeaderPropagator{},
		maxAttempts: 3,
		backoff:     Backoff{Base: 200 * time.Millisecond, Max: 2 * time.Second},
		logger:      slog.Default(),
	}

	for _, o := range opts {
		o(p)
	}

	if p.maxAttempts < 1 {
		p.maxAttempts = 1
	}

	return p
}

func (p *Publisher) Publish(ctx context.Context, msg *cbus.Message, opts cbus.PublishOptions) (cbus.Receipt, error) {
	if err := p.ready(ctx); err != nil {
		return cbus.Receipt{}, err
	}

	if msg == nil {
		return cbus.Receipt{}, fmt.Errorf("jetstream publish: nil message: %w", berr.ErrInvalidMessage)
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	if msg.Source == "" {
		msg.Source = p.source
	}

	subject := opts.Subject(msg)
	nm := &nats.Msg{Subject: subject, Data: msg.Data, Header: p.headers(ctx, msg, opts)}

	pubOpts := []jetstream.PublishOpt{jetstream.WithMsgID(msg.ID)}
	if p.stream != "" {
		pubOpts = append(pubOpts, jetstream.WithExpectStream(p.stream))
	}

	for attempt := 1; ; attempt++ {
		ack, err := p.Client.PublishMsg(ctx, nm, pubOpts...)
		if err == nil {
			return cbus.Receipt{
				Transport: transportName,
				Stream:    ack.Stream,
				Sequence:  ack.Sequence,
				Duplicate: ack.Duplicate,
			}, nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return cbus.Receipt{}, err
		}

		if !retryable(err) || attempt >= p.maxAttempts {
			return cbus.Receipt{}, fmt.Errorf("jetstream publish %s: %w", subject, errors.Join(berr.ErrPublishFailed, err))
		}

		delay := p.backoff.Delay(attempt)
		p.logger.WarnContext(ctx, "jetstream publish failed, retrying",
			"subject", subject, "id", msg.ID, "attempt", attempt, "retry_in", delay, "err", err)

		if err := wait(ctx, delay); err != nil {
			return cbus.Receipt{}, err
		}
	}
}

func (p *Publisher) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if p.Client == nil {
		return fmt.Errorf("jetstream publish: %w", berr.ErrTransportNotConfigured)
	}

	return nil
}

func (p *Publisher) headers(ctx context.Context, msg *cbus.Message, opts cbus.PublishOptions) nats.Header {
	h := make(map[string]string, len(opts.Headers)+8)
	for k, v := range opts.Headers {
		h[k] = v
	}

	for k, v := range msg.HeaderMap() {
		h[k] = v
	}

	if opts.Key != "" {
		h["key"] = opts.Key
	}

	if p.Propagator != nil {
		p.Propagator.Inject(ctx, h)
	}

	nh := make(nats.Header, len(h))
	for k, v := range h {
		nh.Set(k, v)
	}

	return nh
}

func retryable(err error) bool {
	return errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, nats.ErrNoResponders) ||
		errors.Is(err, jetstream.ErrNoStreamResponse) ||
		errors.Is(err, berr.ErrNotConnected)
}
