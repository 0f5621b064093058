package jetstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	cbus "github.com/next-trace/scg-authz-service/contract/bus"
	berr "github.com/next-trace/scg-authz-service/contract/errors"
	"github.com/next-trace/scg-authz-service/dispatcher"
)

// ConsumerSpec describes one durable pull consumer.
type ConsumerSpec struct {
	Stream         string
	Durable        string
	FilterSubjects []string
	AckWait        time.Duration
	MaxDeliver     int
	MaxAckPending  int
}

func (s ConsumerSpec) config() jetstream.ConsumerConfig {
	cfg := jetstream.ConsumerConfig{
		Durable:       s.Durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckWait:       s.AckWait,
		MaxDeliver:    s.MaxDeliver,
		MaxAckPending: s.MaxAckPending,
	}

	switch len(s.FilterSubjects) {
	case 0:
	case 1:
		cfg.FilterSubject = s.FilterSubjects[0]
	default:
		cfg.FilterSubjects = s.FilterSubjects
	}

	return cfg
}

// ConsumerSource creates durable consumers. Manager and jetstream.JetStream both satisfy it.
type ConsumerSource interface {
	CreateOrUpdateConsumer(ctx context.Context, stream string, cfg jetstream.ConsumerConfig) (jetstream.Consumer, error)
}

// Dispatcher handles one decoded message.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *cbus.Message) (dispatcher.Outcome, error)
}

// Action is how a delivery was settled with the server.
type Action int

const (
	ActionAck Action = iota
	ActionNak
	ActionTerm
)

func (a Action) String() string {
	switch a {
	case ActionNak:
		return "nak"
	case ActionTerm:
		return "term"
	default:
		return "ack"
	}
}

// SettleFunc observes every settled delivery.
type SettleFunc func(msg *cbus.Message, outcome dispatcher.Outcome, action Action)

// inbound is the part of jetstream.Msg the subscriber relies on.
type inbound interface {
	Subject() string
	Data() []byte
	Headers() nats.Header
	Metadata() (*jetstream.MsgMetadata, error)
	Ack() error
	NakWithDelay(delay time.Duration) error
	TermWithReason(reason string) error
}

// Subscriber consumes durable pull consumers and hands every message to a Dispatcher.
//
// Successful messages are acked. Permanent failures are terminated. Transient failures are nak'ed
// with a backoff delay until the delivery attempt reaches MaxDeliver, after which they are terminated.
type Subscriber struct {
	source    ConsumerSource
	disp      Dispatcher
	extractor cbus.HeaderExtractor
	backoff   Backoff
	logger    *slog.Logger
	settle    SettleFunc

	mu      sync.Mutex
	running []jetstream.ConsumeContext
}

// SubscriberOption configures a Subscriber.
type SubscriberOption func(*Subscriber)

// WithExtractor restores trace context from inbound headers.
func WithExtractor(e cbus.HeaderExtractor) SubscriberOption {
	return func(s *Subscriber) { s.extractor = e }
}

// WithRedeliveryBackoff sets the nak delay schedule.
func WithRedeliveryBackoff(b Backoff) SubscriberOption {
	return func(s *Subscriber) { s.backoff = b }
}

// WithSettleHook registers fn to observe settled deliveries.
func WithSettleHook(fn SettleFunc) SubscriberOption {
	return func(s *Subscriber) { s.settle = fn }
}

// NewSubscriber creates a Subscriber that is not consuming yet.
func NewSubscriber(src ConsumerSource, disp Dispatcher, logger *slog.Logger, opts ...SubscriberOption) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Subscriber{
		source:    src,
		disp:      disp,
		extractor: cbus.NopHeaderPropagator{},
		backoff:   DefaultBackoff,
		logger:    logger,
		settle:    func(*cbus.Message, dispatcher.Outcome, Action) {},
	}

	for _, o := range opts {
		o(s)
	}

	return s
}

// Start creates or updates every consumer and begins consuming. Handlers run detached from ctx
// cancellation; use Stop to end consumption.
func (s *Subscriber) Start(ctx context.Context, specs ...ConsumerSpec) error {
	if s.source == nil || s.disp == nil {
		return fmt.Errorf("jetstream subscribe: %w", berr.ErrTransportNotConfigured)
	}

	base := context.WithoutCancel(ctx)

	for _, spec := range specs {
		if spec.Stream == "" || spec.Durable == "" {
			return fmt.Errorf("jetstream subscribe: stream and durable name required: %w", berr.ErrInvalidMessage)
		}

		cons, err := s.source.CreateOrUpdateConsumer(ctx, spec.Stream, spec.config())
		if err != nil {
			return fmt.Errorf("jetstream consumer %s/%s: %w", spec.Stream, spec.Durable, err)
		}

		consumeOpts := []jetstream.PullConsumeOpt{
			jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
				s.logger.Warn("jetstream consume error", "consumer", spec.Durable, "err", err)
			}),
		}
		if spec.MaxAckPending > 0 {
			consumeOpts = append(consumeOpts, jetstream.PullMaxMessages(spec.MaxAckPending))
		}

		cc, err := cons.Consume(func(m jetstream.Msg) { s.handle(base, spec, m) }, consumeOpts...)
		if err != nil {
			return fmt.Errorf("jetstream consume %s/%s: %w", spec.Stream, spec.Durable, err)
		}

		s.mu.Lock()
		s.running = append(s.running, cc)
		s.mu.Unlock()

		s.logger.Info("consuming", "stream", spec.Stream, "consumer", spec.Durable, "filter", spec.FilterSubjects)
	}

	return nil
}

// Stop drains every consumer, letting in-flight handlers finish up to drainTimeout.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	running := s.running
	s.running = nil
	s.mu.Unlock()

	for _, cc := range running {
		cc.Drain()
	}

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	for _, cc := range running {
		select {
		case <-cc.Closed():
		case <-ctx.Done():
			cc.Stop()
		}
	}
}

func (s *Subscriber) handle(base context.Context, spec ConsumerSpec, m inbound) {
	msg, err := toMessage(m, spec.Durable)
	if err != nil {
		s.logger.Error("dropping unreadable delivery", "subject", m.Subject(), "err", err)
		s.ack(m, msg, ActionTerm, 0, err)
		s.settle(msg, dispatcher.Handled, ActionTerm)

		return
	}

	ctx := s.extractor.Extract(base, msg.Headers)

	if spec.AckWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.AckWait)
		defer cancel()
	}

	outcome, err := s.disp.Dispatch(ctx, msg)
	action, delay := s.decide(err, msg.Delivery.Attempt, spec.MaxDeliver)

	if action == ActionTerm && err != nil {
		s.logger.Error("terminating message", "id", msg.ID, "type", msg.Type,
			"attempt", msg.Delivery.Attempt, "err", err)
	}

	s.ack(m, msg, action, delay, err)
	s.settle(msg, outcome, action)
}

func (s *Subscriber) decide(err error, attempt, maxDeliver int) (Action, time.Duration) {
	if err == nil {
		return ActionAck, 0
	}

	if berr.IsPermanent(err) {
		return ActionTerm, 0
	}

	if maxDeliver > 0 && attempt >= maxDeliver {
		return ActionTerm, 0
	}

	return ActionNak, s.backoff.Delay(attempt)
}

func (s *Subscriber) ack(m inbound, msg *cbus.Message, action Action, delay time.Duration, cause error) {
	var err error

	switch action {
	case ActionAck:
		err = m.Ack()
	case ActionNak:
		err = m.NakWithDelay(delay)
	case ActionTerm:
		err = m.TermWithReason(reason(cause))
	}

	if err != nil && !errors.Is(err, jetstream.ErrMsgAlreadyAckd) {
		s.logger.Warn("cannot settle message", "subject", m.Subject(), "id", msg.ID, "action", action, "err", err)
	}
}

func reason(err error) string {
	if err == nil {
		return ""
	}

	const limit = 256

	r := err.Error()
	if len(r) <= limit {
		return r
	}

	// cut on a rune boundary so the reason stays valid UTF-8
	cut := limit
	for cut > 0 && !utf8.RuneStart(r[cut]) {
		cut--
	}

	return r[:cut]
}

// toMessage converts a delivery, falling back to "stream:sequence" when Nats-Msg-Id is absent.
// On a metadata error the returned message still carries subject and payload.
func toMessage(m inbound, consumer string) (*cbus.Message, error) {
	headers := make(map[string]string, len(m.Headers()))
	for k, v := range m.Headers() {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	msg := cbus.FromHeaders(m.Subject(), headers, m.Data())

	meta, err := m.Metadata()
	if err != nil {
		return msg, fmt.Errorf("%w: metadata: %w", berr.ErrInvalidMessage, err)
	}

	msg.Delivery = cbus.Delivery{
		Stream:   meta.Stream,
		Consumer: consumer,
		Sequence: meta.Sequence.Stream,
		Attempt:  int(meta.NumDelivered),
	}

	if msg.ID == "" {
		msg.ID = fmt.Sprintf("%s:%d", meta.Stream, meta.Sequence.Stream)
	}

	return msg, nil
}
