package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	cbus "github.com/next-trace/scg-authz-service/contract/bus"
	berr "github.com/next-trace/scg-authz-service/contract/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

const transportName = "rabbitmq"

// DefaultExchange is the topic exchange service events are published to.
const DefaultExchange = "authz.events"

// PubMsg is one AMQP publishing.
type PubMsg struct {
	Exchange      string
	RoutingKey    string
	MessageID     string
	CorrelationID string
	Type          string
	AppID         string
	Timestamp     time.Time
	Body          []byte
	Headers       map[string]string
}

// Sender delivers a PubMsg to the broker.
type Sender interface {
	Send(ctx context.Context, m PubMsg) error
}

// Adapter implements cbus.Publisher on top of a Sender.
type Adapter struct {
	Sender     Sender
	Propagator cbus.HeaderPropagator // optional, for context propagation into headers
	Exchange   string
}

var _ cbus.Publisher = (*Adapter)(nil)

// New publishes through s to DefaultExchange. Set Propagator to carry trace context.
func New(s Sender) *Adapter { return &Adapter{Sender: s, Exchange: DefaultExchange} }

func (a *Adapter) Publish(ctx context.Context, msg *cbus.Message, opts cbus.PublishOptions) (cbus.Receipt, error) {
	if err := a.ready(ctx); err != nil {
		return cbus.Receipt{}, err
	}

	if msg == nil {
		return cbus.Receipt{}, fmt.Errorf("rabbitmq publish: nil message: %w", berr.ErrInvalidMessage)
	}

	m := PubMsg{
		Exchange:      a.Exchange,
		RoutingKey:    opts.Subject(msg),
		MessageID:     msg.ID,
		CorrelationID: msg.CorrelationID,
		Type:          msg.Type,
		AppID:         msg.Source,
		Timestamp:     msg.Time,
		Body:          msg.Data,
		Headers:       publishHeaders(ctx, a.Propagator, msg, opts),
	}

	if err := a.Sender.Send(ctx, m); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return cbus.Receipt{}, err
		}

		return cbus.Receipt{}, fmt.Errorf("rabbitmq publish %s: %w", m.RoutingKey, errors.Join(berr.ErrPublishFailed, err))
	}

	return cbus.Receipt{Transport: transportName, Stream: a.Exchange}, nil
}

func (a *Adapter) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if a.Sender == nil {
		return fmt.Errorf("rabbitmq publish: %w", berr.ErrTransportNotConfigured)
	}

	return nil
}

// publishHeaders copies caller headers so the caller's map is never mutated.
func publishHeaders(
	ctx context.Context,
	hp cbus.HeaderPropagator,
	msg *cbus.Message,
	o cbus.PublishOptions,
) map[string]string {
	h := make(map[string]string, len(o.Headers)+8)
	for k, v := range o.Headers {
		h[k] = v
	}

	for k, v := range msg.HeaderMap() {
		h[k] = v
	}

	if o.Key != "" {
		h["key"] = o.Key
	}

	if hp != nil {
		hp.Inject(ctx, h)
	}

	return h
}

func publishing(m PubMsg) amqp.Publishing {
	var h amqp.Table
	if len(m.Headers) > 0 {
		h = amqp.Table{}
		for k, v := range m.Headers {
			h[k] = v
		}
	}

	return amqp.Publishing{
		DeliveryMode:  amqp.Persistent,
		Headers:       h,
		ContentType:   "application/json",
		MessageId:     m.MessageID,
		CorrelationId: m.CorrelationID,
		Type:          m.Type,
		AppId:         m.AppID,
		Timestamp:     m.Timestamp,
		Body:          m.Body,
	}
}
