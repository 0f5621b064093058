package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	cbus "github.com/next-trace/scg-authz-service/contract/bus"
	berr "github.com/next-trace/scg-authz-service/contract/errors"
)

const transportName = "kafka"

// Record is one produced Kafka record.
type Record struct {
	Topic     string
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Writer is a minimal Kafka-like writer interface returning the offset of the written record.
type Writer interface {
	Write(ctx context.Context, r Record) (offset int64, err error)
}

// Adapter implements cbus.Publisher using an injected Writer.
// The topic is the message subject; the record key is the partitioning key so that events of one
// correlation land on the same partition.
type Adapter struct {
	Writer     Writer
	Propagator cbus.HeaderPropagator
}

var _ cbus.Publisher = (*Adapter)(nil)

// New creates a new Kafka adapter instance with the provided writer.
func New(w Writer) *Adapter { return &Adapter{Writer: w} }

func (a *Adapter) Publish(ctx context.Context, msg *cbus.Message, opts cbus.PublishOptions) (cbus.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return cbus.Receipt{}, err
	}

	if a.Writer == nil {
		return cbus.Receipt{}, fmt.Errorf("kafka publish: %w", berr.ErrTransportNotConfigured)
	}

	if msg == nil {
		return cbus.Receipt{}, fmt.Errorf("kafka publish: nil message: %w", berr.ErrInvalidMessage)
	}

	rec := Record{
		Topic:     opts.Subject(msg),
		Key:       []byte(partitionKey(msg, opts)),
		Value:     msg.Data,
		Headers:   a.headers(ctx, msg, opts),
		Timestamp: msg.Time,
	}

	offset, err := a.Writer.Write(ctx, rec)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return cbus.Receipt{}, err
		}

		return cbus.Receipt{}, fmt.Errorf("kafka publish write %s: %w", rec.Topic, errors.Join(berr.ErrPublishFailed, err))
	}

	return cbus.Receipt{Transport: transportName, Stream: rec.Topic, Sequence: uint64(max(offset, 0))}, nil
}

func partitionKey(msg *cbus.Message, o cbus.PublishOptions) string {
	switch {
	case o.Key != "":
		return o.Key
	case msg.CorrelationID != "":
		return msg.CorrelationID
	default:
		return msg.ID
	}
}

func (a *Adapter) headers(ctx context.Context, msg *cbus.Message, o cbus.PublishOptions) map[string]string {
	h := make(map[string]string, len(o.Headers)+8)
	for k, v := range o.Headers {
		h[k] = v
	}

	for k, v := range msg.HeaderMap() {
		h[k] = v
	}

	if a.Propagator != nil {
		a.Propagator.Inject(ctx, h)
	}

	return h
}
