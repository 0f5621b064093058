package inmemory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	cbus "github.com/next-trace/scg-authz-service/contract/bus"
	berr "github.com/next-trace/scg-authz-service/contract/errors"
)

const transportName = "memory"

// Sink receives every newly recorded message, e.g. a dispatcher in examples and tests.
type Sink func(ctx context.Context, msg *cbus.Message) error

// Publisher is a thread-safe in-memory implementation of cbus.Publisher.
// It records published messages and, like a JetStream stream, drops repeated message IDs.
type Publisher struct {
	mu       sync.Mutex
	Messages []*cbus.Message
	seen     map[string]uint64
	sink     Sink
}

var _ cbus.Publisher = (*Publisher)(nil)

// New creates a new in-memory publisher instance.
func New() *Publisher { return &Publisher{seen: make(map[string]uint64)} }

// Forward makes the publisher hand each new message to fn after recording it.
func (p *Publisher) Forward(fn Sink) *Publisher {
	p.mu.Lock()
	p.sink = fn
	p.mu.Unlock()

	return p
}

func (p *Publisher) Publish(ctx context.Context, msg *cbus.Message, opts cbus.PublishOptions) (cbus.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return cbus.Receipt{}, err
	}

	if msg == nil {
		return cbus.Receipt{}, fmt.Errorf("memory publish: nil message: %w", berr.ErrInvalidMessage)
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	p.mu.Lock()

	if p.seen == nil {
		p.seen = make(map[string]uint64)
	}

	if seq, dup := p.seen[msg.ID]; dup {
		p.mu.Unlock()
		return cbus.Receipt{Transport: transportName, Sequence: seq, Duplicate: true}, nil
	}

	cp := *msg
	cp.Subject = opts.Subject(msg)
	cp.Headers = make(map[string]string, len(msg.Headers)+len(opts.Headers)+1)

	for k, v := range opts.Headers {
		cp.Headers[k] = v
	}

	for k, v := range msg.Headers {
		cp.Headers[k] = v
	}

	if opts.Key != "" {
		cp.Headers["key"] = opts.Key
	}

	p.Messages = append(p.Messages, &cp)
	seq := uint64(len(p.Messages))
	p.seen[msg.ID] = seq
	sink := p.sink
	p.mu.Unlock()

	if sink != nil {
		if err := sink(ctx, &cp); err != nil {
			return cbus.Receipt{}, fmt.Errorf("memory publish %s: %w", cp.Subject, err)
		}
	}

	return cbus.Receipt{Transport: transportName, Sequence: seq}, nil
}

// Published returns a snapshot of the recorded messages.
func (p *Publisher) Published() []*cbus.Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]*cbus.Message(nil), p.Messages...)
}

// Subjects returns the subjects of the recorded messages in publish order.
func (p *Publisher) Subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]string, len(p.Messages))
	for i, m := range p.Messages {
		out[i] = m.Subject
	}

	return out
}
