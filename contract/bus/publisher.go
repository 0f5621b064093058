package bus

import "context"

// Receipt reports where a published message landed.
// Stream and Sequence are only set by transports that acknowledge with a position.
type Receipt struct {
	Transport string
	Stream    string
	Sequence  uint64
	Duplicate bool
}

// Publisher abstracts publishing messages to a broker.
// Implementations map to JetStream, RabbitMQ, Kafka or memory.
type Publisher interface {
	Publish(ctx context.Context, msg *Message, opts PublishOptions) (Receipt, error)
}
