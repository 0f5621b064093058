package bus

import "context"

// Handler processes one inbound message.
// Implementations must be safe for concurrent use by multiple goroutines.
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg *Message) error { return f(ctx, msg) }

// Middleware wraps handler execution. Middlewares are executed in registration order.
type Middleware func(next HandlerFunc) HandlerFunc

// EventHandler handles messages whose payload decodes into E.
// The raw message is passed along so handlers can build replies.
type EventHandler[E any] interface {
	Handle(ctx context.Context, msg *Message, e E) error
}
