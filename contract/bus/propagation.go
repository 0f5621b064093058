package bus

import "context"

// HeaderPropagator writes the trace context of ctx into outbound message headers.
// Implementations must be safe for concurrent use.
type HeaderPropagator interface {
	Inject(ctx context.Context, headers map[string]string)
}

// HeaderExtractor is the inbound side: it returns ctx carrying the trace found in headers.
type HeaderExtractor interface {
	Extract(ctx context.Context, headers map[string]string) context.Context
}

// NopHeaderPropagator neither writes nor reads trace headers. Used when tracing is off.
type NopHeaderPropagator struct{}

func (NopHeaderPropagator) Inject(context.Context, map[string]string) {}

func (NopHeaderPropagator) Extract(ctx context.Context, _ map[string]string) context.Context {
	return ctx
}
