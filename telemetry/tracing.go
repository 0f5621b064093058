package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	cbus "github.com/next-trace/scg-authz-service/contract/bus"
	berr "github.com/next-trace/scg-authz-service/contract/errors"
)

const instrumentationName = "github.com/next-trace/scg-authz-service"

// Semantic attribute keys following OpenTelemetry messaging conventions
const (
	AttrMessagingSystem = attribute.Key("messaging.system")
	AttrDestination     = attribute.Key("messaging.destination.name")
	AttrMessageID       = attribute.Key("messaging.message.id")
	AttrConsumer        = attribute.Key("messaging.consumer.group.name")
	AttrEventType       = attribute.Key("authz.event.type")
	AttrAttempt         = attribute.Key("authz.delivery.attempt")
	AttrStreamSequence  = attribute.Key("authz.stream.sequence")
)

// Propagator carries W3C trace context and baggage in message headers.
// It implements cbus.HeaderPropagator and cbus.HeaderExtractor.
type Propagator struct {
	tmp propagation.TextMapPropagator
}

var (
	_ cbus.HeaderPropagator = Propagator{}
	_ cbus.HeaderExtractor  = Propagator{}
)

// NewPropagator returns a trace-context + baggage propagator and installs it as the global one.
func NewPropagator() Propagator {
	tmp := propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
	otel.SetTextMapPropagator(tmp)

	return Propagator{tmp: tmp}
}

func (p Propagator) propagator() propagation.TextMapPropagator {
	if p.tmp == nil {
		return otel.GetTextMapPropagator()
	}

	return p.tmp
}

func (p Propagator) Inject(ctx context.Context, headers map[string]string) {
	p.propagator().Inject(ctx, propagation.MapCarrier(headers))
}

func (p Propagator) Extract(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}

	return p.propagator().Extract(ctx, propagation.MapCarrier(headers))
}

// Tracing starts a consumer span around each handler. The remote parent comes from the context,
// where the subscriber placed the extracted trace.
func Tracing(tp trace.TracerProvider) cbus.Middleware {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	tracer := tp.Tracer(instrumentationName)

	return func(next cbus.HandlerFunc) cbus.HandlerFunc {
		return func(ctx context.Context, msg *cbus.Message) error {
			ctx, span := tracer.Start(ctx, fmt.Sprintf("process %s", msg.Type),
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(
					AttrMessagingSystem.String("nats"),
					AttrDestination.String(msg.Subject),
					AttrMessageID.String(msg.ID),
					AttrConsumer.String(msg.Delivery.Consumer),
					AttrEventType.String(msg.Type),
					AttrAttempt.Int(msg.Delivery.Attempt),
					AttrStreamSequence.Int64(int64(msg.Delivery.Sequence)),
				),
			)
			defer span.End()

			err := next(ctx, msg)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				span.SetAttributes(attribute.Bool("authz.error.permanent", berr.IsPermanent(err)))

				return err
			}

			span.SetStatus(codes.Ok, "")

			return nil
		}
	}
}
