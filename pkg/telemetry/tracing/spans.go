package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerPrefix = "ordersaga/"

// Attribute keys shared by every saga span.
const (
	AttrSagaID        = attribute.Key("saga.id")
	AttrOrderNo       = attribute.Key("order.no")
	AttrMessageType   = attribute.Key("message.type")
	AttrCorrelationID = attribute.Key("correlation.id")
	AttrChannel       = attribute.Key("messaging.destination")
)

// Start opens a span on the tracer of component.
func Start(ctx context.Context, component, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerPrefix+component).Start(ctx, name, trace.WithAttributes(attrs...))
}

// End marks the span failed when err is non-nil and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Inject returns the propagation headers of the span in ctx, or nil when ctx
// carries no span.
func Inject(ctx context.Context) map[string]string {
	if !trace.SpanContextFromContext(ctx).IsValid() {
		return nil
	}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier
}

// Extract continues the trace carried by headers.
func Extract(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}
