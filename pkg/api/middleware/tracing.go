package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
)

const httpTracerName = "ordersaga/http"

// TracingOptions defines HTTP tracing middleware behavior.
type TracingOptions struct {
	// SkipPaths are polled endpoints that would drown order traces.
	SkipPaths map[string]struct{}
}

// DefaultTracingOptions skips the health and readiness routes.
func DefaultTracingOptions() TracingOptions {
	return TracingOptions{
		SkipPaths: map[string]struct{}{
			"/health": {},
			"/ready":  {},
			"/status": {},
		},
	}
}

// Tracing continues the caller's trace, or starts one, for each order API
// request. The span is named after the matched route and carries the order
// number and request id so an admission can be followed into the saga.
// Only 5xx answers mark the span as failed; 4xx are the caller's mistake.
func Tracing(opts TracingOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, skip := opts.SkipPaths[r.URL.Path]; skip {
				next.ServeHTTP(w, r)
				return
			}

			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := otel.Tracer(httpTracerName).Start(ctx, "HTTP "+r.Method, trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()

			span.SetAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			)
			if id := GetRequestID(r.Context()); id != "" {
				span.SetAttributes(attribute.String("request_id", id))
			}

			r = r.WithContext(ctx)
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			route := routeLabel(r)
			span.SetName(r.Method + " " + route)
			span.SetAttributes(
				semconv.HTTPRoute(route),
				semconv.HTTPResponseStatusCode(sw.status),
			)
			if orderNo := chi.URLParam(r, "orderNo"); orderNo != "" {
				span.SetAttributes(attribute.String("order.no", orderNo))
			}
			if sw.status >= http.StatusInternalServerError {
				span.SetStatus(otelcodes.Error, http.StatusText(sw.status))
			}
		})
	}
}
