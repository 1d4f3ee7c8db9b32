package interceptors

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const tracerName = "ordersaga/grpc"

// TracingUnaryInterceptor opens a server span per RPC and continues the
// caller's trace when one was propagated.
func TracingUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ctx, span := startServerSpan(ctx, info.FullMethod)
		defer span.End()
		if check, ok := req.(*grpc_health_v1.HealthCheckRequest); ok {
			span.SetAttributes(attribute.String("health.service", check.GetService()))
		}

		resp, err := handler(ctx, req)
		finishServerSpan(span, err)
		return resp, err
	}
}

// TracingStreamInterceptor is the streaming counterpart, used by health Watch.
func TracingStreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, span := startServerSpan(ss.Context(), info.FullMethod)
		defer span.End()

		err := handler(srv, &wrappedStream{ServerStream: ss, ctx: ctx})
		finishServerSpan(span, err)
		return err
	}
}

// startServerSpan extracts the caller's trace, starts a span named
// service/method and writes the new span context to outgoing metadata.
func startServerSpan(ctx context.Context, fullMethod string) (context.Context, trace.Span) {
	md, _ := metadata.FromIncomingContext(ctx)
	ctx = otel.GetTextMapPropagator().Extract(ctx, metadataCarrier(md))

	service, method := splitMethod(fullMethod)
	attrs := []attribute.KeyValue{
		semconv.RPCSystemGRPC,
		semconv.RPCService(service),
		semconv.RPCMethod(method),
	}
	if id := RequestIDFromContext(ctx); id != "" {
		attrs = append(attrs, attribute.String("request_id", id))
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, service+"/"+method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)

	out, ok := metadata.FromOutgoingContext(ctx)
	if ok {
		out = out.Copy()
	} else {
		out = metadata.New(nil)
	}
	otel.GetTextMapPropagator().Inject(ctx, metadataCarrier(out))
	return metadata.NewOutgoingContext(ctx, out), span
}

func finishServerSpan(span trace.Span, err error) {
	code := status.Code(err)
	span.SetAttributes(semconv.RPCGRPCStatusCodeKey.Int(int(code)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, code.String())
	}
}

func splitMethod(fullMethod string) (string, string) {
	service, method, ok := strings.Cut(strings.TrimPrefix(fullMethod, "/"), "/")
	if service == "" {
		service = "unknown"
	}
	if !ok || method == "" {
		method = "unknown"
	}
	return service, method
}

// metadataCarrier lets the otel propagator read and write gRPC metadata.
type metadataCarrier metadata.MD

func (c metadataCarrier) Get(key string) string {
	if values := metadata.MD(c).Get(key); len(values) > 0 {
		return values[0]
	}
	return ""
}

func (c metadataCarrier) Set(key, value string) {
	metadata.MD(c).Set(key, value)
}

func (c metadataCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

var _ propagation.TextMapCarrier = metadataCarrier{}
