package tracing

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/ordersaga/ordersaga/config"
	"github.com/ordersaga/ordersaga/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace/noop"
)

// maxReportedSagas bounds the saga ids listed in one export failure.
const maxReportedSagas = 10

// ShutdownFunc flushes pending spans and releases the exporter.
type ShutdownFunc func(ctx context.Context) error

// ExportFailure describes one batch the collector did not accept. SagaIDs
// names the sagas whose traces are now missing spans.
type ExportFailure struct {
	Err      error
	Endpoint string
	Spans    int
	SagaIDs  []string
}

// Option adjusts Init.
type Option func(*options)

type options struct {
	exporter  sdktrace.SpanExporter
	onFailure func(ExportFailure)
}

// WithExporter replaces the OTLP exporter built from the config.
func WithExporter(exp sdktrace.SpanExporter) Option {
	return func(o *options) { o.exporter = exp }
}

// WithFailureHandler receives export failures instead of the log.
func WithFailureHandler(fn func(ExportFailure)) Option {
	return func(o *options) { o.onFailure = fn }
}

func logExportFailure(f ExportFailure) {
	logger.Warn("trace export failed",
		"error", f.Err,
		"endpoint", f.Endpoint,
		"span_count", f.Spans,
		"saga_ids", f.SagaIDs,
	)
}

// lossyExporter never returns an export error to the batch processor, so a
// collector outage costs spans and not saga throughput.
type lossyExporter struct {
	next      sdktrace.SpanExporter
	endpoint  string
	onFailure func(ExportFailure)
}

func (e *lossyExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if err := e.next.ExportSpans(ctx, spans); err != nil {
		e.onFailure(ExportFailure{
			Err:      err,
			Endpoint: e.endpoint,
			Spans:    len(spans),
			SagaIDs:  sagaIDs(spans),
		})
	}
	return nil
}

func (e *lossyExporter) Shutdown(ctx context.Context) error {
	return e.next.Shutdown(ctx)
}

func sagaIDs(spans []sdktrace.ReadOnlySpan) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, span := range spans {
		for _, kv := range span.Attributes() {
			if kv.Key != AttrSagaID {
				continue
			}
			id := kv.Value.AsString()
			if _, ok := seen[id]; ok || id == "" {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
			if len(ids) == maxReportedSagas {
				return ids
			}
		}
	}
	return ids
}

func newOTLPExporter(ctx context.Context, cfg config.TracingConfig, endpoint string) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithTimeout(cfg.Timeout),
		otlptracegrpc.WithInsecure(),
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	return otlptracegrpc.New(ctx, opts...)
}

// Node identifies the process in exported spans. Coordinator and
// Participants say which roles this node plays, so traces of one saga can be
// told apart when coordinator and services run as separate deployments.
type Node struct {
	Service      string
	Version      string
	InstanceID   string
	Environment  string
	Coordinator  bool
	Participants []string
}

func (n Node) attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(n.Service),
		semconv.ServiceVersion(n.Version),
		attribute.Bool("ordersaga.coordinator", n.Coordinator),
	}
	if n.InstanceID != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(n.InstanceID))
	}
	if n.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironmentName(n.Environment))
	}
	if len(n.Participants) > 0 {
		attrs = append(attrs, attribute.StringSlice("ordersaga.participants", n.Participants))
	}
	return attrs
}

// Init installs the process-wide tracer provider and the W3C propagators.
// Disabled tracing installs a no-op provider; trace headers still pass
// through the bus so a downstream node can continue the trace.
func Init(ctx context.Context, cfg config.TracingConfig, node Node, opts ...Option) (ShutdownFunc, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	o := options{onFailure: logExportFailure}
	for _, opt := range opts {
		opt(&o)
	}

	endpoint := normalizeEndpoint(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("tracing endpoint cannot be empty")
	}
	exp := o.exporter
	if exp == nil {
		if cfg.Timeout <= 0 {
			return nil, errors.New("tracing timeout must be > 0")
		}
		var err error
		if exp, err = newOTLPExporter(ctx, cfg, endpoint); err != nil {
			return nil, fmt.Errorf("create tracing exporter: %w", err)
		}
	}
	exp = &lossyExporter{next: exp, endpoint: endpoint, onFailure: o.onFailure}

	res, err := resource.New(ctx, resource.WithAttributes(node.attributes()...))
	if err != nil {
		_ = exp.Shutdown(ctx)
		return nil, fmt.Errorf("create tracing resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg)),
	)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		flushErr := tp.ForceFlush(ctx)
		if err := tp.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown tracing provider: %w", err)
		}
		if flushErr != nil {
			return fmt.Errorf("flush tracing provider: %w", flushErr)
		}
		return nil
	}, nil
}

// sampler maps the configured name onto an SDK sampler. Ratio sampling
// respects the parent decision, so a saga sampled at admission stays sampled
// on every participant.
func sampler(cfg config.TracingConfig) sdktrace.Sampler {
	switch strings.ToLower(strings.TrimSpace(cfg.Sampler)) {
	case "always_on":
		return sdktrace.AlwaysSample()
	case "always_off":
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))
	}
}

// normalizeEndpoint reduces a collector URL to the host:port the gRPC
// exporter dials.
func normalizeEndpoint(endpoint string) string {
	raw := strings.TrimSpace(endpoint)
	if !strings.Contains(raw, "://") {
		return raw
	}
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		return u.Host
	}
	return raw
}
