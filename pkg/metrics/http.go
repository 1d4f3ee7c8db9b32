package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

const orderRoutePrefix = "/api/v1/orders"

func (m *Manager) initHTTPMetrics(cfg Config) {
	m.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, route pattern and status code",
		},
		[]string{"method", "route", "status"},
	)
	m.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern",
			Buckets: cfg.HTTPDurationBuckets,
		},
		[]string{"method", "route"},
	)
	m.httpInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "HTTP requests currently being served",
		},
	)
	m.orderResponses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_api_responses_total",
			Help: "Order API answers by route and outcome (accepted, served, invalid, not_found, conflict, throttled, unavailable, failed)",
		},
		[]string{"route", "outcome"},
	)

	m.registry.MustRegister(m.httpRequests, m.httpDuration, m.httpInflight, m.orderResponses)
}

// RecordHTTPRequest counts one finished request. route must be a pattern,
// never a raw path. The latency observation carries the trace id as an
// exemplar when the request was traced.
func (m *Manager) RecordHTTPRequest(ctx context.Context, method, route string, status int, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	if strings.HasPrefix(route, orderRoutePrefix) {
		m.orderResponses.WithLabelValues(route, OrderOutcome(status)).Inc()
	}

	observer := m.httpDuration.WithLabelValues(method, route)
	if labels, ok := traceExemplarLabels(ctx); ok {
		if eo, ok := observer.(prometheus.ExemplarObserver); ok {
			eo.ObserveWithExemplar(duration.Seconds(), labels)
			return
		}
	}
	observer.Observe(duration.Seconds())
}

// OrderOutcome names what an order API status code means for the caller.
func OrderOutcome(status int) string {
	switch {
	case status == http.StatusAccepted:
		return "accepted"
	case status < 300:
		return "served"
	case status == http.StatusNotFound:
		return "not_found"
	case status == http.StatusConflict:
		return "conflict"
	case status == http.StatusTooManyRequests:
		return "throttled"
	case status == http.StatusServiceUnavailable, status == http.StatusGatewayTimeout:
		return "unavailable"
	case status < 500:
		return "invalid"
	default:
		return "failed"
	}
}

// RequestStarted and RequestFinished track in-flight requests.
func (m *Manager) RequestStarted() {
	if m.enabled {
		m.httpInflight.Inc()
	}
}

func (m *Manager) RequestFinished() {
	if m.enabled {
		m.httpInflight.Dec()
	}
}

func traceExemplarLabels(ctx context.Context) (prometheus.Labels, bool) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return nil, false
	}
	return prometheus.Labels{
		"trace_id": sc.TraceID().String(),
		"span_id":  sc.SpanID().String(),
	}, true
}
