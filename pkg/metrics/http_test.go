package metrics

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"
)

func TestOrderOutcome(t *testing.T) {
	tests := map[int]string{
		http.StatusAccepted:            "accepted",
		http.StatusOK:                  "served",
		http.StatusBadRequest:          "invalid",
		http.StatusUnprocessableEntity: "invalid",
		http.StatusNotFound:            "not_found",
		http.StatusConflict:            "conflict",
		http.StatusTooManyRequests:     "throttled",
		http.StatusServiceUnavailable:  "unavailable",
		http.StatusGatewayTimeout:      "unavailable",
		http.StatusInternalServerError: "failed",
	}
	for status, want := range tests {
		if got := OrderOutcome(status); got != want {
			t.Fatalf("OrderOutcome(%d) = %q, want %q", status, got, want)
		}
	}
}

func TestRecordHTTPRequest_OrderRoutesOnly(t *testing.T) {
	m := NewManager(DefaultConfig())
	ctx := context.Background()

	m.RecordHTTPRequest(ctx, "POST", "/api/v1/orders", 202, time.Millisecond)
	m.RecordHTTPRequest(ctx, "POST", "/api/v1/orders", 409, time.Millisecond)
	m.RecordHTTPRequest(ctx, "POST", "/api/v1/orders/{orderNo}/payment", 404, time.Millisecond)
	m.RecordHTTPRequest(ctx, "GET", "/ready", 503, time.Millisecond)

	body := scrape(t, m)
	assert.Contains(t, body, `order_api_responses_total{outcome="accepted",route="/api/v1/orders"} 1`)
	assert.Contains(t, body, `order_api_responses_total{outcome="conflict",route="/api/v1/orders"} 1`)
	assert.Contains(t, body, `order_api_responses_total{outcome="not_found",route="/api/v1/orders/{orderNo}/payment"} 1`)
	assert.Contains(t, body, `http_requests_total{method="GET",route="/ready",status="503"} 1`)
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "order_api_responses_total") && strings.Contains(line, `route="/ready"`) {
			t.Fatalf("readiness route counted as an order answer: %s", line)
		}
	}
}

func TestRequestInflight(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.RequestStarted()
	m.RequestStarted()
	m.RequestFinished()

	assert.Contains(t, scrape(t, m), "http_inflight_requests 1")
}

func TestTraceExemplarLabels(t *testing.T) {
	spanCtx := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		SpanID:     trace.SpanID{9, 8, 7, 6, 5, 4, 3, 2},
		TraceFlags: trace.FlagsSampled,
	})

	labels, ok := traceExemplarLabels(trace.ContextWithSpanContext(context.Background(), spanCtx))
	if !ok {
		t.Fatal("expected exemplar labels from a traced admission")
	}
	assert.Equal(t, spanCtx.TraceID().String(), labels["trace_id"])
	assert.Equal(t, spanCtx.SpanID().String(), labels["span_id"])

	if labels, ok := traceExemplarLabels(context.Background()); ok {
		t.Fatalf("expected no exemplar labels without a span, got %v", labels)
	}
}
