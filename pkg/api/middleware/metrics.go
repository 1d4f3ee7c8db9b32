package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// unmatchedRoute labels requests no route matched. Raw paths would carry
// free-form order numbers into label values.
const unmatchedRoute = "unmatched"

// MetricsRecorder receives one observation per request. ctx carries the
// request span so the recorder can attach trace exemplars.
type MetricsRecorder interface {
	RecordHTTPRequest(ctx context.Context, method, route string, status int, duration time.Duration)
	RequestStarted()
	RequestFinished()
}

// Metrics records every request except scrapes of the metrics endpoint
// itself. A panicking handler is recorded as a 500 before the panic moves on.
func Metrics(recorder MetricsRecorder, metricsPath string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metricsPath != "" && r.URL.Path == metricsPath {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			recorder.RequestStarted()
			defer recorder.RequestFinished()

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			defer func() {
				if p := recover(); p != nil {
					recorder.RecordHTTPRequest(r.Context(), r.Method, routeLabel(r), http.StatusInternalServerError, time.Since(start))
					panic(p)
				}
			}()

			next.ServeHTTP(sw, r)
			recorder.RecordHTTPRequest(r.Context(), r.Method, routeLabel(r), sw.status, time.Since(start))
		})
	}
}

// statusWriter remembers the first status written and counts body bytes.
type statusWriter struct {
	http.ResponseWriter
	status      int
	size        int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	sw.wroteHeader = true
	n, err := sw.ResponseWriter.Write(b)
	sw.size += n
	return n, err
}

// routeLabel is the matched chi pattern, e.g. /api/v1/orders/{orderNo}. It is
// only complete once the router has served the request.
func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return unmatchedRoute
}
