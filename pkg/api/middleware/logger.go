// Package middleware provides HTTP middleware components.
package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ordersaga/ordersaga/pkg/logger"
)

// Logger logs one line per request once the router has matched it. Requests
// routed to an order carry its order number.
func Logger(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			begun := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			fields := []any{
				"request_id", GetRequestID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"route", routeLabel(r),
				"status", sw.status,
				"duration_ms", time.Since(begun).Milliseconds(),
				"size", sw.size,
				"remote_addr", r.RemoteAddr,
			}
			if agent := r.UserAgent(); agent != "" {
				fields = append(fields, "user_agent", agent)
			}
			if orderNo := chi.URLParam(r, "orderNo"); orderNo != "" {
				fields = append(fields, "order_no", orderNo)
			}
			logAtStatus(r.Context(), log, sw.status)("http request", fields...)
		})
	}
}

// logAtStatus picks error for 5xx and warn for 4xx.
func logAtStatus(ctx context.Context, log logger.Logger, status int) func(string, ...any) {
	switch {
	case status >= http.StatusInternalServerError:
		return func(msg string, args ...any) { log.ErrorContext(ctx, msg, args...) }
	case status >= http.StatusBadRequest:
		return func(msg string, args ...any) { log.WarnContext(ctx, msg, args...) }
	default:
		return func(msg string, args ...any) { log.InfoContext(ctx, msg, args...) }
	}
}
