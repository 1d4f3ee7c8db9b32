package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const requestIDKey contextKey = "request_id"

// RequestIDHeader carries the request id in both directions. Order clients
// that already tag calls with a correlation id may send CorrelationIDHeader
// instead.
const (
	RequestIDHeader     = "X-Request-ID"
	CorrelationIDHeader = "X-Correlation-ID"
)

// maxRequestIDLen bounds client supplied ids before they reach logs.
const maxRequestIDLen = 64

// RequestID returns a middleware that propagates the caller's request id, or
// generates one, and echoes it on the response.
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := incomingRequestID(r)
			r = r.WithContext(WithRequestID(r.Context(), requestID))
			w.Header().Set(RequestIDHeader, requestID)
			next.ServeHTTP(w, r)
		})
	}
}

func incomingRequestID(r *http.Request) string {
	for _, header := range []string{RequestIDHeader, CorrelationIDHeader} {
		if id := r.Header.Get(header); ValidRequestID(id) {
			return id
		}
	}
	return uuid.NewString()
}

// ValidRequestID accepts short ids made of letters, digits and -_.: so a
// client cannot smuggle arbitrary text into log lines.
func ValidRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.', r == ':':
		default:
			return false
		}
	}
	return true
}

// WithRequestID stores id as the request id of ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID extracts the request ID from context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
