package interceptors

import (
	"context"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// Metadata keys mirror the HTTP request id headers so a storefront can tag
// both transports the same way.
const (
	RequestIDKey     = "x-request-id"
	CorrelationIDKey = "x-correlation-id"
)

type contextKey struct{}

// RequestIDUnaryInterceptor adopts the caller's request id, or mints one, and
// forwards it on outgoing calls made while serving the request.
func RequestIDUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		requestID := incomingRequestID(ctx)
		ctx = context.WithValue(ctx, contextKey{}, requestID)
		ctx = metadata.AppendToOutgoingContext(ctx, RequestIDKey, requestID)
		_ = grpc.SetHeader(ctx, metadata.Pairs(RequestIDKey, requestID))
		return handler(ctx, req)
	}
}

// RequestIDStreamInterceptor does the same for streams such as saga watches
// and echoes the id in the stream header.
func RequestIDStreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		requestID := incomingRequestID(ss.Context())
		_ = ss.SetHeader(metadata.Pairs(RequestIDKey, requestID))
		ctx := context.WithValue(ss.Context(), contextKey{}, requestID)
		return handler(srv, &wrappedStream{ServerStream: ss, ctx: ctx})
	}
}

// RequestIDFromContext returns the request id set by the interceptors.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

func incomingRequestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		for _, key := range []string{RequestIDKey, CorrelationIDKey} {
			if ids := md.Get(key); len(ids) > 0 && validRequestID(ids[0]) {
				return ids[0]
			}
		}
	}
	return uuid.NewString()
}

type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context {
	return w.ctx
}

// maxRequestIDLen bounds client supplied ids before they reach logs. It
// matches the HTTP middleware limit.
const maxRequestIDLen = 64

// validRequestID mirrors middleware.ValidRequestID; it is kept here so the
// interceptors do not import pkg/api/middleware (which imports config).
func validRequestID(id string) bool {
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
