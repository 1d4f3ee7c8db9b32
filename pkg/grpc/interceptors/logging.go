package interceptors

import (
	"context"
	"time"

	"github.com/ordersaga/ordersaga/pkg/logger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// LoggingUnaryInterceptor logs each unary call with its status and duration.
func LoggingUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logCall(ctx, info.FullMethod, false, err, time.Since(start))
		return resp, err
	}
}

// LoggingStreamInterceptor logs each stream when it ends.
func LoggingStreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		logCall(ss.Context(), info.FullMethod, true, err, time.Since(start))
		return err
	}
}

func logCall(ctx context.Context, method string, stream bool, err error, d time.Duration) {
	requestID := RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = "unknown"
	}
	code := codes.OK
	if err != nil {
		code = status.Code(err)
	}
	args := []any{
		"request_id", requestID,
		"method", method,
		"stream", stream,
		"code", code.String(),
		"duration_ms", d.Milliseconds(),
	}

	log := logger.Global()
	switch code {
	case codes.OK:
		log.DebugContext(ctx, "grpc call", args...)
	case codes.Internal, codes.Unknown, codes.DataLoss, codes.Unavailable:
		log.ErrorContext(ctx, "grpc call failed", append(args, "error", err)...)
	default:
		log.WarnContext(ctx, "grpc call failed", append(args, "error", err)...)
	}
}
