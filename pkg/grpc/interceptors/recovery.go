package interceptors

import (
	"context"
	"runtime/debug"

	"github.com/ordersaga/ordersaga/pkg/logger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var errPanicked = status.Error(codes.Internal, "internal server error")

// RecoveryUnaryInterceptor turns a handler panic into codes.Internal.
func RecoveryUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer recoverCall(ctx, info.FullMethod, &err)
		return handler(ctx, req)
	}
}

func RecoveryStreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer recoverCall(ss.Context(), info.FullMethod, &err)
		return handler(srv, ss)
	}
}

func recoverCall(ctx context.Context, method string, err *error) {
	r := recover()
	if r == nil {
		return
	}
	logger.Global().ErrorContext(ctx, "grpc handler panicked",
		"request_id", RequestIDFromContext(ctx),
		"method", method,
		"panic", r,
		"stack", string(debug.Stack()),
	)
	*err = errPanicked
}
