package interceptors

import (
	"google.golang.org/grpc"
)

// ServerOptions returns the interceptor chain for the health endpoint:
// recovery, request id, logging and, when enabled, tracing. Recovery runs
// outermost so a panic anywhere below it becomes codes.Internal.
func ServerOptions(tracing bool) []grpc.ServerOption {
	unary := []grpc.UnaryServerInterceptor{
		RecoveryUnaryInterceptor(),
		RequestIDUnaryInterceptor(),
		LoggingUnaryInterceptor(),
	}
	stream := []grpc.StreamServerInterceptor{
		RecoveryStreamInterceptor(),
		RequestIDStreamInterceptor(),
		LoggingStreamInterceptor(),
	}
	if tracing {
		unary = append(unary, TracingUnaryInterceptor())
		stream = append(stream, TracingStreamInterceptor())
	}
	return []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(stream...),
	}
}
