package api

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"github.com/iwhitebird/valka/pkg/log"
)

// UnaryLoggingInterceptor logs each unary RPC's method, duration, and
// outcome (debug level on success, warn level on a handler error) and
// surfaces handler errors unchanged, mirroring
// the teacher's per-RPC interceptor shape without the mTLS-specific
// read-only gate (Valka has no Unix-socket listener).
func UnaryLoggingInterceptor() grpc.UnaryServerInterceptor {
	logger := log.WithComponent("api")
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		event := logger.Debug()
		if err != nil {
			event = logger.Warn().Err(err)
		}
		event.Str("method", info.FullMethod).Dur("duration", time.Since(start)).Msg("rpc handled")
		return resp, err
	}
}

// StreamLoggingInterceptor is UnaryLoggingInterceptor's streaming
// counterpart, logging once when a stream completes.
func StreamLoggingInterceptor() grpc.StreamServerInterceptor {
	logger := log.WithComponent("api")
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		event := logger.Debug()
		if err != nil {
			event = logger.Warn().Err(err)
		}
		event.Str("method", info.FullMethod).Dur("duration", time.Since(start)).Msg("stream handled")
		return err
	}
}
