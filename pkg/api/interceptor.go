package api

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/buildhive/buildhive/pkg/log"
	"github.com/buildhive/buildhive/pkg/metrics"
)

// LoggingUnaryInterceptor records per-request logs and metrics.
func LoggingUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		observe(info.FullMethod, start, err)
		return resp, err
	}
}

// LoggingStreamInterceptor is the streaming counterpart.
func LoggingStreamInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		start := time.Now()
		err := handler(srv, ss)
		observe(info.FullMethod, start, err)
		return err
	}
}

func observe(method string, start time.Time, err error) {
	code := status.Code(err)
	metrics.APIRequestsTotal.WithLabelValues(method, code.String()).Inc()
	metrics.APIRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())

	event := log.WithComponent("api").Debug()
	if err != nil {
		event = log.WithComponent("api").Warn().Err(err)
	}
	event.Str("method", method).
		Str("code", code.String()).
		Dur("duration", time.Since(start)).
		Msg("rpc handled")
}
