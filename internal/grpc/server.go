// Package grpc serves the health endpoint probed by orchestrators.
package grpc

import (
	"context"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"messaging-service/internal/observability"
)

// ServiceName is the health service name reported next to the overall status.
const ServiceName = "messaging.v1.Messaging"

// ReadinessCheck reports whether the store can serve requests.
type ReadinessCheck func(ctx context.Context) error

// NewServer builds a gRPC server with the health service registered.
func NewServer(logger *zap.Logger) (*grpc.Server, *health.Server) {
	s := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			RecoverUnary(logger),
			LoggingUnary(logger),
			observability.GRPCServerMetricsUnaryInterceptor(),
		),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	return s, hs
}

// WatchReadiness runs check every interval and mirrors the result in hs
// until ctx is done.
func WatchReadiness(ctx context.Context, hs *health.Server, check ReadinessCheck, interval time.Duration, logger *zap.Logger) {
	last := healthpb.HealthCheckResponse_UNKNOWN
	probe := func() {
		serving := healthpb.HealthCheckResponse_SERVING
		if err := check(ctx); err != nil {
			serving = healthpb.HealthCheckResponse_NOT_SERVING
			if last != serving {
				logger.Warn("store not ready", zap.Error(err))
			}
		}
		if serving != last {
			hs.SetServingStatus("", serving)
			hs.SetServingStatus(ServiceName, serving)
			last = serving
		}
	}

	probe()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			probe()
		}
	}
}

// LoggingUnary returns a unary server interceptor for structured logging.
func LoggingUnary(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		code := status.Code(err)

		var remote string
		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
			remote = p.Addr.String()
		}

		log.Debug("grpc",
			zap.String("method", info.FullMethod),
			zap.String("code", code.String()),
			zap.Duration("dur", time.Since(start)),
			zap.String("peer", remote),
		)
		return resp, err
	}
}

// RecoverUnary returns a unary server interceptor that recovers from panics.
func RecoverUnary(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic",
					zap.Any("reason", r),
					zap.ByteString("stack", debug.Stack()),
					zap.String("method", info.FullMethod),
				)
				err = status.Error(codes.Internal, "internal")
			}
		}()
		return next(ctx, req)
	}
}
