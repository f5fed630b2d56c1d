package grpcx

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/md-rashed-zaman/eventcore/libs/runtime"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// NewServer returns a traced server with the request id and logging interceptors.
func NewServer(logger *slog.Logger, opts ...grpc.ServerOption) *grpc.Server {
	base := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			UnaryServerRequestIDInterceptor(),
			UnaryServerLogInterceptor(logger),
		),
	}
	return grpc.NewServer(append(base, opts...)...)
}

// Health reports service status over grpc.health.v1 from the same checks
// that back /readyz.
type Health struct {
	server  *health.Server
	service string
	checks  []runtime.ReadyCheck
	logger  *slog.Logger
}

func RegisterHealth(srv *grpc.Server, service string, logger *slog.Logger, checks ...runtime.ReadyCheck) *Health {
	h := &Health{server: health.NewServer(), service: service, checks: checks, logger: logger}
	healthpb.RegisterHealthServer(srv, h.server)
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Refresh runs the checks once and publishes the result.
func (h *Health) Refresh(ctx context.Context) bool {
	failures := runtime.CheckAll(ctx, 2*time.Second, h.checks...)
	if len(failures) > 0 {
		h.logger.Warn("service not ready", "failures", failures)
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return false
	}
	h.set(healthpb.HealthCheckResponse_SERVING)
	return true
}

// Watch refreshes every interval until ctx is done, then marks the service
// as not serving.
func (h *Health) Watch(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		h.Refresh(ctx)
		select {
		case <-ctx.Done():
			h.server.Shutdown()
			return
		case <-t.C:
		}
	}
}

func (h *Health) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.server.SetServingStatus("", status)
	h.server.SetServingStatus(h.service, status)
}

// Serve listens on addr and stops gracefully when ctx is done.
func Serve(ctx context.Context, srv *grpc.Server, addr string, logger *slog.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()
	logger.Info("grpc server starting", "addr", lis.Addr().String())
	return srv.Serve(lis)
}
