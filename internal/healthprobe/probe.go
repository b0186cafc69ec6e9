package healthprobe

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service key reported alongside the overall ("") status.
const ServiceName = "credits.Ledger"

const (
	defaultInterval = 10 * time.Second
	defaultTimeout  = 2 * time.Second
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config wires a Probe.
type Config struct {
	Pinger   Pinger
	Interval time.Duration
	Timeout  time.Duration
	Logger   *zap.Logger
}

// Probe publishes store reachability through the standard gRPC health service.
type Probe struct {
	health   *health.Server
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

// New returns a Probe that starts out NOT_SERVING until the first successful check.
func New(cfg Config) *Probe {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	probe := &Probe{
		health:   health.NewServer(),
		pinger:   cfg.Pinger,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
	}
	probe.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return probe
}

// Register attaches the health service to server.
func (probe *Probe) Register(server *grpc.Server) {
	healthpb.RegisterHealthServer(server, probe.health)
}

// Check pings the store once and publishes the result.
func (probe *Probe) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	pingCtx, cancel := context.WithTimeout(ctx, probe.timeout)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err := probe.pinger.Ping(pingCtx); err != nil {
		probe.logger.Warn("store ping failed", zap.Error(err))
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	probe.setStatus(status)
	return status
}

// Run checks on every interval until ctx ends, then reports NOT_SERVING for good.
func (probe *Probe) Run(ctx context.Context) {
	ticker := time.NewTicker(probe.interval)
	defer ticker.Stop()

	probe.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			probe.health.Shutdown()
			return
		case <-ticker.C:
			probe.Check(ctx)
		}
	}
}

// Serve runs a gRPC server carrying only the health service until ctx ends.
func (probe *Probe) Serve(ctx context.Context, listener net.Listener) error {
	server := grpc.NewServer()
	probe.Register(server)

	errCh := make(chan error, 1)
	go func() {
		probe.logger.Info("gRPC health server starting", zap.String("listen_addr", listener.Addr().String()))
		errCh <- server.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		probe.health.Shutdown()
		server.GracefulStop()
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, grpc.ErrServerStopped) {
			return nil
		}
		return serveErr
	}
}

func (probe *Probe) setStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	probe.health.SetServingStatus("", status)
	probe.health.SetServingStatus(ServiceName, status)
}
