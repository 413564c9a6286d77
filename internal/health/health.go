package health

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// BackendService is the health service name reflecting the masking backend.
const BackendService = "piimasker.MaskingBackend"

// Checker probes a dependency.
type Checker interface {
	Health(ctx context.Context) error
}

// Monitor mirrors the masking backend's reachability into a gRPC health server.
type Monitor struct {
	server   *grpchealth.Server
	checker  Checker
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
	known    bool
	healthy  bool
}

// NewMonitor builds a monitor that probes checker every interval.
func NewMonitor(checker Checker, interval time.Duration, logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	srv := grpchealth.NewServer()
	srv.SetServingStatus(BackendService, healthpb.HealthCheckResponse_UNKNOWN)
	return &Monitor{
		server:   srv,
		checker:  checker,
		interval: interval,
		timeout:  5 * time.Second,
		logger:   logger.Named("health_monitor"),
	}
}

// Register attaches the health service to a gRPC server.
func (m *Monitor) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, m.server)
}

// Server exposes the underlying health server.
func (m *Monitor) Server() healthpb.HealthServer {
	return m.server
}

// Probe checks the backend once and publishes the outcome.
func (m *Monitor) Probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.checker.Health(probeCtx)
	healthy := err == nil
	status := healthpb.HealthCheckResponse_SERVING
	if !healthy {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	m.server.SetServingStatus(BackendService, status)

	if !m.known || m.healthy != healthy {
		if healthy {
			m.logger.Info("masking backend reachable")
		} else {
			m.logger.Warn("masking backend unreachable", zap.Error(err))
		}
	}
	m.known, m.healthy = true, healthy
	return err
}

// Run probes until ctx is done, then marks every service as not serving.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	_ = m.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			m.server.Shutdown()
			return
		case <-ticker.C:
			_ = m.Probe(ctx)
		}
	}
}
