package grpc

import (
	"context"
	"sync"
	"time"

	"github.com/ordersaga/ordersaga/pkg/logger"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServer holds the statuses served by grpc.health.v1.Health. The
// empty service name is the node as a whole.
type HealthServer struct {
	server *health.Server
}

// NewHealthServer returns a server with every status unknown.
func NewHealthServer() *HealthServer {
	return &HealthServer{server: health.NewServer()}
}

// SetServingStatus publishes the status of one dependency.
func (h *HealthServer) SetServingStatus(service string, status grpc_health_v1.HealthCheckResponse_ServingStatus) {
	h.server.SetServingStatus(service, status)
}

// SetServingStatusAll publishes the overall status.
func (h *HealthServer) SetServingStatusAll(status grpc_health_v1.HealthCheckResponse_ServingStatus) {
	h.server.SetServingStatus("", status)
}

// Shutdown reports NOT_SERVING for every service and ignores later updates.
func (h *HealthServer) Shutdown() {
	h.server.Shutdown()
}

// GetServer returns the server to register.
func (h *HealthServer) GetServer() *health.Server {
	return h.server
}

// Check tests one dependency. A nil error means it is serving.
type Check func(ctx context.Context) error

// HealthReporter periodically runs named checks and publishes each result as
// the serving status of that service name. The overall status ("") is
// SERVING only while every check passes.
type HealthReporter struct {
	health   *HealthServer
	checks   map[string]Check
	interval time.Duration
	timeout  time.Duration
	log      logger.Logger

	mu   sync.Mutex
	last map[string]grpc_health_v1.HealthCheckResponse_ServingStatus
}

// NewHealthReporter creates a reporter. Zero interval defaults to 5s.
func NewHealthReporter(health *HealthServer, checks map[string]Check, interval time.Duration) *HealthReporter {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &HealthReporter{
		health:   health,
		checks:   checks,
		interval: interval,
		timeout:  interval / 2,
		log:      logger.Global().With("component", "grpc_health"),
		last:     make(map[string]grpc_health_v1.HealthCheckResponse_ServingStatus),
	}
}

// Run reports once immediately, then on every tick until ctx is done.
func (r *HealthReporter) Run(ctx context.Context) {
	r.Report(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Report(ctx)
		}
	}
}

// Report runs every check once and updates the health server.
func (r *HealthReporter) Report(ctx context.Context) {
	overall := grpc_health_v1.HealthCheckResponse_SERVING
	for name, check := range r.checks {
		checkCtx, cancel := context.WithTimeout(ctx, r.timeout)
		err := check(checkCtx)
		cancel()

		status := grpc_health_v1.HealthCheckResponse_SERVING
		if err != nil {
			status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
			overall = status
		}
		r.set(name, status, err)
	}
	r.set("", overall, nil)
}

func (r *HealthReporter) set(service string, status grpc_health_v1.HealthCheckResponse_ServingStatus, err error) {
	r.mu.Lock()
	prev, seen := r.last[service]
	r.last[service] = status
	r.mu.Unlock()

	if seen && prev != status {
		if err != nil {
			r.log.Warn("health status changed", "service", service, "status", status.String(), "error", err)
		} else {
			r.log.Info("health status changed", "service", service, "status", status.String())
		}
	}
	r.health.SetServingStatus(service, status)
}
