// Package metrics provides Prometheus metrics instrumentation for ordersaga.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager manages all Prometheus metrics for ordersaga. It implements the
// recorder interfaces of the coordinator, aggregator, participant and event
// bus packages; every method is a no-op when metrics are disabled.
type Manager struct {
	registry *prometheus.Registry
	enabled  bool

	// Saga metrics
	sagaStarted       *prometheus.CounterVec
	sagaCompleted     *prometheus.CounterVec
	sagaDuration      *prometheus.HistogramVec
	sagaActive        prometheus.Gauge
	sagaCompensations *prometheus.CounterVec
	sagaSweeps        *prometheus.CounterVec

	// Aggregator metrics
	aggregatorClaims      *prometheus.CounterVec
	aggregatorLateSuccess prometheus.Counter

	// Participant metrics
	participantCommands *prometheus.CounterVec

	// Event bus metrics
	busPublish    *prometheus.CounterVec
	busRetries    *prometheus.CounterVec
	busDegraded   prometheus.Gauge
	busOutages    prometheus.Counter
	busRecoveries prometheus.Counter

	// HTTP metrics
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	httpInflight   prometheus.Gauge
	orderResponses *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Port    int
	Path    string

	// Histogram bucket configurations
	SagaDurationBuckets []float64
	HTTPDurationBuckets []float64
}

// DefaultConfig returns default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		Port:                9091,
		Path:                "/metrics",
		SagaDurationBuckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		HTTPDurationBuckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}
}

// NewManager creates a new metrics manager.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return &Manager{enabled: false}
	}

	registry := prometheus.NewRegistry()

	// Register Go runtime metrics
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Manager{
		registry: registry,
		enabled:  true,
	}

	m.initSagaMetrics(cfg)
	m.initParticipantMetrics()
	m.initBusMetrics()
	m.initHTTPMetrics(cfg)

	return m
}

// Enabled returns whether metrics collection is enabled.
func (m *Manager) Enabled() bool {
	return m.enabled
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Manager) Handler() http.Handler {
	if !m.enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// StartServer starts the metrics HTTP server on the configured port. It
// returns nil once ctx is canceled and the server has shut down.
func (m *Manager) StartServer(ctx context.Context, port int, path string) error {
	if !m.enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// NoOpManager returns a no-op metrics manager for when metrics are disabled.
func NoOpManager() *Manager {
	return &Manager{enabled: false}
}
