package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initSagaMetrics(cfg Config) {
	m.sagaStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_started_total",
			Help: "Total number of admitted sagas by execution mode",
		},
		[]string{"mode"},
	)

	m.sagaCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_completed_total",
			Help: "Total number of sagas reaching a terminal status",
		},
		[]string{"status"},
	)

	m.sagaDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "saga_duration_seconds",
			Help:    "Time from admission to terminal status in seconds",
			Buckets: cfg.SagaDurationBuckets,
		},
		[]string{"status"},
	)

	m.sagaActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "saga_active_count",
			Help: "Sagas admitted by this process that are not terminal yet",
		},
	)

	m.sagaCompensations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_compensations_total",
			Help: "Total number of compensating commands emitted by step",
		},
		[]string{"step"},
	)

	m.sagaSweeps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_sweeps_total",
			Help: "Total number of sweeper actions on stalled sagas",
		},
		[]string{"action"},
	)

	m.aggregatorClaims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_claims_total",
			Help: "Finalize/rollback claim attempts by outcome",
		},
		[]string{"claim", "won"},
	)

	m.aggregatorLateSuccess = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aggregator_late_success_total",
			Help: "Successes recorded after their join was rolled back",
		},
	)

	m.registry.MustRegister(m.sagaStarted)
	m.registry.MustRegister(m.sagaCompleted)
	m.registry.MustRegister(m.sagaDuration)
	m.registry.MustRegister(m.sagaActive)
	m.registry.MustRegister(m.sagaCompensations)
	m.registry.MustRegister(m.sagaSweeps)
	m.registry.MustRegister(m.aggregatorClaims)
	m.registry.MustRegister(m.aggregatorLateSuccess)
}

// RecordSagaStarted records one admitted saga.
func (m *Manager) RecordSagaStarted(mode string) {
	if !m.enabled {
		return
	}
	m.sagaStarted.WithLabelValues(mode).Inc()
	m.sagaActive.Inc()
}

// RecordSagaCompleted records a terminal outcome and its latency.
func (m *Manager) RecordSagaCompleted(status string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.sagaCompleted.WithLabelValues(status).Inc()
	m.sagaDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.sagaActive.Dec()
}

// RecordCompensation records one compensating command.
func (m *Manager) RecordCompensation(step string) {
	if !m.enabled {
		return
	}
	m.sagaCompensations.WithLabelValues(step).Inc()
}

// RecordSweep records one sweeper action.
func (m *Manager) RecordSweep(action string) {
	if !m.enabled {
		return
	}
	m.sagaSweeps.WithLabelValues(action).Inc()
}

// RecordClaim records a finalize or rollback claim attempt.
func (m *Manager) RecordClaim(claim string, won bool) {
	if !m.enabled {
		return
	}
	m.aggregatorClaims.WithLabelValues(claim, strconv.FormatBool(won)).Inc()
}

// RecordLateSuccess records a success that arrived after rollback.
func (m *Manager) RecordLateSuccess() {
	if !m.enabled {
		return
	}
	m.aggregatorLateSuccess.Inc()
}
