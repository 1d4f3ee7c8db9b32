package metrics

import "github.com/prometheus/client_golang/prometheus"

func (m *Manager) initBusMetrics() {
	m.busPublish = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_bus_publish_total",
			Help: "Total event bus publish attempts by channel and status",
		},
		[]string{"channel", "status"},
	)

	m.busRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_bus_publish_retries_total",
			Help: "Total number of event-bus publish retries",
		},
		[]string{"channel"},
	)

	m.busDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "event_bus_degraded",
			Help: "Whether the event bus is currently in degraded mode (1=degraded)",
		},
	)

	m.busOutages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "event_bus_outages_total",
			Help: "Total event-bus outage transitions",
		},
	)

	m.busRecoveries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "event_bus_recoveries_total",
			Help: "Total event-bus recovery transitions",
		},
	)

	m.registry.MustRegister(m.busPublish)
	m.registry.MustRegister(m.busRetries)
	m.registry.MustRegister(m.busDegraded)
	m.registry.MustRegister(m.busOutages)
	m.registry.MustRegister(m.busRecoveries)
}

// RecordPublish records one publish attempt.
func (m *Manager) RecordPublish(channel, status string) {
	if !m.enabled {
		return
	}
	m.busPublish.WithLabelValues(channel, status).Inc()
}

// RecordRetry records one publish retry.
func (m *Manager) RecordRetry(channel string) {
	if !m.enabled {
		return
	}
	m.busRetries.WithLabelValues(channel).Inc()
}

// SetDegradedMode sets the degraded-mode gauge.
func (m *Manager) SetDegradedMode(active bool) {
	if !m.enabled {
		return
	}
	if active {
		m.busDegraded.Set(1)
		return
	}
	m.busDegraded.Set(0)
}

// RecordOutage records a healthy to degraded transition.
func (m *Manager) RecordOutage() {
	if !m.enabled {
		return
	}
	m.busOutages.Inc()
}

// RecordRecovery records a degraded to healthy transition.
func (m *Manager) RecordRecovery() {
	if !m.enabled {
		return
	}
	m.busRecoveries.Inc()
}
