package metrics

import "github.com/prometheus/client_golang/prometheus"

func (m *Manager) initParticipantMetrics() {
	m.participantCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "participant_commands_total",
			Help: "Commands processed by participants by outcome",
		},
		[]string{"step", "command_type", "outcome"},
	)
	m.registry.MustRegister(m.participantCommands)
}

// RecordCommand records one processed participant command.
func (m *Manager) RecordCommand(step, commandType, outcome string) {
	if !m.enabled {
		return
	}
	m.participantCommands.WithLabelValues(step, commandType, outcome).Inc()
}
