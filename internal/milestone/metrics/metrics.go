package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the milestone tracker.
type Metrics struct {
	Instantiated *prometheus.CounterVec
	Transitions  *prometheus.CounterVec
	DueRuns      *prometheus.CounterVec
	HoldChanges  *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		Instantiated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_milestones_instantiated_total",
			Help: "Milestone instances created, by category",
		}, []string{"category"}),
		Transitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_milestone_transitions_total",
			Help: "Milestone state transitions by target status",
		}, []string{"status"}),
		DueRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_milestone_due_triggers_total",
			Help: "Scheduled milestones triggered by the due runner, by result",
		}, []string{"result"}),
		HoldChanges: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_milestone_hold_changes_total",
			Help: "Blocking holds raised or cleared",
		}, []string{"change"}),
	}
}

func (m *Metrics) IncrementInstantiated(category string) {
	if m == nil {
		return
	}
	m.Instantiated.WithLabelValues(category).Inc()
}

func (m *Metrics) IncrementTransition(status string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(status).Inc()
}

func (m *Metrics) IncrementDueRun(result string) {
	if m == nil {
		return
	}
	m.DueRuns.WithLabelValues(result).Inc()
}

func (m *Metrics) IncrementHold(change string) {
	if m == nil {
		return
	}
	m.HoldChanges.WithLabelValues(change).Inc()
}
