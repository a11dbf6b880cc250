package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the escrow balance monitor.
type Metrics struct {
	Evaluations   *prometheus.CounterVec
	AlertsEmitted *prometheus.CounterVec
	CacheLookups  *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		Evaluations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_balance_evaluations_total",
			Help: "Threshold evaluations by resulting level",
		}, []string{"level"}),
		AlertsEmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_balance_alerts_total",
			Help: "Balance alerts emitted on a worsening transition, by level",
		}, []string{"level"}),
		CacheLookups: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_balance_cache_lookups_total",
			Help: "Balance cache lookups by result (hit, stale, miss)",
		}, []string{"result"}),
	}
}

func (m *Metrics) IncrementEvaluation(level string) {
	if m == nil {
		return
	}
	m.Evaluations.WithLabelValues(level).Inc()
}

func (m *Metrics) IncrementAlert(level string) {
	if m == nil {
		return
	}
	m.AlertsEmitted.WithLabelValues(level).Inc()
}

func (m *Metrics) IncrementCache(result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}
