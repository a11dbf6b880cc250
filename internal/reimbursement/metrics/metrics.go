package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for reimbursement claims.
type Metrics struct {
	Submitted    *prometheus.CounterVec
	CapRejects   *prometheus.CounterVec
	Transitions  *prometheus.CounterVec
	ClaimAmounts *prometheus.HistogramVec
}

func New() *Metrics {
	return &Metrics{
		Submitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_reimbursements_submitted_total",
			Help: "Reimbursement claims submitted, by category",
		}, []string{"category"}),
		CapRejects: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_reimbursement_cap_rejections_total",
			Help: "Claims rejected for exceeding a cap, by category and period",
		}, []string{"category", "period"}),
		Transitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_reimbursement_transitions_total",
			Help: "Reimbursement state transitions by target status",
		}, []string{"status"}),
		ClaimAmounts: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "escrow_reimbursement_claim_dollars",
			Help:    "Submitted claim amounts in dollars",
			Buckets: []float64{25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"category"}),
	}
}

func (m *Metrics) IncrementSubmitted(category string, cents int64) {
	if m == nil {
		return
	}
	m.Submitted.WithLabelValues(category).Inc()
	m.ClaimAmounts.WithLabelValues(category).Observe(float64(cents) / 100)
}

func (m *Metrics) IncrementCapReject(category, period string) {
	if m == nil {
		return
	}
	m.CapRejects.WithLabelValues(category, period).Inc()
}

func (m *Metrics) IncrementTransition(status string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(status).Inc()
}
