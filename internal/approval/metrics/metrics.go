package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the approval engine.
type Metrics struct {
	RequestsOpened       *prometheus.CounterVec
	Decisions            *prometheus.CounterVec
	Verifications        *prometheus.CounterVec
	VerificationDuration prometheus.Histogram
	AutoApproveFallbacks prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		RequestsOpened: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_approval_requests_opened_total",
			Help: "Approval requests opened, by pipeline",
		}, []string{"pipeline"}),
		Decisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_approval_decisions_total",
			Help: "Approval decisions by outcome and mode (automatic, human)",
		}, []string{"outcome", "mode"}),
		Verifications: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_approval_verifications_total",
			Help: "Evidence verifications by verdict, including unavailable",
		}, []string{"status"}),
		VerificationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "escrow_approval_verification_duration_seconds",
			Help:    "Duration of evidence verification including retries",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		AutoApproveFallbacks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "escrow_approval_auto_fallbacks_total",
			Help: "Automatic approvals that failed to apply and fell back to human review",
		}),
	}
}

func (m *Metrics) IncrementOpened(pipeline string) {
	if m == nil {
		return
	}
	m.RequestsOpened.WithLabelValues(pipeline).Inc()
}

func (m *Metrics) IncrementDecision(outcome string, automatic bool) {
	if m == nil {
		return
	}
	mode := "human"
	if automatic {
		mode = "automatic"
	}
	m.Decisions.WithLabelValues(outcome, mode).Inc()
}

func (m *Metrics) IncrementVerification(status string) {
	if m == nil {
		return
	}
	m.Verifications.WithLabelValues(status).Inc()
}

// ObserveVerification records verifier latency.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveVerification(start time.Time) {
	if m == nil {
		return
	}
	m.VerificationDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncrementFallback() {
	if m == nil {
		return
	}
	m.AutoApproveFallbacks.Inc()
}
