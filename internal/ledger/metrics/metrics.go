package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the payment ledger.
type Metrics struct {
	Appends          *prometheus.CounterVec
	AmountAppended   *prometheus.CounterVec
	Rejections       *prometheus.CounterVec
	IdempotentHits   prometheus.Counter
	AppendDuration   prometheus.Histogram
	ReconcileResults *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		Appends: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_ledger_appends_total",
			Help: "Ledger entries appended, by payment type",
		}, []string{"type"}),
		AmountAppended: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_ledger_amount_cents_total",
			Help: "Cents moved through the ledger, by payment type",
		}, []string{"type"}),
		Rejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_ledger_disbursement_rejections_total",
			Help: "Disbursements rejected before append, by error code",
		}, []string{"code"}),
		IdempotentHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "escrow_ledger_idempotent_replays_total",
			Help: "Appends answered with an existing payment for the same idempotency key",
		}),
		AppendDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "escrow_ledger_append_duration_seconds",
			Help:    "Duration of a guarded ledger append including the account lock",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		ReconcileResults: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_ledger_reconcile_total",
			Help: "Ledger reconciliations by result (ok, mismatch)",
		}, []string{"result"}),
	}
}

func (m *Metrics) RecordAppend(paymentType string, cents int64) {
	if m == nil {
		return
	}
	m.Appends.WithLabelValues(paymentType).Inc()
	m.AmountAppended.WithLabelValues(paymentType).Add(float64(cents))
}

func (m *Metrics) IncrementRejection(code string) {
	if m == nil {
		return
	}
	m.Rejections.WithLabelValues(code).Inc()
}

func (m *Metrics) IncrementIdempotentHit() {
	if m == nil {
		return
	}
	m.IdempotentHits.Inc()
}

func (m *Metrics) ObserveAppend(start time.Time) {
	if m == nil {
		return
	}
	m.AppendDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncrementReconcile(result string) {
	if m == nil {
		return
	}
	m.ReconcileResults.WithLabelValues(result).Inc()
}
