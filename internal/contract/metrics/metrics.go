package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the contract module.
type Metrics struct {
	VersionsRegistered prometheus.Counter
	VersionsConfirmed  *prometheus.CounterVec
	JourneyChanges     *prometheus.CounterVec
	ConfirmDuration    prometheus.Histogram
}

// New creates a new Metrics instance with all contract metrics registered.
func New() *Metrics {
	return &Metrics{
		VersionsRegistered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "escrow_contract_versions_registered_total",
			Help: "Total number of contract versions registered as drafts",
		}),
		VersionsConfirmed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_contract_versions_confirmed_total",
			Help: "Total number of contract versions confirmed, by path (parties, override)",
		}, []string{"path"}),
		JourneyChanges: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_contract_journey_changes_total",
			Help: "Journey status changes by new status",
		}, []string{"status"}),
		ConfirmDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "escrow_contract_confirm_duration_seconds",
			Help:    "Duration of confirmation including milestone instantiation hooks",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
	}
}

func (m *Metrics) IncrementRegistered() {
	if m == nil {
		return
	}
	m.VersionsRegistered.Inc()
}

func (m *Metrics) IncrementConfirmed(path string) {
	if m == nil {
		return
	}
	m.VersionsConfirmed.WithLabelValues(path).Inc()
}

func (m *Metrics) IncrementJourneyChange(status string) {
	if m == nil {
		return
	}
	m.JourneyChanges.WithLabelValues(status).Inc()
}

// ObserveConfirm records the duration of a confirmation.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveConfirm(start time.Time) {
	if m == nil {
		return
	}
	m.ConfirmDuration.Observe(time.Since(start).Seconds())
}
