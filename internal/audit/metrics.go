package audit

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricLedgerAppendsTotal     = "audit_ledger_appends_total"
	MetricLedgerAppendDuration   = "audit_ledger_append_duration_seconds"
	MetricLedgerViolationsTotal  = "audit_ledger_violations_total"
	MetricLedgerLastVerification = "audit_ledger_last_verification_timestamp"
)

// Append outcomes for labeling.
const (
	OutcomeAppended   = "appended"
	OutcomeReconciled = "reconciled"
	OutcomeConflict   = "conflict"
	OutcomeUnknown    = "unknown"
	OutcomeError      = "error"
)

// Metrics contains Prometheus metrics for the audit ledger.
// All operations are thread-safe.
type Metrics struct {
	appendsTotal     *prometheus.CounterVec
	appendDuration   prometheus.Histogram
	violationsTotal  *prometheus.CounterVec
	lastVerification prometheus.Gauge
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		appendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricLedgerAppendsTotal,
				Help: "Total number of ledger append attempts by outcome",
			},
			[]string{"outcome"},
		),
		appendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricLedgerAppendDuration,
			Help:    "Histogram of ledger append duration in seconds, including lock wait",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
		violationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricLedgerViolationsTotal,
				Help: "Total number of chain integrity violations found by verification",
			},
			[]string{"kind"},
		),
		lastVerification: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricLedgerLastVerification,
			Help: "Unix timestamp of the last completed chain verification run",
		}),
	}
}

// Register registers all metrics with the given registry.
// Returns an error if registration fails.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncAppends increments the append counter for outcome.
func (m *Metrics) IncAppends(outcome string) {
	m.appendsTotal.WithLabelValues(outcome).Inc()
}

// ObserveAppendDuration records an append duration sample.
func (m *Metrics) ObserveAppendDuration(seconds float64) {
	m.appendDuration.Observe(seconds)
}

// AddViolations counts violations by kind.
func (m *Metrics) AddViolations(violations []Violation) {
	for _, v := range violations {
		m.violationsTotal.WithLabelValues(string(v.Kind)).Inc()
	}
}

// SetLastVerification records the completion time of a verification run.
func (m *Metrics) SetLastVerification(unixSeconds float64) {
	m.lastVerification.Set(unixSeconds)
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.appendsTotal,
		m.appendDuration,
		m.violationsTotal,
		m.lastVerification,
	}
}
