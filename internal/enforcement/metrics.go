package enforcement

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricCyclesTotal        = "retention_enforcement_cycles_total"
	MetricCycleDuration      = "retention_enforcement_cycle_duration_seconds"
	MetricLastCycleTimestamp = "retention_enforcement_last_cycle_timestamp"
	MetricPurgedTotal        = "retention_purged_total"
	MetricSkippedTotal       = "retention_purge_skipped_total"
	MetricFailuresTotal      = "retention_enforcement_failures_total"
	MetricHoldsExpiredTotal  = "legal_holds_expired_total"
)

// Metrics contains Prometheus metrics for retention enforcement.
// All operations are thread-safe.
type Metrics struct {
	cyclesTotal        *prometheus.CounterVec
	cycleDuration      prometheus.Histogram
	lastCycleTimestamp prometheus.Gauge
	purgedTotal        *prometheus.CounterVec
	skippedTotal       *prometheus.CounterVec
	failuresTotal      *prometheus.CounterVec
	holdsExpiredTotal  prometheus.Counter
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		cyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricCyclesTotal,
				Help: "Total number of retention enforcement cycles by outcome",
			},
			[]string{"outcome"},
		),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricCycleDuration,
			Help:    "Histogram of retention enforcement cycle duration in seconds",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		}),
		lastCycleTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricLastCycleTimestamp,
			Help: "Unix timestamp of the last completed retention enforcement cycle",
		}),
		purgedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricPurgedTotal,
				Help: "Total number of entities purged by retention enforcement",
			},
			[]string{"entity_type"},
		),
		skippedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricSkippedTotal,
				Help: "Total number of purge candidates skipped by reason",
			},
			[]string{"reason"},
		),
		failuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricFailuresTotal,
				Help: "Total number of retention enforcement failures by stage",
			},
			[]string{"stage"},
		),
		holdsExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricHoldsExpiredTotal,
			Help: "Total number of legal holds expired by the enforcement cycle",
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

// IncCycles increments the cycle counter for outcome.
func (m *Metrics) IncCycles(outcome string) {
	m.cyclesTotal.WithLabelValues(outcome).Inc()
}

// ObserveCycleDuration records a cycle duration sample.
func (m *Metrics) ObserveCycleDuration(seconds float64) {
	m.cycleDuration.Observe(seconds)
}

// SetLastCycleTimestamp sets the last cycle timestamp gauge.
func (m *Metrics) SetLastCycleTimestamp(timestamp float64) {
	m.lastCycleTimestamp.Set(timestamp)
}

// IncPurged increments the purged counter for entityType.
func (m *Metrics) IncPurged(entityType string) {
	m.purgedTotal.WithLabelValues(entityType).Inc()
}

// IncSkipped increments the skipped counter for reason.
func (m *Metrics) IncSkipped(reason SkipReason) {
	m.skippedTotal.WithLabelValues(string(reason)).Inc()
}

// IncFailures increments the failure counter for stage.
func (m *Metrics) IncFailures(stage string) {
	m.failuresTotal.WithLabelValues(stage).Inc()
}

// AddHoldsExpired adds n to the expired holds counter.
func (m *Metrics) AddHoldsExpired(n int) {
	m.holdsExpiredTotal.Add(float64(n))
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.cyclesTotal,
		m.cycleDuration,
		m.lastCycleTimestamp,
		m.purgedTotal,
		m.skippedTotal,
		m.failuresTotal,
		m.holdsExpiredTotal,
	}
}
