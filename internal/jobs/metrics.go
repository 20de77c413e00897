// Package jobs holds the metrics shared by custodian's background jobs.
package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricRunsTotal       = "custodian_job_runs_total"
	MetricRunDuration     = "custodian_job_run_duration_seconds"
	MetricErrorsTotal     = "custodian_job_errors_total"
	MetricLastSuccessTime = "custodian_job_last_success_timestamp_seconds"
)

// Job types.
const (
	JobTypeRetentionEnforcement = "retention_enforcement"
	JobTypeLedgerVerification   = "ledger_verification"
)

// Run outcomes.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	// StatusSkipped is a run that did no work because another replica held
	// the enforcement lease.
	StatusSkipped = "skipped"
)

// Reporter receives the outcome of each job run. *Metrics implements it.
type Reporter interface {
	IncJobsTotal(jobType, status string)
	ObserveJobDuration(jobType string, seconds float64)
	IncJobErrors(jobType, errorType string)
}

var _ Reporter = (*Metrics)(nil)

// Metrics is safe for concurrent use. A nil *Metrics records nothing.
type Metrics struct {
	runs        *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	errors      *prometheus.CounterVec
	lastSuccess *prometheus.GaugeVec
}

// NewMetrics creates unregistered collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricRunsTotal,
			Help: "Background job runs by job type and outcome",
		}, []string{"job_type", "status"}),
		// An enforcement pass over a large tenant can take many minutes.
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricRunDuration,
			Help:    "Background job run duration in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 60, 300, 900, 1800, 3600},
		}, []string{"job_type"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricErrorsTotal,
			Help: "Background job errors by job type and failing stage",
		}, []string{"job_type", "error_type"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: MetricLastSuccessTime,
			Help: "Unix time of the last successful run by job type",
		}, []string{"job_type"}),
	}
}

// Register registers every collector with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncJobsTotal counts a finished run. A successful run also moves the
// last-success timestamp of jobType to now.
func (m *Metrics) IncJobsTotal(jobType, status string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(jobType, status).Inc()
	if status == StatusSuccess {
		m.lastSuccess.WithLabelValues(jobType).SetToCurrentTime()
	}
}

func (m *Metrics) ObserveJobDuration(jobType string, seconds float64) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(jobType).Observe(seconds)
}

// IncJobErrors counts an error. errorType names the failing stage, e.g.
// "list_scopes", "timeout" or "candidate_panic".
func (m *Metrics) IncJobErrors(jobType, errorType string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(jobType, errorType).Inc()
}

func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.runs, m.duration, m.errors, m.lastSuccess}
}
