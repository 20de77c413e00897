package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/northstar-lms/custodian/internal/jobs"
	"github.com/northstar-lms/custodian/internal/tracing"
)

// DefaultVerificationInterval is the default interval between verification runs.
const DefaultVerificationInterval = 6 * time.Hour

// DefaultVerificationTimeout bounds a single verification run.
const DefaultVerificationTimeout = 30 * time.Minute

// VerificationJobConfig configures the periodic chain verification job.
type VerificationJobConfig struct {
	// Interval is the duration between verification runs.
	Interval time.Duration
	// Timeout for each run.
	Timeout time.Duration
	// Logger for job activity.
	Logger *slog.Logger
	// Metrics receives violation counts (optional).
	Metrics *Metrics
	// JobMetrics for centralized background job tracking (optional).
	JobMetrics jobs.Reporter
}

// VerificationReport summarizes one verification run.
type VerificationReport struct {
	Scopes     int
	Records    int
	Violations map[string][]Violation
	Failed     []string
	// CompletedAt is set when the run finishes.
	CompletedAt time.Time
}

// VerificationJob periodically validates every ledger scope. It only reads;
// violations are logged for follow-up and never repaired.
type VerificationJob struct {
	config VerificationJobConfig
	ledger *Ledger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	last    *VerificationReport
}

// NewVerificationJob creates a verification job for ledger.
func NewVerificationJob(config VerificationJobConfig, ledger *Ledger) *VerificationJob {
	if config.Interval == 0 {
		config.Interval = DefaultVerificationInterval
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultVerificationTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &VerificationJob{config: config, ledger: ledger}
}

// Start begins periodic verification in a background goroutine.
func (j *VerificationJob) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return nil
	}
	j.running = true
	j.stopCh = make(chan struct{})
	j.doneCh = make(chan struct{})
	j.mu.Unlock()

	go j.run(ctx)
	return nil
}

// Stop signals the job to stop and waits for it to finish.
func (j *VerificationJob) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	stopCh, doneCh := j.stopCh, j.doneCh
	j.mu.Unlock()

	close(stopCh)
	<-doneCh

	j.mu.Lock()
	j.running = false
	j.mu.Unlock()
}

// IsRunning returns whether the job is currently running.
func (j *VerificationJob) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

func (j *VerificationJob) run(ctx context.Context) {
	defer close(j.doneCh)

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.config.Logger.Info("ledger verification job stopping due to context cancellation")
			return
		case <-j.stopCh:
			j.config.Logger.Info("ledger verification job stopping due to stop signal")
			return
		case <-ticker.C:
			j.RunNow(ctx)
		}
	}
}

// RunNow validates every scope immediately and returns the report.
func (j *VerificationJob) RunNow(parentCtx context.Context) *VerificationReport {
	ctx, cancel := context.WithTimeout(parentCtx, j.config.Timeout)
	defer cancel()

	var runErr error
	ctx, endSpan := tracing.StartJobSpan(ctx, jobs.JobTypeLedgerVerification)
	defer func() { endSpan(runErr) }()

	start := time.Now()
	report := &VerificationReport{Violations: make(map[string][]Violation)}

	scopes, err := j.ledger.Scopes(ctx)
	if err != nil {
		runErr = err
		j.config.Logger.Error("ledger verification could not list scopes", "error", err)
		if j.config.JobMetrics != nil {
			j.config.JobMetrics.IncJobErrors(jobs.JobTypeLedgerVerification, "list_scopes")
		}
		j.finish(report, start, jobs.StatusFailure)
		return report
	}

	for _, scope := range scopes {
		if ctx.Err() != nil {
			j.config.Logger.Error("ledger verification timeout exceeded",
				"verified_scopes", report.Scopes,
				"total_scopes", len(scopes),
				"timeout", j.config.Timeout)
			if j.config.JobMetrics != nil {
				j.config.JobMetrics.IncJobErrors(jobs.JobTypeLedgerVerification, "timeout")
			}
			report.Failed = append(report.Failed, scope)
			continue
		}

		res, err := j.ledger.ValidateChain(ctx, scope, 0, 0)
		if err != nil {
			j.config.Logger.Error("ledger verification failed for scope",
				"scope", scope,
				"error", err)
			if j.config.JobMetrics != nil {
				j.config.JobMetrics.IncJobErrors(jobs.JobTypeLedgerVerification, "validate_error")
			}
			report.Failed = append(report.Failed, scope)
			continue
		}

		report.Scopes++
		report.Records += res.Checked
		if !res.Valid {
			report.Violations[scope] = res.Violations
			for _, v := range res.Violations {
				j.config.Logger.Error("audit chain integrity violation",
					"scope", scope,
					"kind", v.Kind,
					"sequence", v.Sequence,
					"record_id", v.RecordID,
					"detail", v.Detail)
			}
		}
	}

	status := jobs.StatusSuccess
	if len(report.Failed) > 0 || len(report.Violations) > 0 {
		status = jobs.StatusFailure
	}
	j.finish(report, start, status)
	return report
}

// LastReport returns the report of the most recent completed run, or nil.
func (j *VerificationJob) LastReport() *VerificationReport {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.last
}

func (j *VerificationJob) finish(report *VerificationReport, start time.Time, status string) {
	report.CompletedAt = time.Now().UTC()
	j.mu.Lock()
	j.last = report
	j.mu.Unlock()

	duration := time.Since(start).Seconds()
	if j.config.JobMetrics != nil {
		j.config.JobMetrics.IncJobsTotal(jobs.JobTypeLedgerVerification, status)
		j.config.JobMetrics.ObserveJobDuration(jobs.JobTypeLedgerVerification, duration)
	}
	if j.config.Metrics != nil && status == jobs.StatusSuccess {
		j.config.Metrics.SetLastVerification(float64(time.Now().Unix()))
	}

	violations := 0
	for _, vs := range report.Violations {
		violations += len(vs)
	}
	j.config.Logger.Info("ledger verification completed",
		"duration_seconds", duration,
		"scopes_verified", report.Scopes,
		"scopes_failed", len(report.Failed),
		"records_checked", report.Records,
		"violations", violations)
}
