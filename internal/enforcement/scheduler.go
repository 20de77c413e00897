// Package enforcement runs the periodic retention enforcement cycle: it
// expires lapsed legal holds, finds entities past their retention, and for
// each one that is neither held nor excepted records the deletion in the
// audit ledger before asking the entity store to delete it.
package enforcement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/northstar-lms/custodian/internal/audit"
	"github.com/northstar-lms/custodian/internal/jobs"
	"github.com/northstar-lms/custodian/internal/legalhold"
	"github.com/northstar-lms/custodian/internal/retention"
	"github.com/northstar-lms/custodian/internal/tracing"
)

// Defaults for Config.
const (
	DefaultInterval          = 24 * time.Hour
	DefaultTimeout           = 6 * time.Hour
	DefaultDeleteTimeout     = 2 * time.Minute
	DefaultReviewLeadTime    = 14 * 24 * time.Hour
	DefaultExpiryAuditWindow = 7 * 24 * time.Hour
	DefaultActingIdentity    = "system:retention-enforcement"
)

// Failure stages used in logs and metrics.
const (
	StageLease       = "lease"
	StageExpireHolds = "expire_holds"
	StageTargets     = "targets"
	StageCandidates  = "candidates"
	StageResolve     = "resolve"
	StageHoldCheck   = "hold_check"
	StageAudit       = "audit"
	StageDelete      = "delete"
	StagePanic       = "panic"
)

// SkipReason explains why an eligible-looking candidate was not purged.
type SkipReason string

const (
	// SkipNotEligible means the entity's own effective policy has not lapsed.
	SkipNotEligible SkipReason = "not_eligible"
	// SkipException means an indefinite entity exception applies.
	SkipException SkipReason = "exception"
	// SkipHeld means the entity is under an active legal hold.
	SkipHeld SkipReason = "held"
)

// EntityRef identifies a purge candidate.
type EntityRef struct {
	EntityType        string
	EntityID          string
	TenantID          string
	Classes           []string
	TerminalEventDate time.Time
}

// Attributes returns the facts retention scopes match against.
func (e EntityRef) Attributes() retention.EntityAttributes {
	return retention.EntityAttributes{EntityID: e.EntityID, TenantID: e.TenantID, Classes: e.Classes}
}

// EntityStore is the system that owns the entities being purged.
type EntityStore interface {
	// FindCandidatesForPurge returns entities of entityType whose terminal
	// event date is at or before cutoff.
	FindCandidatesForPurge(ctx context.Context, entityType string, cutoff time.Time) ([]EntityRef, error)
	// Delete removes an entity.
	Delete(ctx context.Context, entityType, entityID string) error
}

// Ledger appends audit records.
type Ledger interface {
	Append(ctx context.Context, scope string, entry audit.Entry) (*audit.Record, error)
}

// PolicySource supplies enforcement targets and per-entity policies.
type PolicySource interface {
	TargetsAt(ctx context.Context, now time.Time) ([]retention.Target, error)
	ResolveAt(ctx context.Context, entityType string, attrs retention.EntityAttributes, now time.Time) (*retention.EffectivePolicy, error)
	HasActiveExceptionAt(ctx context.Context, entityType string, attrs retention.EntityAttributes, now time.Time) (bool, error)
}

// HoldRegistry answers hold questions and sweeps lapsed holds.
type HoldRegistry interface {
	IsActivelyHeld(ctx context.Context, entityType, entityID string) (bool, error)
	ExpireDue(ctx context.Context, now time.Time) ([]*legalhold.Hold, error)
	DueForReview(ctx context.Context, now time.Time, leadTime time.Duration) ([]*legalhold.Hold, error)
	ExpiredSince(ctx context.Context, now time.Time, lookback time.Duration) ([]*legalhold.Hold, error)
}

// Config configures the Scheduler.
type Config struct {
	// Interval is the duration between cycles.
	Interval time.Duration
	// Timeout bounds one cycle. Deletions already audited still complete.
	Timeout time.Duration
	// DeleteTimeout bounds a single entity deletion.
	DeleteTimeout time.Duration
	// ReviewLeadTime is how far ahead hold review reminders are logged.
	ReviewLeadTime time.Duration
	// ExpiryAuditWindow is how far back expired holds are re-audited. A hold
	// whose expiry record failed to append is recorded by a later cycle
	// within the window.
	ExpiryAuditWindow time.Duration
	// ActingIdentity is recorded on the audit records the cycle writes.
	ActingIdentity string
	// Logger for scheduler activity.
	Logger *slog.Logger
	// Metrics for enforcement tracking (optional).
	Metrics *Metrics
	// JobMetrics for centralized background job tracking (optional).
	JobMetrics jobs.Reporter
	// Clock returns the cycle's "now". Defaults to time.Now.
	Clock func() time.Time
	// Tick triggers cycles. Defaults to a ticker on Interval.
	Tick <-chan time.Time
	// Lease, when set, must be acquired before a cycle runs.
	Lease Lease
	// LeaseTTL defaults to Interval.
	LeaseTTL time.Duration
}

// CycleReport summarizes one enforcement cycle.
type CycleReport struct {
	CycleID           string
	StartedAt         time.Time
	Duration          time.Duration
	LeaseDenied       bool
	Cancelled         bool
	HoldsExpired      int
	HoldsDueForReview int
	Targets           int
	Candidates        int
	Purged            int
	Skipped           map[SkipReason]int
	Failures          int
	FailedTargets     []string
}

// Scheduler runs retention enforcement cycles.
type Scheduler struct {
	config   Config
	policies PolicySource
	holds    HoldRegistry
	ledger   Ledger
	entities EntityStore

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewScheduler creates a new retention enforcement scheduler.
func NewScheduler(config Config, policies PolicySource, holds HoldRegistry, ledger Ledger, entities EntityStore) *Scheduler {
	if config.Interval == 0 {
		config.Interval = DefaultInterval
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.DeleteTimeout == 0 {
		config.DeleteTimeout = DefaultDeleteTimeout
	}
	if config.ReviewLeadTime == 0 {
		config.ReviewLeadTime = DefaultReviewLeadTime
	}
	if config.ExpiryAuditWindow == 0 {
		config.ExpiryAuditWindow = DefaultExpiryAuditWindow
	}
	if config.ActingIdentity == "" {
		config.ActingIdentity = DefaultActingIdentity
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.LeaseTTL == 0 {
		config.LeaseTTL = config.Interval
	}

	return &Scheduler{
		config:   config,
		policies: policies,
		holds:    holds,
		ledger:   ledger,
		entities: entities,
	}
}

// Start begins the periodic enforcement loop.
// Returns immediately; cycles run in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
	return nil
}

// Stop signals the loop to stop and waits for the current cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.mu.Unlock()

	close(stopCh)
	<-doneCh

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// IsRunning returns whether the loop is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	tick := s.config.Tick
	if tick == nil {
		ticker := time.NewTicker(s.config.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	// Stop cancels an in-flight cycle between candidates.
	cycleCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-cycleCtx.Done():
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.config.Logger.Info("retention enforcement stopping due to context cancellation")
			return
		case <-s.stopCh:
			s.config.Logger.Info("retention enforcement stopping due to stop signal")
			return
		case _, ok := <-tick:
			if !ok {
				s.config.Logger.Info("retention enforcement stopping: tick channel closed")
				return
			}
			s.RunNow(cycleCtx)
		}
	}
}

// RunNow runs one cycle synchronously. Failures are logged, counted and
// reported; they never propagate to the caller.
func (s *Scheduler) RunNow(parentCtx context.Context) *CycleReport {
	now := s.config.Clock().UTC()
	report := &CycleReport{
		CycleID:   uuid.New().String(),
		StartedAt: now,
		Skipped:   make(map[SkipReason]int),
	}
	logger := s.config.Logger.With("cycle_id", report.CycleID)

	ctx, cancel := context.WithTimeout(parentCtx, s.config.Timeout)
	defer cancel()

	var cycleErr error
	ctx, endSpan := tracing.StartJobSpan(ctx, jobs.JobTypeRetentionEnforcement)
	defer func() { endSpan(cycleErr) }()

	start := time.Now()

	if s.config.Lease != nil {
		ok, err := s.config.Lease.TryAcquire(ctx, s.config.LeaseTTL)
		if err != nil {
			cycleErr = err
			logger.Error("retention enforcement lease unavailable, skipping cycle", "error", err)
			s.fail(report, StageLease)
			report.LeaseDenied = true
			s.finish(logger, report, start, jobs.StatusFailure)
			return report
		}
		if !ok {
			logger.Info("retention enforcement lease held by another replica, skipping cycle")
			report.LeaseDenied = true
			s.finish(logger, report, start, jobs.StatusSkipped)
			return report
		}
	}

	s.sweepHolds(ctx, logger, report, now)

	targets, err := s.policies.TargetsAt(ctx, now)
	if err != nil {
		cycleErr = err
		logger.Error("failed to load retention targets", "error", err)
		s.fail(report, StageTargets)
		s.finish(logger, report, start, jobs.StatusFailure)
		return report
	}
	report.Targets = len(targets)

	seen := make(map[string]bool)
	for _, target := range targets {
		if ctx.Err() != nil {
			report.Cancelled = true
			break
		}
		if err := s.enforceTarget(ctx, logger, report, target, now, seen); err != nil {
			logger.Error("retention target failed",
				"target", target.Name(),
				"error", err)
			s.fail(report, StageCandidates)
			report.FailedTargets = append(report.FailedTargets, target.Name())
		}
	}

	status := jobs.StatusSuccess
	if report.Failures > 0 || report.Cancelled {
		status = jobs.StatusFailure
	}
	if report.Cancelled {
		logger.Warn("retention enforcement cycle cancelled", "error", ctx.Err())
	}
	s.finish(logger, report, start, status)
	return report
}

// sweepHolds expires lapsed holds, audits them and logs review reminders.
// Holds expired by earlier cycles within the audit window are audited again;
// their entry IDs are fixed per hold so records already written reconcile.
func (s *Scheduler) sweepHolds(ctx context.Context, logger *slog.Logger, report *CycleReport, now time.Time) {
	expired, err := s.holds.ExpireDue(ctx, now)
	if err != nil {
		logger.Error("failed to expire legal holds", "error", err)
		s.fail(report, StageExpireHolds)
	}
	report.HoldsExpired = len(expired)
	if s.config.Metrics != nil && len(expired) > 0 {
		s.config.Metrics.AddHoldsExpired(len(expired))
	}

	recent, err := s.holds.ExpiredSince(ctx, now, s.config.ExpiryAuditWindow)
	if err != nil {
		logger.Error("failed to list recently expired legal holds", "error", err)
		s.fail(report, StageExpireHolds)
	}
	for _, ev := range legalhold.ExpiredEvents(append(expired, recent...), s.config.ActingIdentity, report.CycleID) {
		if _, err := s.ledger.Append(ctx, ev.Scope, ev.Entry); err != nil {
			logger.Error("failed to audit expired legal hold",
				"hold_id", ev.Entry.Changes["hold_id"],
				"error", err)
			s.fail(report, StageAudit)
		}
	}

	due, err := s.holds.DueForReview(ctx, now, s.config.ReviewLeadTime)
	if err != nil {
		logger.Error("failed to list legal holds due for review", "error", err)
		return
	}
	report.HoldsDueForReview = len(due)
	for _, h := range due {
		logger.Info("legal hold due for review",
			"hold_id", h.ID,
			"entity_type", h.EntityType,
			"entity_id", h.EntityID,
			"case_reference", h.CaseReference,
			"expires_at", h.ExpiresAt)
	}
}

func (s *Scheduler) enforceTarget(ctx context.Context, logger *slog.Logger, report *CycleReport, target retention.Target, now time.Time, seen map[string]bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while enforcing %s: %v", target.Name(), r)
		}
	}()

	cutoff := target.Retention.Cutoff(now)
	candidates, err := s.entities.FindCandidatesForPurge(ctx, target.EntityType, cutoff)
	if err != nil {
		return fmt.Errorf("failed to find purge candidates: %w", err)
	}
	logger.Debug("retention target scanned",
		"target", target.Name(),
		"cutoff", cutoff,
		"candidates", len(candidates))

	for _, c := range candidates {
		if ctx.Err() != nil {
			report.Cancelled = true
			return nil
		}
		if c.EntityType == "" {
			c.EntityType = target.EntityType
		}
		key := c.EntityType + "/" + c.EntityID
		if seen[key] {
			continue
		}
		seen[key] = true
		report.Candidates++

		skip, err := s.processCandidate(ctx, logger, c, target, now, report.CycleID)
		switch {
		case err != nil:
			var se *stageError
			stage := StageDelete
			if errors.As(err, &se) {
				stage = se.stage
			}
			logger.Error("retention purge failed",
				"entity_type", c.EntityType,
				"entity_id", c.EntityID,
				"stage", stage,
				"error", err)
			s.fail(report, stage)
		case skip != "":
			report.Skipped[skip]++
			if skip == SkipHeld {
				tracing.AddEvent(ctx, "purge_blocked_by_hold",
					attribute.String("entity.type", c.EntityType),
					attribute.String("entity.id", c.EntityID))
			}
			if s.config.Metrics != nil {
				s.config.Metrics.IncSkipped(skip)
			}
		default:
			report.Purged++
			if s.config.Metrics != nil {
				s.config.Metrics.IncPurged(c.EntityType)
			}
		}
	}
	return nil
}

type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

// processCandidate checks for an exception, re-resolves the candidate's own
// policy, checks holds, then audits and deletes. An empty skip reason with a
// nil error means purged.
func (s *Scheduler) processCandidate(ctx context.Context, logger *slog.Logger, c EntityRef, target retention.Target, now time.Time, cycleID string) (skip SkipReason, err error) {
	defer func() {
		if r := recover(); r != nil {
			skip, err = "", &stageError{stage: StagePanic, err: fmt.Errorf("panic: %v", r)}
		}
	}()

	excepted, err := s.policies.HasActiveExceptionAt(ctx, c.EntityType, c.Attributes(), now)
	if err != nil {
		return "", &stageError{stage: StageResolve, err: err}
	}
	if excepted {
		return SkipException, nil
	}

	effective, err := s.policies.ResolveAt(ctx, c.EntityType, c.Attributes(), now)
	if err != nil {
		return "", &stageError{stage: StageResolve, err: err}
	}
	if !effective.Retention.Expired(c.TerminalEventDate, now) {
		return SkipNotEligible, nil
	}

	held, err := s.holds.IsActivelyHeld(ctx, c.EntityType, c.EntityID)
	if err != nil {
		return "", &stageError{stage: StageHoldCheck, err: err}
	}
	if held {
		return SkipHeld, nil
	}

	scope := ledgerScope(c.TenantID)
	entry := s.deletionEntry(c, effective, target, cycleID)
	if err := s.appendReconciled(ctx, scope, entry); err != nil {
		return "", &stageError{stage: StageAudit, err: err}
	}

	// The deletion is on record; finish it even if the cycle is being cancelled.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.DeleteTimeout)
	defer cancel()
	if err := s.deleteEntity(dctx, c); err != nil {
		s.auditFailedDeletion(dctx, logger, scope, c, entry, err)
		return "", &stageError{stage: StageDelete, err: err}
	}

	logger.Info("entity purged",
		"entity_type", c.EntityType,
		"entity_id", c.EntityID,
		"audit_record_id", entry.ID)
	return "", nil
}

// deleteEntity converts a panicking entity store into a delete failure so the
// audited deletion still gets its failure record.
func (s *Scheduler) deleteEntity(ctx context.Context, c EntityRef) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during delete: %v", r)
		}
	}()
	return s.entities.Delete(ctx, c.EntityType, c.EntityID)
}

// appendReconciled appends entry, retrying once with the same ID when the
// outcome is unknown so a record that did land is found rather than duplicated.
func (s *Scheduler) appendReconciled(ctx context.Context, scope string, entry audit.Entry) error {
	_, err := s.ledger.Append(ctx, scope, entry)
	if errors.Is(err, audit.ErrOutcomeUnknown) && ctx.Err() == nil {
		_, err = s.ledger.Append(ctx, scope, entry)
	}
	return err
}

func (s *Scheduler) deletionEntry(c EntityRef, effective *retention.EffectivePolicy, target retention.Target, cycleID string) audit.Entry {
	policyID := "system-default"
	if effective.Policy != nil {
		policyID = effective.Policy.ID
	}
	return audit.Entry{
		ID:             uuid.New().String(),
		EventType:      audit.EventRetentionDeletion,
		EntityType:     c.EntityType,
		EntityID:       c.EntityID,
		ActingIdentity: s.config.ActingIdentity,
		Changes: map[string]string{
			"policy_id":           policyID,
			"retention":           effective.Retention.String(),
			"terminal_event_date": c.TerminalEventDate.UTC().Format(time.RFC3339),
			"target":              target.Name(),
		},
		CorrelationID: cycleID,
	}
}

// auditFailedDeletion records that an audited deletion did not happen so the
// ledger never carries an unreconciled deletion claim.
func (s *Scheduler) auditFailedDeletion(ctx context.Context, logger *slog.Logger, scope string, c EntityRef, deletion audit.Entry, cause error) {
	entry := audit.Entry{
		ID:             uuid.New().String(),
		EventType:      audit.EventRetentionDeletionFailed,
		EntityType:     c.EntityType,
		EntityID:       c.EntityID,
		ActingIdentity: s.config.ActingIdentity,
		Changes: map[string]string{
			"deletion_record_id": deletion.ID,
			"error":              cause.Error(),
		},
		CorrelationID: deletion.CorrelationID,
	}
	if err := s.appendReconciled(ctx, scope, entry); err != nil {
		logger.Error("failed to audit failed deletion",
			"entity_type", c.EntityType,
			"entity_id", c.EntityID,
			"deletion_record_id", deletion.ID,
			"error", err)
	}
}

func (s *Scheduler) fail(report *CycleReport, stage string) {
	report.Failures++
	if s.config.Metrics != nil {
		s.config.Metrics.IncFailures(stage)
	}
	if s.config.JobMetrics != nil {
		s.config.JobMetrics.IncJobErrors(jobs.JobTypeRetentionEnforcement, stage)
	}
}

func (s *Scheduler) finish(logger *slog.Logger, report *CycleReport, start time.Time, status string) {
	report.Duration = time.Since(start)
	duration := report.Duration.Seconds()

	if s.config.Metrics != nil {
		s.config.Metrics.IncCycles(status)
		s.config.Metrics.ObserveCycleDuration(duration)
		if status != jobs.StatusSkipped {
			s.config.Metrics.SetLastCycleTimestamp(float64(time.Now().Unix()))
		}
	}
	if s.config.JobMetrics != nil {
		s.config.JobMetrics.IncJobsTotal(jobs.JobTypeRetentionEnforcement, status)
		s.config.JobMetrics.ObserveJobDuration(jobs.JobTypeRetentionEnforcement, duration)
	}

	skipped := 0
	for _, n := range report.Skipped {
		skipped += n
	}
	logger.Info("retention enforcement completed",
		"status", status,
		"duration_seconds", duration,
		"targets", report.Targets,
		"candidates", report.Candidates,
		"purged", report.Purged,
		"skipped", skipped,
		"failures", report.Failures,
		"holds_expired", report.HoldsExpired)
}

func ledgerScope(tenantID string) string {
	if tenantID == "" {
		return audit.ScopePlatform
	}
	return tenantID
}
