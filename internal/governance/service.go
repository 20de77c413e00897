// Package governance is the administrative entry point for legal holds,
// retention policies and ledger access. It authorizes the caller, runs the
// domain operation and appends the events the operation returns to the
// ledger scope they belong to.
package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/northstar-lms/custodian/internal/archive"
	"github.com/northstar-lms/custodian/internal/audit"
	"github.com/northstar-lms/custodian/internal/auth"
	"github.com/northstar-lms/custodian/internal/legalhold"
	"github.com/northstar-lms/custodian/internal/retention"
	"github.com/northstar-lms/custodian/internal/tracing"
)

// ErrArchiveDisabled is returned by ArchiveSegment when no archiver is configured.
var ErrArchiveDisabled = errors.New("segment archive is not configured")

// UnrecordedEventsError is returned when a domain change committed but some
// of its ledger events could not be appended. Events keep their IDs, so
// passing them to RecordEvents again reconciles rather than duplicates.
type UnrecordedEventsError struct {
	Events []audit.ScopedEntry
	Err    error
}

func (e *UnrecordedEventsError) Error() string {
	return fmt.Sprintf("%d ledger events not recorded: %v", len(e.Events), e.Err)
}

func (e *UnrecordedEventsError) Unwrap() error { return e.Err }

// Ledger is the audit ledger surface the service uses.
type Ledger interface {
	Append(ctx context.Context, scope string, entry audit.Entry) (*audit.Record, error)
	ValidateChain(ctx context.Context, scope string, from, to int64) (*audit.ValidationResult, error)
	ExportSegment(ctx context.Context, scope string, from, to int64) (*audit.Segment, error)
	QueryByEntity(ctx context.Context, entityType, entityID string, limit int) ([]*audit.Record, error)
}

// Holds is the legal hold registry surface the service uses.
type Holds interface {
	Place(ctx context.Context, req legalhold.PlaceRequest) (*legalhold.PlaceResult, error)
	Release(ctx context.Context, holdID, reason, releasedBy string) (*legalhold.ChangeResult, error)
	Renew(ctx context.Context, holdID string, newExpiry time.Time, renewedBy string) (*legalhold.ChangeResult, error)
	Get(ctx context.Context, holdID string) (*legalhold.Hold, error)
	ListForEntity(ctx context.Context, entityType, entityID string) ([]*legalhold.Hold, error)
}

// Policies is the retention policy surface the service uses.
type Policies interface {
	CreatePolicy(ctx context.Context, req retention.CreatePolicyRequest) (*retention.PolicyChange, error)
	Resolve(ctx context.Context, entityType string, attrs retention.EntityAttributes) (*retention.EffectivePolicy, error)
}

// PolicySet joins a policy manager and resolver into Policies.
type PolicySet struct {
	*retention.Manager
	*retention.Resolver
}

// Archiver uploads exported segments.
type Archiver interface {
	Archive(ctx context.Context, seg *audit.Segment) (*archive.Result, error)
}

// Config configures a Service.
type Config struct {
	Logger *slog.Logger
	// Archiver is optional; without it ArchiveSegment returns ErrArchiveDisabled.
	Archiver Archiver
}

// Service runs authorized administrative operations.
type Service struct {
	ledger   Ledger
	holds    Holds
	policies Policies
	archiver Archiver
	logger   *slog.Logger
}

// NewService creates a Service.
func NewService(ledger Ledger, holds Holds, policies Policies, config Config) *Service {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Service{
		ledger:   ledger,
		holds:    holds,
		policies: policies,
		archiver: config.Archiver,
		logger:   config.Logger,
	}
}

// PlaceHold places a legal hold on behalf of id.
func (s *Service) PlaceHold(ctx context.Context, id auth.Identity, req legalhold.PlaceRequest) (res *legalhold.PlaceResult, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "governance.PlaceHold")
	defer func() { endSpan(err) }()

	if err := id.Authorize(auth.TenantScope(req.TenantID), auth.HoldRoles...); err != nil {
		return nil, err
	}
	req.AuthorizedBy = id.ActingIdentity()

	res, err = s.holds.Place(ctx, req)
	if err != nil {
		return nil, err
	}
	s.logger.Info("legal hold placed",
		slog.String("outcome", string(res.Outcome)),
		slog.String("hold_id", res.Hold.ID),
		slog.String("entity_type", res.Hold.EntityType),
		slog.String("entity_id", res.Hold.EntityID),
		slog.String("actor", req.AuthorizedBy))
	return res, s.RecordEvents(ctx, res.Events)
}

// ReleaseHold releases a legal hold on behalf of id.
func (s *Service) ReleaseHold(ctx context.Context, id auth.Identity, holdID, reason string) (res *legalhold.ChangeResult, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "governance.ReleaseHold")
	defer func() { endSpan(err) }()

	if err := s.authorizeHold(ctx, id, holdID); err != nil {
		return nil, err
	}
	res, err = s.holds.Release(ctx, holdID, reason, id.ActingIdentity())
	if err != nil {
		return nil, err
	}
	s.logger.Info("legal hold released",
		slog.String("hold_id", holdID),
		slog.String("actor", id.ActingIdentity()))
	return res, s.RecordEvents(ctx, res.Events)
}

// RenewHold moves a legal hold's review date on behalf of id.
func (s *Service) RenewHold(ctx context.Context, id auth.Identity, holdID string, newExpiry time.Time) (res *legalhold.ChangeResult, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "governance.RenewHold")
	defer func() { endSpan(err) }()

	if err := s.authorizeHold(ctx, id, holdID); err != nil {
		return nil, err
	}
	res, err = s.holds.Renew(ctx, holdID, newExpiry, id.ActingIdentity())
	if err != nil {
		return nil, err
	}
	return res, s.RecordEvents(ctx, res.Events)
}

// GetHold returns a hold visible to id.
func (s *Service) GetHold(ctx context.Context, id auth.Identity, holdID string) (*legalhold.Hold, error) {
	h, err := s.holds.Get(ctx, holdID)
	if err != nil {
		return nil, err
	}
	if err := id.Authorize(auth.TenantScope(h.TenantID), auth.HoldRoles...); err != nil {
		return nil, err
	}
	return h, nil
}

// ListHolds returns an entity's hold history. tenantID is the entity's tenant.
func (s *Service) ListHolds(ctx context.Context, id auth.Identity, tenantID, entityType, entityID string) ([]*legalhold.Hold, error) {
	if err := id.Authorize(auth.TenantScope(tenantID), auth.HoldRoles...); err != nil {
		return nil, err
	}
	holds, err := s.holds.ListForEntity(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}
	visible := holds[:0]
	for _, h := range holds {
		if id.Scope.Encompasses(auth.TenantScope(h.TenantID)) {
			visible = append(visible, h)
		}
	}
	return visible, nil
}

func (s *Service) authorizeHold(ctx context.Context, id auth.Identity, holdID string) error {
	if !id.HasRole(auth.HoldRoles...) {
		return fmt.Errorf("%w: role %q may not manage legal holds", auth.ErrForbidden, id.Role)
	}
	h, err := s.holds.Get(ctx, holdID)
	if err != nil {
		return err
	}
	return id.Authorize(auth.TenantScope(h.TenantID), auth.HoldRoles...)
}

// CreatePolicy creates a retention policy on behalf of id.
func (s *Service) CreatePolicy(ctx context.Context, id auth.Identity, req retention.CreatePolicyRequest) (change *retention.PolicyChange, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "governance.CreatePolicy")
	defer func() { endSpan(err) }()

	tenant := req.TenantID
	if tenant == "" {
		tenant = req.Scope.TenantID
	}
	if err := id.Authorize(auth.TenantScope(tenant), auth.PolicyRoles...); err != nil {
		return nil, err
	}
	req.CreatedBy = id.ActingIdentity()

	change, err = s.policies.CreatePolicy(ctx, req)
	if err != nil {
		return nil, err
	}
	return change, s.RecordEvents(ctx, change.Events)
}

// ResolvePolicy returns the effective policy for an entity.
func (s *Service) ResolvePolicy(ctx context.Context, id auth.Identity, entityType string, attrs retention.EntityAttributes) (*retention.EffectivePolicy, error) {
	if err := id.Authorize(auth.TenantScope(attrs.TenantID), auth.PolicyRoles...); err != nil {
		return nil, err
	}
	return s.policies.Resolve(ctx, entityType, attrs)
}

// RecordEvent appends an ad hoc event from another subsystem. The scope is
// the tenant id or audit.ScopePlatform.
func (s *Service) RecordEvent(ctx context.Context, scope string, entry audit.Entry) (*audit.Record, error) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	return s.ledger.Append(ctx, scope, entry)
}

// RecordLedgerEvent appends an event submitted over the API. The entry ID is
// required so a retried submission reconciles with the first. An empty acting
// identity defaults to the caller's.
func (s *Service) RecordLedgerEvent(ctx context.Context, id auth.Identity, scope string, entry audit.Entry) (*audit.Record, error) {
	if err := id.Authorize(ledgerTarget(scope), auth.LedgerWriteRoles...); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(entry.ID); err != nil {
		return nil, fmt.Errorf("%w: id must be a UUID", audit.ErrInvalidEntry)
	}
	if entry.ActingIdentity == "" {
		entry.ActingIdentity = id.ActingIdentity()
	}
	rec, err := s.RecordEvent(ctx, scope, entry)
	if err != nil {
		return nil, err
	}
	s.logger.Info("ledger event recorded",
		slog.String("scope", scope),
		slog.String("event_type", rec.EventType),
		slog.String("record_id", rec.ID),
		slog.String("actor", id.ActingIdentity()))
	return rec, nil
}

// RecordEvents appends events in order. Appending stops at the first failure
// and the unappended remainder is returned in an *UnrecordedEventsError.
func (s *Service) RecordEvents(ctx context.Context, events []audit.ScopedEntry) error {
	for i, ev := range events {
		if _, err := s.ledger.Append(ctx, ev.Scope, ev.Entry); err != nil {
			s.logger.Error("failed to record ledger event",
				slog.String("scope", ev.Scope),
				slog.String("event_type", ev.Entry.EventType),
				slog.String("event_id", ev.Entry.ID),
				slog.String("error", err.Error()))
			return &UnrecordedEventsError{Events: events[i:], Err: err}
		}
	}
	return nil
}

// ledgerTarget is the authorization scope of a ledger scope.
func ledgerTarget(scope string) auth.Scope {
	if scope == audit.ScopePlatform {
		return auth.PlatformScope()
	}
	return auth.DistrictScope(scope)
}

// VerifyLedger validates a range of a ledger scope.
func (s *Service) VerifyLedger(ctx context.Context, id auth.Identity, scope string, from, to int64) (*audit.ValidationResult, error) {
	if err := id.Authorize(ledgerTarget(scope), auth.LedgerReadRoles...); err != nil {
		return nil, err
	}
	res, err := s.ledger.ValidateChain(ctx, scope, from, to)
	if err != nil {
		return nil, err
	}
	if !res.Valid {
		s.logger.Error("ledger integrity violations found on demand",
			slog.String("scope", scope),
			slog.Int("violations", len(res.Violations)),
			slog.String("actor", id.ActingIdentity()))
	}
	return res, nil
}

// ExportLedger exports a range of a ledger scope.
func (s *Service) ExportLedger(ctx context.Context, id auth.Identity, scope string, from, to int64) (*audit.Segment, error) {
	if err := id.Authorize(ledgerTarget(scope), auth.LedgerReadRoles...); err != nil {
		return nil, err
	}
	return s.ledger.ExportSegment(ctx, scope, from, to)
}

// EntityHistory returns the newest ledger records about an entity that id
// may see.
func (s *Service) EntityHistory(ctx context.Context, id auth.Identity, entityType, entityID string, limit int) ([]*audit.Record, error) {
	if !id.HasRole(auth.LedgerReadRoles...) {
		return nil, fmt.Errorf("%w: role %q may not read the ledger", auth.ErrForbidden, id.Role)
	}
	records, err := s.ledger.QueryByEntity(ctx, entityType, entityID, limit)
	if err != nil {
		return nil, err
	}
	visible := records[:0]
	for _, r := range records {
		if id.Scope.Encompasses(ledgerTarget(r.Scope)) {
			visible = append(visible, r)
		}
	}
	return visible, nil
}

// ArchiveSegment exports a range, uploads it and records the archive in the
// same scope.
func (s *Service) ArchiveSegment(ctx context.Context, id auth.Identity, scope string, from, to int64) (res *archive.Result, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "governance.ArchiveSegment")
	defer func() { endSpan(err) }()

	if s.archiver == nil {
		return nil, ErrArchiveDisabled
	}
	seg, err := s.ExportLedger(ctx, id, scope, from, to)
	if err != nil {
		return nil, err
	}
	res, err = s.archiver.Archive(ctx, seg)
	if err != nil {
		return nil, err
	}
	s.logger.Info("ledger segment archived",
		slog.String("scope", scope),
		slog.Int64("from", res.From),
		slog.Int64("to", res.To),
		slog.String("key", res.Key))
	return res, s.RecordEvents(ctx, []audit.ScopedEntry{archive.ArchivedEvent(res, id.ActingIdentity(), "")})
}
