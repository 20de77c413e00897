package legalhold

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/northstar-lms/custodian/internal/audit"
)

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Logger *slog.Logger
	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// Registry places, releases and expires legal holds.
type Registry struct {
	store  Store
	logger *slog.Logger
	clock  func() time.Time
}

// NewRegistry creates a Registry backed by store.
func NewRegistry(store Store, config RegistryConfig) *Registry {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	return &Registry{store: store, logger: config.Logger, clock: config.Clock}
}

// PlaceRequest describes a hold placement.
type PlaceRequest struct {
	EntityType    string
	EntityID      string
	TenantID      string
	CaseReference string
	Reason        string
	AuthorizedBy  string
	ExpiresAt     *time.Time
	Resolution    Resolution
	CorrelationID string
}

// PlaceResult is the outcome of Place.
type PlaceResult struct {
	Outcome Outcome
	// Hold is the Active hold on the entity after the operation.
	Hold *Hold
	// Released is the hold released by an override.
	Released *Hold
	// Events are ledger entries for the caller to append.
	Events []audit.ScopedEntry
}

// ChangeResult is the outcome of Release and Renew.
type ChangeResult struct {
	Hold   *Hold
	Events []audit.ScopedEntry
}

func (r *Registry) validatePlace(req PlaceRequest, now time.Time) error {
	switch {
	case strings.TrimSpace(req.EntityType) == "":
		return fmt.Errorf("%w: entity type is required", ErrInvalidHold)
	case strings.TrimSpace(req.EntityID) == "":
		return fmt.Errorf("%w: entity id is required", ErrInvalidHold)
	case strings.TrimSpace(req.CaseReference) == "":
		return fmt.Errorf("%w: case reference is required", ErrInvalidHold)
	case strings.TrimSpace(req.Reason) == "":
		return fmt.Errorf("%w: reason is required", ErrInvalidHold)
	case strings.TrimSpace(req.AuthorizedBy) == "":
		return fmt.Errorf("%w: authorizing identity is required", ErrInvalidHold)
	case req.ExpiresAt != nil && !req.ExpiresAt.After(now):
		return fmt.Errorf("%w: expiration must be in the future", ErrInvalidHold)
	case !req.Resolution.Valid():
		return fmt.Errorf("%w: unknown resolution %q", ErrInvalidHold, req.Resolution)
	}
	return nil
}

// Place puts an entity on hold. When the entity is already held the request's
// Resolution decides the outcome; with no resolution a *ConflictError is
// returned and nothing changes.
func (r *Registry) Place(ctx context.Context, req PlaceRequest) (*PlaceResult, error) {
	now := r.clock().UTC()
	if err := r.validatePlace(req, now); err != nil {
		return nil, err
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.New().String()
	}

	existing, err := r.store.ActiveFor(ctx, req.EntityType, req.EntityID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up active hold: %w", err)
	}

	if existing == nil {
		hold := newHold(req, now)
		if err := r.store.Create(ctx, hold); err != nil {
			if errors.Is(err, ErrHoldConflict) {
				return nil, r.conflict(ctx, req)
			}
			return nil, fmt.Errorf("failed to create hold: %w", err)
		}
		r.logger.Info("legal hold placed",
			slog.String("hold_id", hold.ID),
			slog.String("entity_type", hold.EntityType),
			slog.String("entity_id", hold.EntityID),
			slog.String("case_reference", hold.CaseReference))
		return &PlaceResult{
			Outcome: OutcomePlaced,
			Hold:    hold,
			Events:  []audit.ScopedEntry{placedEvent(hold, req.CorrelationID)},
		}, nil
	}

	switch req.Resolution {
	case ResolutionMerge:
		return r.merge(ctx, existing, req)
	case ResolutionEscalate:
		return r.escalate(ctx, existing, req)
	case ResolutionOverride:
		return r.override(ctx, existing, req, now)
	default:
		return nil, conflictFor(existing)
	}
}

func (r *Registry) conflict(ctx context.Context, req PlaceRequest) error {
	existing, err := r.store.ActiveFor(ctx, req.EntityType, req.EntityID)
	if err != nil || existing == nil {
		return &ConflictError{EntityType: req.EntityType, EntityID: req.EntityID}
	}
	return conflictFor(existing)
}

func conflictFor(h *Hold) *ConflictError {
	return &ConflictError{
		EntityType:            h.EntityType,
		EntityID:              h.EntityID,
		ExistingHoldID:        h.ID,
		ExistingCaseReference: h.CaseReference,
	}
}

func newHold(req PlaceRequest, now time.Time) *Hold {
	h := &Hold{
		ID:            uuid.New().String(),
		EntityType:    req.EntityType,
		EntityID:      req.EntityID,
		TenantID:      req.TenantID,
		CaseReference: strings.TrimSpace(req.CaseReference),
		Reason:        strings.TrimSpace(req.Reason),
		AuthorizedBy:  req.AuthorizedBy,
		HoldDate:      now,
		Status:        StatusActive,
	}
	if req.ExpiresAt != nil {
		t := req.ExpiresAt.UTC()
		h.ExpiresAt = &t
	}
	return h
}

// merge folds the new case into the existing hold. The later expiry wins and
// no expiry on either side means none.
func (r *Registry) merge(ctx context.Context, existing *Hold, req PlaceRequest) (*PlaceResult, error) {
	merged := existing.Clone()
	caseRef := strings.TrimSpace(req.CaseReference)
	if !slices.Contains(merged.CaseReferences(), caseRef) {
		merged.MergedCaseReferences = append(merged.MergedCaseReferences, caseRef)
	}
	switch {
	case req.ExpiresAt == nil:
		merged.ExpiresAt = nil
	case merged.ExpiresAt != nil && req.ExpiresAt.After(*merged.ExpiresAt):
		t := req.ExpiresAt.UTC()
		merged.ExpiresAt = &t
	}

	if err := r.store.Update(ctx, merged); err != nil {
		return nil, fmt.Errorf("failed to merge hold: %w", err)
	}
	r.logger.Info("legal hold merged",
		slog.String("hold_id", merged.ID),
		slog.String("case_reference", caseRef))

	changes := map[string]string{
		"merged_case_reference": caseRef,
		"reason":                strings.TrimSpace(req.Reason),
		"expires_at":            formatTime(merged.ExpiresAt),
	}
	return &PlaceResult{
		Outcome: OutcomeMerged,
		Hold:    merged,
		Events:  []audit.ScopedEntry{holdEvent(merged, audit.EventLegalHoldMerged, req.AuthorizedBy, req.CorrelationID, changes)},
	}, nil
}

func (r *Registry) escalate(ctx context.Context, existing *Hold, req PlaceRequest) (*PlaceResult, error) {
	flagged := existing.Clone()
	flagged.Escalated = true
	if err := r.store.Update(ctx, flagged); err != nil {
		return nil, fmt.Errorf("failed to escalate hold: %w", err)
	}
	r.logger.Warn("legal hold conflict escalated for review",
		slog.String("hold_id", flagged.ID),
		slog.String("existing_case", flagged.CaseReference),
		slog.String("requested_case", req.CaseReference))

	changes := map[string]string{
		"requested_case_reference": strings.TrimSpace(req.CaseReference),
		"requested_reason":         strings.TrimSpace(req.Reason),
		"existing_case_reference":  flagged.CaseReference,
	}
	return &PlaceResult{
		Outcome: OutcomeEscalated,
		Hold:    flagged,
		Events:  []audit.ScopedEntry{holdEvent(flagged, audit.EventLegalHoldEscalated, req.AuthorizedBy, req.CorrelationID, changes)},
	}, nil
}

func (r *Registry) override(ctx context.Context, existing *Hold, req PlaceRequest, now time.Time) (*PlaceResult, error) {
	released := existing.Clone()
	released.Status = StatusReleased
	released.ReleasedAt = &now
	released.ReleasedBy = req.AuthorizedBy
	released.ReleaseReason = "overridden by case " + strings.TrimSpace(req.CaseReference)

	hold := newHold(req, now)
	if err := r.store.Override(ctx, released, hold); err != nil {
		if errors.Is(err, ErrHoldConflict) {
			return nil, r.conflict(ctx, req)
		}
		return nil, fmt.Errorf("failed to override hold: %w", err)
	}
	r.logger.Info("legal hold overridden",
		slog.String("released_hold_id", released.ID),
		slog.String("hold_id", hold.ID))

	return &PlaceResult{
		Outcome:  OutcomeOverridden,
		Hold:     hold,
		Released: released,
		Events: []audit.ScopedEntry{
			releasedEvent(released, req.CorrelationID),
			placedEvent(hold, req.CorrelationID),
		},
	}, nil
}

// Release ends an Active hold. A reason is required.
func (r *Registry) Release(ctx context.Context, holdID, reason, releasedBy string) (*ChangeResult, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("%w: release reason is required", ErrInvalidHold)
	}
	if strings.TrimSpace(releasedBy) == "" {
		return nil, fmt.Errorf("%w: releasing identity is required", ErrInvalidHold)
	}

	h, err := r.store.Get(ctx, holdID)
	if err != nil {
		return nil, err
	}
	if !h.Active() {
		return nil, ErrHoldNotActive
	}

	now := r.clock().UTC()
	h.Status = StatusReleased
	h.ReleasedAt = &now
	h.ReleaseReason = strings.TrimSpace(reason)
	h.ReleasedBy = releasedBy
	if err := r.store.Update(ctx, h); err != nil {
		if errors.Is(err, ErrHoldNotActive) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to release hold: %w", err)
	}

	r.logger.Info("legal hold released",
		slog.String("hold_id", h.ID),
		slog.String("released_by", releasedBy))
	return &ChangeResult{Hold: h, Events: []audit.ScopedEntry{releasedEvent(h, uuid.New().String())}}, nil
}

// Renew moves an Active hold's review date to newExpiry.
func (r *Registry) Renew(ctx context.Context, holdID string, newExpiry time.Time, renewedBy string) (*ChangeResult, error) {
	now := r.clock().UTC()
	if !newExpiry.After(now) {
		return nil, fmt.Errorf("%w: expiration must be in the future", ErrInvalidHold)
	}
	if strings.TrimSpace(renewedBy) == "" {
		return nil, fmt.Errorf("%w: renewing identity is required", ErrInvalidHold)
	}

	h, err := r.store.Get(ctx, holdID)
	if err != nil {
		return nil, err
	}
	if !h.Active() {
		return nil, ErrHoldNotActive
	}

	previous := formatTime(h.ExpiresAt)
	expiry := newExpiry.UTC()
	h.ExpiresAt = &expiry
	if err := r.store.Update(ctx, h); err != nil {
		if errors.Is(err, ErrHoldNotActive) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to renew hold: %w", err)
	}

	changes := map[string]string{"previous_expires_at": previous, "expires_at": formatTime(h.ExpiresAt)}
	return &ChangeResult{
		Hold:   h,
		Events: []audit.ScopedEntry{holdEvent(h, audit.EventLegalHoldRenewed, renewedBy, uuid.New().String(), changes)},
	}, nil
}

// IsActivelyHeld reports whether the entity has an Active hold. It reads the
// store on every call. A hold past its review date counts until ExpireDue
// transitions it.
func (r *Registry) IsActivelyHeld(ctx context.Context, entityType, entityID string) (bool, error) {
	h, err := r.store.ActiveFor(ctx, entityType, entityID)
	if err != nil {
		return false, fmt.Errorf("failed to check legal hold: %w", err)
	}
	return h != nil, nil
}

// Get returns a hold by ID.
func (r *Registry) Get(ctx context.Context, holdID string) (*Hold, error) {
	return r.store.Get(ctx, holdID)
}

// ListForEntity returns the hold history of an entity, newest first.
func (r *Registry) ListForEntity(ctx context.Context, entityType, entityID string) ([]*Hold, error) {
	return r.store.ListForEntity(ctx, entityType, entityID)
}

// ExpireDue transitions Active holds whose expiry is at or before now to
// Expired and returns them. A hold released or renewed concurrently is skipped.
func (r *Registry) ExpireDue(ctx context.Context, now time.Time) ([]*Hold, error) {
	due, err := r.store.ActiveExpiringBy(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due holds: %w", err)
	}

	var expired []*Hold
	for _, h := range due {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		h.Status = StatusExpired
		if err := r.store.Update(ctx, h); err != nil {
			if errors.Is(err, ErrHoldNotActive) {
				continue
			}
			return expired, fmt.Errorf("failed to expire hold %s: %w", h.ID, err)
		}
		r.logger.Info("legal hold expired",
			slog.String("hold_id", h.ID),
			slog.String("entity_type", h.EntityType),
			slog.String("entity_id", h.EntityID))
		expired = append(expired, h)
	}
	return expired, nil
}

// DueForReview returns Active holds whose expiry falls after now and within
// leadTime.
func (r *Registry) DueForReview(ctx context.Context, now time.Time, leadTime time.Duration) ([]*Hold, error) {
	due, err := r.store.ActiveExpiringBy(ctx, now.Add(leadTime))
	if err != nil {
		return nil, fmt.Errorf("failed to list holds due for review: %w", err)
	}
	out := due[:0]
	for _, h := range due {
		if h.ExpiresAt.After(now) {
			out = append(out, h)
		}
	}
	return out, nil
}

// ExpiredSince returns Expired holds whose expiry falls within lookback of
// now, soonest first.
func (r *Registry) ExpiredSince(ctx context.Context, now time.Time, lookback time.Duration) ([]*Hold, error) {
	holds, err := r.store.ExpiredBetween(ctx, now.Add(-lookback), now)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired holds: %w", err)
	}
	return holds, nil
}

// expiryNamespace seeds the ledger entry IDs of expiry events.
var expiryNamespace = uuid.MustParse("5b0f7c52-8d3e-4d6a-9b1e-2f61c0a4e7d9")

// ExpiredEventID is the ledger entry ID recording the expiry of holdID. A
// hold expires at most once, so appending its expiry event again reconciles
// with the first record.
func ExpiredEventID(holdID string) string {
	return uuid.NewSHA1(expiryNamespace, []byte(holdID+":expired")).String()
}

// ExpiredEvents returns the ledger entries recording expired holds, one per
// distinct hold.
func ExpiredEvents(holds []*Hold, actingIdentity, correlationID string) []audit.ScopedEntry {
	events := make([]audit.ScopedEntry, 0, len(holds))
	seen := make(map[string]bool, len(holds))
	for _, h := range holds {
		if seen[h.ID] {
			continue
		}
		seen[h.ID] = true
		ev := holdEvent(h, audit.EventLegalHoldExpired, actingIdentity, correlationID, map[string]string{
			"case_reference": h.CaseReference,
			"expires_at":     formatTime(h.ExpiresAt),
		})
		ev.Entry.ID = ExpiredEventID(h.ID)
		events = append(events, ev)
	}
	return events
}

// LedgerScope is the ledger a hold's events are written to.
func (h *Hold) LedgerScope() string {
	if h.TenantID != "" {
		return h.TenantID
	}
	return audit.ScopePlatform
}

func placedEvent(h *Hold, correlationID string) audit.ScopedEntry {
	return holdEvent(h, audit.EventLegalHoldPlaced, h.AuthorizedBy, correlationID, map[string]string{
		"case_reference": h.CaseReference,
		"reason":         h.Reason,
		"expires_at":     formatTime(h.ExpiresAt),
	})
}

func releasedEvent(h *Hold, correlationID string) audit.ScopedEntry {
	return holdEvent(h, audit.EventLegalHoldReleased, h.ReleasedBy, correlationID, map[string]string{
		"case_reference": h.CaseReference,
		"release_reason": h.ReleaseReason,
	})
}

// holdEvent builds an entry about the held entity; the hold ID travels in the
// changes so the entity's audit trail shows every hold action.
func holdEvent(h *Hold, eventType, actor, correlationID string, changes map[string]string) audit.ScopedEntry {
	changes["hold_id"] = h.ID
	return audit.ScopedEntry{
		Scope: h.LedgerScope(),
		Entry: audit.Entry{
			ID:             uuid.New().String(),
			EventType:      eventType,
			EntityType:     h.EntityType,
			EntityID:       h.EntityID,
			ActingIdentity: actor,
			Changes:        changes,
			CorrelationID:  correlationID,
		},
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
