package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/northstar-lms/custodian/internal/audit"
)

// AuditEntityType is the entity type recorded on policy ledger entries.
const AuditEntityType = "RetentionPolicy"

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Logger *slog.Logger
	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
	// Minimums are the regulatory minimum retention per entity type.
	Minimums map[string]Period
}

// Manager creates and supersedes retention policies.
type Manager struct {
	store    Store
	logger   *slog.Logger
	clock    func() time.Time
	minimums map[string]Period
}

// NewManager creates a Manager backed by store.
func NewManager(store Store, config ManagerConfig) *Manager {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	return &Manager{
		store:    store,
		logger:   config.Logger,
		clock:    config.Clock,
		minimums: maps.Clone(config.Minimums),
	}
}

// CreatePolicyRequest describes a new policy.
type CreatePolicyRequest struct {
	EntityType string
	Scope      Scope
	Retention  Period
	Priority   int
	// EffectiveDate defaults to now when zero.
	EffectiveDate time.Time
	Justification string
	CreatedBy     string
	// TenantID selects the ledger scope for the policy events. Tenant and
	// tenant-restricted class scopes use their own tenant when empty.
	TenantID      string
	CorrelationID string
}

// PolicyChange is the outcome of CreatePolicy.
type PolicyChange struct {
	Created *Policy
	// Superseded are the policies the new one replaces: the one in force and
	// any future-dated one it overrides.
	Superseded []*Policy
	// Events are the ledger entries describing the change, for the caller to
	// append after the change is committed.
	Events []audit.ScopedEntry
}

// Minimum returns the regulatory minimum for entityType, if any.
func (m *Manager) Minimum(entityType string) (Period, bool) {
	p, ok := m.minimums[entityType]
	return p, ok
}

// CreatePolicy validates req and stores it as the active policy for its
// entity type and scope, superseding the previous one.
func (m *Manager) CreatePolicy(ctx context.Context, req CreatePolicyRequest) (*PolicyChange, error) {
	if err := m.validate(req); err != nil {
		return nil, err
	}

	now := m.clock().UTC()
	effective := req.EffectiveDate.UTC()
	if req.EffectiveDate.IsZero() {
		effective = now
	}

	created := &Policy{
		ID:            uuid.New().String(),
		EntityType:    req.EntityType,
		Scope:         req.Scope,
		Retention:     req.Retention,
		Priority:      req.Priority,
		EffectiveDate: effective,
		Justification: strings.TrimSpace(req.Justification),
		CreatedBy:     req.CreatedBy,
		CreatedAt:     now,
	}

	// A future-dated replacement keeps the current policy in force until it starts.
	supersededAt := now
	if effective.After(now) {
		supersededAt = effective
	}

	superseded, err := m.store.Replace(ctx, created, supersededAt)
	if err != nil {
		if errors.Is(err, ErrPolicyConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to store policy: %w", err)
	}

	m.logger.Info("retention policy created",
		slog.String("policy_id", created.ID),
		slog.String("entity_type", created.EntityType),
		slog.String("scope", created.Scope.Key()),
		slog.String("retention", created.Retention.String()),
		slog.Int("priority", created.Priority))

	return &PolicyChange{
		Created:    created,
		Superseded: superseded,
		Events:     policyEvents(req, created, superseded),
	}, nil
}

func (m *Manager) validate(req CreatePolicyRequest) error {
	if strings.TrimSpace(req.EntityType) == "" {
		return &ValidationError{Field: "entity_type", Reason: "is required"}
	}
	if err := req.Scope.Validate(); err != nil {
		return &ValidationError{Field: "scope", Reason: err.Error()}
	}
	if req.Retention.Years < 0 || req.Retention.Days < 0 {
		return &ValidationError{Field: "retention", Reason: "must not be negative"}
	}
	if req.Retention.IsZero() {
		return &ValidationError{Field: "retention", Reason: "must be positive"}
	}
	if req.Retention.Indefinite && req.Scope.Kind != ScopeEntity {
		return &ValidationError{Field: "retention", Reason: "indefinite retention is only allowed for entity exceptions"}
	}
	if strings.TrimSpace(req.Justification) == "" {
		return &ValidationError{Field: "justification", Reason: "is required"}
	}
	if strings.TrimSpace(req.CreatedBy) == "" {
		return &ValidationError{Field: "created_by", Reason: "is required"}
	}
	if minimum, ok := m.minimums[req.EntityType]; ok && req.Retention.Compare(minimum) < 0 {
		return &ValidationError{
			Field:  "retention",
			Reason: fmt.Sprintf("%s is below the regulatory minimum of %s for %s", req.Retention, minimum, req.EntityType),
			Err:    ErrBelowRegulatoryMinimum,
		}
	}
	return nil
}

func policyEvents(req CreatePolicyRequest, created *Policy, superseded []*Policy) []audit.ScopedEntry {
	scope := req.TenantID
	if scope == "" {
		scope = created.Scope.TenantID
	}
	if scope == "" {
		scope = audit.ScopePlatform
	}
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = created.ID
	}

	changes := map[string]string{
		"entity_type":    created.EntityType,
		"scope":          created.Scope.Key(),
		"retention":      created.Retention.String(),
		"priority":       strconv.Itoa(created.Priority),
		"effective_date": created.EffectiveDate.Format(time.RFC3339),
		"justification":  created.Justification,
	}
	if len(superseded) > 0 {
		ids := make([]string, len(superseded))
		for i, p := range superseded {
			ids[i] = p.ID
		}
		changes["supersedes"] = strings.Join(ids, ",")
	}

	events := []audit.ScopedEntry{{
		Scope: scope,
		Entry: audit.Entry{
			ID:             uuid.New().String(),
			EventType:      audit.EventRetentionPolicyCreated,
			EntityType:     AuditEntityType,
			EntityID:       created.ID,
			ActingIdentity: created.CreatedBy,
			Changes:        changes,
			CorrelationID:  correlationID,
		},
	}}
	for _, superseded := range superseded {
		events = append(events, audit.ScopedEntry{
			Scope: scope,
			Entry: audit.Entry{
				ID:             uuid.New().String(),
				EventType:      audit.EventRetentionPolicySuperseded,
				EntityType:     AuditEntityType,
				EntityID:       superseded.ID,
				ActingIdentity: created.CreatedBy,
				Changes: map[string]string{
					"superseded_by":      created.ID,
					"superseded_at":      superseded.SupersededAt.Format(time.RFC3339),
					"previous_retention": superseded.Retention.String(),
				},
				CorrelationID: correlationID,
			},
		})
	}
	return events
}
