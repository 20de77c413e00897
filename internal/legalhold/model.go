// Package legalhold tracks legal holds that suspend retention-driven deletion
// of individual entities.
package legalhold

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Status is the lifecycle state of a hold. Released and Expired are terminal.
type Status string

const (
	StatusActive   Status = "active"
	StatusReleased Status = "released"
	StatusExpired  Status = "expired"
)

var (
	// ErrHoldNotFound is returned when a hold does not exist.
	ErrHoldNotFound = errors.New("legal hold not found")
	// ErrHoldNotActive is returned when releasing or renewing a hold that is
	// already released or expired.
	ErrHoldNotActive = errors.New("legal hold is not active")
	// ErrHoldConflict is matched by *ConflictError.
	ErrHoldConflict = errors.New("entity already has an active legal hold")
	// ErrInvalidHold is returned for malformed hold requests.
	ErrInvalidHold = errors.New("invalid legal hold request")
)

// ConflictError reports the active hold that blocked a placement.
type ConflictError struct {
	EntityType            string
	EntityID              string
	ExistingHoldID        string
	ExistingCaseReference string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s is already held by %s (case %s)",
		e.EntityType, e.EntityID, e.ExistingHoldID, e.ExistingCaseReference)
}

// Is matches ErrHoldConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrHoldConflict
}

// Resolution selects how Place handles an entity that is already held.
type Resolution string

const (
	// ResolutionNone rejects the placement with a *ConflictError.
	ResolutionNone Resolution = ""
	// ResolutionMerge folds the new case into the existing hold.
	ResolutionMerge Resolution = "merge"
	// ResolutionEscalate flags the existing hold for human review.
	ResolutionEscalate Resolution = "escalate"
	// ResolutionOverride releases the existing hold and places the new one.
	ResolutionOverride Resolution = "override"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionNone, ResolutionMerge, ResolutionEscalate, ResolutionOverride:
		return true
	}
	return false
}

// Outcome describes what Place did.
type Outcome string

const (
	OutcomePlaced     Outcome = "placed"
	OutcomeMerged     Outcome = "merged"
	OutcomeEscalated  Outcome = "escalated"
	OutcomeOverridden Outcome = "overridden"
)

// Hold is a legal hold on one entity.
type Hold struct {
	ID                   string     `json:"id"`
	EntityType           string     `json:"entity_type"`
	EntityID             string     `json:"entity_id"`
	TenantID             string     `json:"tenant_id,omitempty"`
	CaseReference        string     `json:"case_reference"`
	MergedCaseReferences []string   `json:"merged_case_references,omitempty"`
	Reason               string     `json:"reason"`
	AuthorizedBy         string     `json:"authorized_by"`
	HoldDate             time.Time  `json:"hold_date"`
	ExpiresAt            *time.Time `json:"expires_at,omitempty"`
	ReleasedAt           *time.Time `json:"released_at,omitempty"`
	ReleaseReason        string     `json:"release_reason,omitempty"`
	ReleasedBy           string     `json:"released_by,omitempty"`
	Status               Status     `json:"status"`
	Escalated            bool       `json:"escalated"`
}

// Active reports whether the hold is in the Active state.
func (h *Hold) Active() bool {
	return h.Status == StatusActive
}

// CaseReferences returns the primary and merged case references.
func (h *Hold) CaseReferences() []string {
	return append([]string{h.CaseReference}, h.MergedCaseReferences...)
}

// Clone returns a deep copy of the hold.
func (h *Hold) Clone() *Hold {
	c := *h
	c.MergedCaseReferences = slices.Clone(h.MergedCaseReferences)
	if h.ExpiresAt != nil {
		t := *h.ExpiresAt
		c.ExpiresAt = &t
	}
	if h.ReleasedAt != nil {
		t := *h.ReleasedAt
		c.ReleasedAt = &t
	}
	return &c
}
