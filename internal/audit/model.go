// Package audit provides the append-only, hash-chained audit ledger. Each
// ledger scope (one per tenant plus the platform ledger) is an independent
// gapless sequence of records linked by SHA-256 hashes.
package audit

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/northstar-lms/custodian/internal/hashchain"
)

// ScopePlatform is the ledger scope for platform-wide events.
const ScopePlatform = "platform"

// Event types written by the governance and enforcement components.
// EventType is otherwise a free-form tag.
const (
	EventRetentionDeletion         = "RetentionDeletion"
	EventRetentionDeletionFailed   = "RetentionDeletionFailed"
	EventRetentionPolicyCreated    = "RetentionPolicyCreated"
	EventRetentionPolicySuperseded = "RetentionPolicySuperseded"
	EventLegalHoldPlaced           = "LegalHoldPlaced"
	EventLegalHoldReleased         = "LegalHoldReleased"
	EventLegalHoldRenewed          = "LegalHoldRenewed"
	EventLegalHoldMerged           = "LegalHoldMerged"
	EventLegalHoldEscalated        = "LegalHoldEscalated"
	EventLegalHoldExpired          = "LegalHoldExpired"
	EventLedgerSegmentArchived     = "LedgerSegmentArchived"
)

var (
	// ErrInvalidEntry is returned when an entry is missing required fields.
	ErrInvalidEntry = errors.New("invalid audit entry")
	// ErrInvalidScope is returned for a malformed ledger scope name.
	ErrInvalidScope = errors.New("invalid ledger scope")
	// ErrInvalidRange is returned when a sequence range is inverted.
	ErrInvalidRange = errors.New("invalid sequence range")
	// ErrRecordNotFound is returned when a record does not exist in the store.
	ErrRecordNotFound = errors.New("audit record not found")
	// ErrSequenceConflict is returned by stores when (scope, sequence) or
	// (scope, id) is already taken.
	ErrSequenceConflict = errors.New("audit record sequence or id already exists")
	// ErrAppendConflict is returned by Append when another writer claimed the
	// slot this append computed. It should not happen while the scope lock is held.
	ErrAppendConflict = errors.New("concurrent append detected")
	// ErrOutcomeUnknown is returned when an append may or may not have become
	// durable. Retry with the same entry ID to reconcile.
	ErrOutcomeUnknown = errors.New("audit append outcome unknown")
)

// Record is a single immutable audit ledger record.
type Record struct {
	ID              string            `json:"id"`
	Scope           string            `json:"scope"`
	Sequence        int64             `json:"sequence"`
	Timestamp       time.Time         `json:"timestamp"`
	EventType       string            `json:"event_type"`
	EntityType      string            `json:"entity_type"`
	EntityID        string            `json:"entity_id"`
	ActingIdentity  string            `json:"acting_identity"`
	Changes         map[string]string `json:"changes"`
	CorrelationID   string            `json:"correlation_id"`
	PreviousHash    string            `json:"previous_hash"`
	Hash            string            `json:"hash"`
	EncodingVersion int               `json:"encoding_version"`
}

// Fields returns the hashed fields of the record.
func (r *Record) Fields() hashchain.Fields {
	return hashchain.Fields{
		Version:        r.EncodingVersion,
		RecordID:       r.ID,
		Scope:          r.Scope,
		Sequence:       r.Sequence,
		Timestamp:      r.Timestamp,
		EventType:      r.EventType,
		EntityType:     r.EntityType,
		EntityID:       r.EntityID,
		ActingIdentity: r.ActingIdentity,
		Changes:        r.Changes,
		CorrelationID:  r.CorrelationID,
	}
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	c := *r
	c.Changes = maps.Clone(r.Changes)
	return &c
}

// Entry is the caller-supplied content of a record. The ledger assigns the
// sequence, timestamp and hashes.
type Entry struct {
	// ID is optional. When set it is the record ID and the reconciliation key:
	// appending an entry whose ID already exists in the scope returns the
	// existing record instead of writing a new one.
	ID             string            `json:"id"`
	EventType      string            `json:"event_type"`
	EntityType     string            `json:"entity_type"`
	EntityID       string            `json:"entity_id"`
	ActingIdentity string            `json:"acting_identity"`
	Changes        map[string]string `json:"changes,omitempty"`
	CorrelationID  string            `json:"correlation_id,omitempty"`
}

// ScopedEntry pairs an entry with the ledger scope it belongs to. Domain
// operations return these so the caller can append them after committing.
type ScopedEntry struct {
	Scope string `json:"scope"`
	Entry Entry  `json:"entry"`
}

// ViolationKind classifies an integrity violation found by chain validation.
type ViolationKind string

const (
	// ViolationTamperedRecord means the stored hash does not match the recomputed hash.
	ViolationTamperedRecord ViolationKind = "TamperedRecord"
	// ViolationBrokenLink means the stored previous hash does not match the prior record's hash.
	ViolationBrokenLink ViolationKind = "BrokenLink"
	// ViolationSequenceGap means one or more sequence numbers are missing.
	ViolationSequenceGap ViolationKind = "SequenceGap"
	// ViolationDuplicateSequence means a sequence number repeats or goes backwards.
	ViolationDuplicateSequence ViolationKind = "DuplicateSequence"
)

// Violation describes one integrity problem at a sequence number.
type Violation struct {
	Kind     ViolationKind `json:"kind"`
	Sequence int64         `json:"sequence"`
	RecordID string        `json:"record_id,omitempty"`
	Detail   string        `json:"detail"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s at sequence %d: %s", v.Kind, v.Sequence, v.Detail)
}

// ValidationResult is the outcome of walking a chain range.
type ValidationResult struct {
	Scope      string      `json:"scope"`
	From       int64       `json:"from"`
	To         int64       `json:"to"`
	Checked    int         `json:"checked"`
	Valid      bool        `json:"valid"`
	Violations []Violation `json:"violations"`
}

// OutcomeUnknownError reports an append whose durability could not be confirmed.
// It matches ErrOutcomeUnknown with errors.Is.
type OutcomeUnknownError struct {
	Scope    string
	RecordID string
	Err      error
}

func (e *OutcomeUnknownError) Error() string {
	return fmt.Sprintf("audit append to scope %q (record %s): outcome unknown: %v", e.Scope, e.RecordID, e.Err)
}

func (e *OutcomeUnknownError) Unwrap() error { return e.Err }

// Is reports whether target is ErrOutcomeUnknown.
func (e *OutcomeUnknownError) Is(target error) bool {
	return target == ErrOutcomeUnknown
}
