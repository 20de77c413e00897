package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/northstar-lms/custodian/internal/hashchain"
	"github.com/northstar-lms/custodian/internal/tracing"
)

// DefaultMaxAttempts is the default number of insert attempts per append.
const DefaultMaxAttempts = 3

// DefaultRetryBackoff is the default pause between insert attempts.
const DefaultRetryBackoff = 50 * time.Millisecond

var scopePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

// ValidScope reports whether scope is a well-formed ledger scope name.
func ValidScope(scope string) bool {
	return scopePattern.MatchString(scope)
}

// LedgerConfig configures a Ledger.
type LedgerConfig struct {
	// Logger for ledger activity.
	Logger *slog.Logger
	// Metrics for append tracking (optional).
	Metrics *Metrics
	// Clock supplies record timestamps. Defaults to time.Now.
	Clock func() time.Time
	// MaxAttempts bounds insert attempts for one append.
	MaxAttempts int
	// RetryBackoff is the pause between insert attempts.
	RetryBackoff time.Duration
}

// Ledger appends and verifies hash-chained audit records. Appends are
// serialized per scope; different scopes never contend.
type Ledger struct {
	store  Store
	config LedgerConfig

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLedger creates a ledger backed by store.
func NewLedger(store Store, config LedgerConfig) *Ledger {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = DefaultRetryBackoff
	}
	return &Ledger{
		store:  store,
		config: config,
		locks:  make(map[string]*sync.Mutex),
	}
}

// scopeLock returns the append mutex for scope, creating it on first use.
func (l *Ledger) scopeLock(scope string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[scope]
	if !ok {
		m = &sync.Mutex{}
		l.locks[scope] = m
	}
	return m
}

func validateEntry(scope string, e Entry) error {
	if !ValidScope(scope) {
		return fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}
	if e.EventType == "" {
		return fmt.Errorf("%w: event type is required", ErrInvalidEntry)
	}
	if e.ActingIdentity == "" {
		return fmt.Errorf("%w: acting identity is required", ErrInvalidEntry)
	}
	if e.ID != "" {
		if _, err := uuid.Parse(e.ID); err != nil {
			return fmt.Errorf("%w: id must be a UUID", ErrInvalidEntry)
		}
	}

	// Records are hashed over their exact bytes but exported as JSON and
	// stored as JSONB, which rewrite invalid UTF-8 and reject NUL.
	fields := map[string]string{
		"event type":      e.EventType,
		"entity type":     e.EntityType,
		"entity id":       e.EntityID,
		"acting identity": e.ActingIdentity,
		"correlation id":  e.CorrelationID,
	}
	for name, v := range fields {
		if !encodable(v) {
			return fmt.Errorf("%w: %s is not valid UTF-8 text", ErrInvalidEntry, name)
		}
	}
	for k, v := range e.Changes {
		if !encodable(k) || !encodable(v) {
			return fmt.Errorf("%w: change %q is not valid UTF-8 text", ErrInvalidEntry, strings.ToValidUTF8(k, "?"))
		}
	}
	return nil
}

func encodable(s string) bool {
	return utf8.ValidString(s) && !strings.ContainsRune(s, 0)
}

// Append writes entry as the next record of scope and returns the stored record.
//
// If entry.ID names a record already in the scope, that record is returned
// unchanged and nothing is written. Transient insert failures are retried
// with the same sequence and hashes. When durability cannot be confirmed the
// error matches ErrOutcomeUnknown; retrying with the same ID reconciles.
func (l *Ledger) Append(ctx context.Context, scope string, entry Entry) (rec *Record, err error) {
	if err := validateEntry(scope, entry); err != nil {
		return nil, err
	}

	ctx, endSpan := tracing.StartSpan(ctx, "audit.append")
	defer func() { endSpan(err) }()
	tracing.SetAttributes(ctx,
		attribute.String("audit.scope", scope),
		attribute.String("audit.event_type", entry.EventType))

	start := time.Now()
	outcome := OutcomeAppended
	defer func() {
		if l.config.Metrics != nil {
			l.config.Metrics.IncAppends(outcome)
			l.config.Metrics.ObserveAppendDuration(time.Since(start).Seconds())
		}
	}()

	lock := l.scopeLock(scope)
	lock.Lock()
	defer lock.Unlock()

	if entry.ID != "" {
		existing, err := l.store.FindByID(ctx, scope, entry.ID)
		if err == nil {
			outcome = OutcomeReconciled
			l.config.Logger.Debug("audit append reconciled with existing record",
				"scope", scope,
				"record_id", existing.ID,
				"sequence", existing.Sequence)
			return existing, nil
		}
		if !errors.Is(err, ErrRecordNotFound) {
			outcome = OutcomeError
			return nil, fmt.Errorf("failed to check for existing record: %w", err)
		}
	}

	last, err := l.store.Last(ctx, scope)
	if err != nil {
		outcome = OutcomeError
		return nil, fmt.Errorf("failed to read chain head: %w", err)
	}

	rec = &Record{
		ID:              entry.ID,
		Scope:           scope,
		Sequence:        1,
		Timestamp:       hashchain.NormalizeTimestamp(l.config.Clock()),
		EventType:       entry.EventType,
		EntityType:      entry.EntityType,
		EntityID:        entry.EntityID,
		ActingIdentity:  entry.ActingIdentity,
		Changes:         maps.Clone(entry.Changes),
		CorrelationID:   entry.CorrelationID,
		PreviousHash:    hashchain.GenesisHash(),
		EncodingVersion: hashchain.EncodingVersion,
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Changes == nil {
		rec.Changes = map[string]string{}
	}
	if last != nil {
		rec.Sequence = last.Sequence + 1
		rec.PreviousHash = last.Hash
	}

	rec.Hash, err = hashchain.ComputeHash(rec.Fields(), rec.PreviousHash)
	if err != nil {
		outcome = OutcomeError
		return nil, fmt.Errorf("failed to compute record hash: %w", err)
	}

	stored, outcome, err := l.insert(ctx, rec)
	if err != nil {
		return nil, err
	}

	l.config.Logger.Debug("audit record appended",
		"scope", scope,
		"sequence", stored.Sequence,
		"event_type", stored.EventType,
		"record_id", stored.ID)
	return stored, nil
}

// insert persists rec, retrying transient failures with the same record.
// Must be called with the scope lock held.
func (l *Ledger) insert(ctx context.Context, rec *Record) (*Record, string, error) {
	var lastErr error
	for attempt := 1; ; attempt++ {
		err := l.store.Insert(ctx, rec)
		if err == nil {
			return rec.Clone(), OutcomeAppended, nil
		}
		lastErr = err

		// A previous attempt may have landed before reporting failure.
		if existing, ferr := l.store.FindByID(context.WithoutCancel(ctx), rec.Scope, rec.ID); ferr == nil {
			if existing.Hash == rec.Hash {
				return existing, OutcomeAppended, nil
			}
		}

		if errors.Is(err, ErrSequenceConflict) {
			l.config.Logger.Error("audit append lost its sequence slot",
				"scope", rec.Scope,
				"sequence", rec.Sequence,
				"record_id", rec.ID)
			return nil, OutcomeConflict, fmt.Errorf("%w: scope %q sequence %d already taken", ErrAppendConflict, rec.Scope, rec.Sequence)
		}

		if ctx.Err() != nil || attempt >= l.config.MaxAttempts {
			l.config.Logger.Warn("audit append outcome unknown",
				"scope", rec.Scope,
				"record_id", rec.ID,
				"attempts", attempt,
				"error", lastErr)
			return nil, OutcomeUnknown, &OutcomeUnknownError{Scope: rec.Scope, RecordID: rec.ID, Err: lastErr}
		}

		l.config.Logger.Warn("audit append failed, retrying",
			"scope", rec.Scope,
			"record_id", rec.ID,
			"attempt", attempt,
			"error", err)

		select {
		case <-ctx.Done():
			return nil, OutcomeUnknown, &OutcomeUnknownError{Scope: rec.Scope, RecordID: rec.ID, Err: lastErr}
		case <-time.After(l.config.RetryBackoff):
		}
	}
}

// ValidateChain verifies records from..to of scope. from < 1 starts at the
// first record and to <= 0 runs through the head. Violations are reported,
// never repaired.
func (l *Ledger) ValidateChain(ctx context.Context, scope string, from, to int64) (res *ValidationResult, err error) {
	if !ValidScope(scope) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}
	if from < 1 {
		from = 1
	}
	if to > 0 && to < from {
		return nil, fmt.Errorf("%w: from %d > to %d", ErrInvalidRange, from, to)
	}

	ctx, endSpan := tracing.StartSpan(ctx, "audit.validate_chain")
	defer func() { endSpan(err) }()

	records, err := l.store.Range(ctx, scope, from-1, to)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain range: %w", err)
	}

	anchor, records, violations := splitAnchor(from, records)
	violations = append(violations, VerifyRecords(anchor, records)...)

	res = &ValidationResult{
		Scope:      scope,
		From:       from,
		To:         to,
		Checked:    len(records),
		Valid:      len(violations) == 0,
		Violations: violations,
	}
	if res.To <= 0 && len(records) > 0 {
		res.To = records[len(records)-1].Sequence
	}
	if l.config.Metrics != nil {
		l.config.Metrics.AddViolations(violations)
	}
	return res, nil
}

// splitAnchor separates the record preceding from (if any) from the range.
func splitAnchor(from int64, records []*Record) (*Anchor, []*Record, []Violation) {
	if from == 1 {
		a := GenesisAnchor()
		return &a, records, nil
	}
	if len(records) > 0 && records[0].Sequence == from-1 {
		return &Anchor{Sequence: records[0].Sequence, Hash: records[0].Hash}, records[1:], nil
	}
	if len(records) == 0 {
		return nil, records, nil
	}
	return nil, records, []Violation{{
		Kind:     ViolationSequenceGap,
		Sequence: from - 1,
		Detail:   fmt.Sprintf("anchor record %d not found", from-1),
	}}
}

// QueryByEntity returns the records about an entity across scopes, newest first.
func (l *Ledger) QueryByEntity(ctx context.Context, entityType, entityID string, limit int) ([]*Record, error) {
	if entityType == "" || entityID == "" {
		return nil, fmt.Errorf("%w: entity type and id are required", ErrInvalidEntry)
	}
	return l.store.QueryByEntity(ctx, entityType, entityID, limit)
}

// Scopes lists all ledger scopes with records.
func (l *Ledger) Scopes(ctx context.Context) ([]string, error) {
	return l.store.Scopes(ctx)
}

// Head returns the latest record of scope, or nil when the scope is empty.
func (l *Ledger) Head(ctx context.Context, scope string) (*Record, error) {
	if !ValidScope(scope) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}
	return l.store.Last(ctx, scope)
}
