package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/northstar-lms/custodian/internal/tracing"
)

// pqUniqueViolation is the SQLSTATE for unique constraint violations.
const pqUniqueViolation = "23505"

const recordColumns = `id, scope, sequence, recorded_at, event_type, entity_type, entity_id,
	acting_identity, changes, correlation_id, previous_hash, hash, encoding_version`

// PostgresStore implements Store using the audit_records table.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{
		db:     db,
		logger: logger,
	}
}

// Last returns the highest-sequence record in scope.
func (s *PostgresStore) Last(ctx context.Context, scope string) (rec *Record, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_records", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := `SELECT ` + recordColumns + ` FROM audit_records
		WHERE scope = $1 ORDER BY sequence DESC LIMIT 1`
	rec, err = scanRecord(s.db.QueryRowContext(ctx, query, scope))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last record: %w", err)
	}
	return rec, nil
}

// Insert stores a new record. Unique violations map to ErrSequenceConflict.
func (s *PostgresStore) Insert(ctx context.Context, record *Record) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_records", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	changes, err := json.Marshal(record.Changes)
	if err != nil {
		return fmt.Errorf("failed to marshal changes: %w", err)
	}

	query := `INSERT INTO audit_records (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err = s.db.ExecContext(ctx, query,
		record.ID,
		record.Scope,
		record.Sequence,
		record.Timestamp,
		record.EventType,
		record.EntityType,
		record.EntityID,
		record.ActingIdentity,
		changes,
		record.CorrelationID,
		record.PreviousHash,
		record.Hash,
		record.EncodingVersion,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			s.logger.Warn("audit record unique violation",
				slog.String("scope", record.Scope),
				slog.Int64("sequence", record.Sequence),
				slog.String("constraint", pqErr.Constraint))
			return ErrSequenceConflict
		}
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

// FindByID returns the record with the given ID in scope.
func (s *PostgresStore) FindByID(ctx context.Context, scope, id string) (rec *Record, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_records", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := `SELECT ` + recordColumns + ` FROM audit_records WHERE scope = $1 AND id = $2`
	rec, err = scanRecord(s.db.QueryRowContext(ctx, query, scope, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find audit record: %w", err)
	}
	return rec, nil
}

// Range returns the records in [from, to] with a single statement so the
// result is one snapshot.
func (s *PostgresStore) Range(ctx context.Context, scope string, from, to int64) (recs []*Record, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_records", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := `SELECT ` + recordColumns + ` FROM audit_records
		WHERE scope = $1 AND sequence >= $2 AND ($3::bigint <= 0 OR sequence <= $3::bigint)
		ORDER BY sequence ASC`
	rows, err := s.db.QueryContext(ctx, query, scope, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit range: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// QueryByEntity returns records about an entity, newest first.
func (s *PostgresStore) QueryByEntity(ctx context.Context, entityType, entityID string, limit int) (recs []*Record, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_records", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := `SELECT ` + recordColumns + ` FROM audit_records
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY recorded_at DESC, sequence DESC`
	args := []any{entityType, entityID}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records by entity: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Scopes lists the distinct scopes in the ledger.
func (s *PostgresStore) Scopes(ctx context.Context) (scopes []string, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_records", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT scope FROM audit_records ORDER BY scope`)
	if err != nil {
		return nil, fmt.Errorf("failed to list scopes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, fmt.Errorf("failed to scan scope: %w", err)
		}
		scopes = append(scopes, scope)
	}
	return scopes, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		r       Record
		changes []byte
	)
	err := row.Scan(
		&r.ID,
		&r.Scope,
		&r.Sequence,
		&r.Timestamp,
		&r.EventType,
		&r.EntityType,
		&r.EntityID,
		&r.ActingIdentity,
		&changes,
		&r.CorrelationID,
		&r.PreviousHash,
		&r.Hash,
		&r.EncodingVersion,
	)
	if err != nil {
		return nil, err
	}
	r.Timestamp = r.Timestamp.UTC()
	r.Changes = map[string]string{}
	if len(changes) > 0 {
		if err := json.Unmarshal(changes, &r.Changes); err != nil {
			return nil, fmt.Errorf("failed to decode changes for record %s: %w", r.ID, err)
		}
	}
	return &r, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit records: %w", err)
	}
	return out, nil
}
