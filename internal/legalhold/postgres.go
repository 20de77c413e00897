package legalhold

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/northstar-lms/custodian/internal/tracing"
)

const pqUniqueViolation = "23505"

const holdColumns = `id, entity_type, entity_id, tenant_id, case_reference, merged_case_references,
	reason, authorized_by, hold_date, expires_at, released_at, release_reason, released_by,
	status, escalated`

// PostgresStore implements Store using the legal_holds table.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, logger: logger}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertHold(ctx context.Context, db execer, h *Hold) error {
	_, err := db.ExecContext(ctx, `INSERT INTO legal_holds (`+holdColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		h.ID,
		h.EntityType,
		h.EntityID,
		h.TenantID,
		h.CaseReference,
		pq.Array(nonNil(h.MergedCaseReferences)),
		h.Reason,
		h.AuthorizedBy,
		h.HoldDate,
		h.ExpiresAt,
		h.ReleasedAt,
		nullString(h.ReleaseReason),
		nullString(h.ReleasedBy),
		string(h.Status),
		h.Escalated,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
		return ErrHoldConflict
	}
	return err
}

// updateActive overwrites an Active hold. Zero rows means the hold is
// missing or no longer Active.
func updateActive(ctx context.Context, db execer, h *Hold) (int64, error) {
	res, err := db.ExecContext(ctx, `UPDATE legal_holds SET
			merged_case_references = $2, expires_at = $3, released_at = $4,
			release_reason = $5, released_by = $6, status = $7, escalated = $8, updated_at = NOW()
		WHERE id = $1 AND status = 'active'`,
		h.ID,
		pq.Array(nonNil(h.MergedCaseReferences)),
		h.ExpiresAt,
		h.ReleasedAt,
		nullString(h.ReleaseReason),
		nullString(h.ReleasedBy),
		string(h.Status),
		h.Escalated,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Create implements Store.
func (s *PostgresStore) Create(ctx context.Context, h *Hold) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "legal_holds", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	if err = insertHold(ctx, s.db, h); err != nil {
		if errors.Is(err, ErrHoldConflict) {
			s.logger.Warn("legal hold unique violation",
				slog.String("entity_type", h.EntityType),
				slog.String("entity_id", h.EntityID))
			return err
		}
		return fmt.Errorf("failed to insert legal hold: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id string) (h *Hold, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "legal_holds", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	h, err = scanHold(s.db.QueryRowContext(ctx, `SELECT `+holdColumns+` FROM legal_holds WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHoldNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get legal hold: %w", err)
	}
	return h, nil
}

// ActiveFor implements Store.
func (s *PostgresStore) ActiveFor(ctx context.Context, entityType, entityID string) (h *Hold, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "legal_holds", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	h, err = scanHold(s.db.QueryRowContext(ctx, `SELECT `+holdColumns+` FROM legal_holds
		WHERE entity_type = $1 AND entity_id = $2 AND status = 'active'`, entityType, entityID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active legal hold: %w", err)
	}
	return h, nil
}

// Update implements Store.
func (s *PostgresStore) Update(ctx context.Context, h *Hold) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "legal_holds", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	n, err := updateActive(ctx, s.db, h)
	if err != nil {
		return fmt.Errorf("failed to update legal hold: %w", err)
	}
	if n == 0 {
		return s.missingOrInactive(ctx, h.ID)
	}
	return nil
}

func (s *PostgresStore) missingOrInactive(ctx context.Context, id string) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM legal_holds WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check legal hold: %w", err)
	}
	if !exists {
		return ErrHoldNotFound
	}
	return ErrHoldNotActive
}

// Override implements Store.
func (s *PostgresStore) Override(ctx context.Context, released, created *Hold) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "legal_holds", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	n, err := updateActive(ctx, tx, released)
	if err != nil {
		return fmt.Errorf("failed to release overridden hold: %w", err)
	}
	if n == 0 {
		err = ErrHoldNotActive
		return err
	}
	if err = insertHold(ctx, tx, created); err != nil {
		if errors.Is(err, ErrHoldConflict) {
			return err
		}
		return fmt.Errorf("failed to insert overriding hold: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit hold override: %w", err)
	}
	return nil
}

// ActiveExpiringBy implements Store.
func (s *PostgresStore) ActiveExpiringBy(ctx context.Context, t time.Time) (holds []*Hold, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "legal_holds", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := s.db.QueryContext(ctx, `SELECT `+holdColumns+` FROM legal_holds
		WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at, id`, t)
	if err != nil {
		return nil, fmt.Errorf("failed to query expiring holds: %w", err)
	}
	defer rows.Close()
	return scanHolds(rows)
}

// ExpiredBetween implements Store.
func (s *PostgresStore) ExpiredBetween(ctx context.Context, from, to time.Time) (holds []*Hold, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "legal_holds", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := s.db.QueryContext(ctx, `SELECT `+holdColumns+` FROM legal_holds
		WHERE status = 'expired' AND expires_at >= $1 AND expires_at <= $2
		ORDER BY expires_at, id`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired holds: %w", err)
	}
	defer rows.Close()
	return scanHolds(rows)
}

// ListForEntity implements Store.
func (s *PostgresStore) ListForEntity(ctx context.Context, entityType, entityID string) (holds []*Hold, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "legal_holds", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := s.db.QueryContext(ctx, `SELECT `+holdColumns+` FROM legal_holds
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY hold_date DESC, id`, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query entity holds: %w", err)
	}
	defer rows.Close()
	return scanHolds(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHold(row rowScanner) (*Hold, error) {
	var (
		h             Hold
		status        string
		merged        []string
		expiresAt     sql.NullTime
		releasedAt    sql.NullTime
		releaseReason sql.NullString
		releasedBy    sql.NullString
	)
	err := row.Scan(
		&h.ID,
		&h.EntityType,
		&h.EntityID,
		&h.TenantID,
		&h.CaseReference,
		pq.Array(&merged),
		&h.Reason,
		&h.AuthorizedBy,
		&h.HoldDate,
		&expiresAt,
		&releasedAt,
		&releaseReason,
		&releasedBy,
		&status,
		&h.Escalated,
	)
	if err != nil {
		return nil, err
	}
	h.Status = Status(status)
	h.HoldDate = h.HoldDate.UTC()
	if len(merged) > 0 {
		h.MergedCaseReferences = merged
	}
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		h.ExpiresAt = &t
	}
	if releasedAt.Valid {
		t := releasedAt.Time.UTC()
		h.ReleasedAt = &t
	}
	h.ReleaseReason = releaseReason.String
	h.ReleasedBy = releasedBy.String
	return &h, nil
}

func scanHolds(rows *sql.Rows) ([]*Hold, error) {
	var out []*Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan legal hold: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate legal holds: %w", err)
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
