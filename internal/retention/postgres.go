package retention

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/northstar-lms/custodian/internal/tracing"
)

const pqUniqueViolation = "23505"

const policyColumns = `id, entity_type, scope_kind, scope_tenant_id, scope_class, scope_entity_id,
	retention_years, retention_days, indefinite, priority, effective_date, superseded_at,
	superseded_by, justification, created_by, created_at`

// PostgresStore implements Store using the retention_policies table.
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

// ActivePolicies implements Store.
func (s *PostgresStore) ActivePolicies(ctx context.Context, entityType string, now time.Time) (policies []*Policy, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "retention_policies", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := `SELECT ` + policyColumns + ` FROM retention_policies
		WHERE (superseded_at IS NULL OR superseded_at > $1)
		AND ($2::text = '' OR entity_type = $2::text)
		ORDER BY entity_type, created_at`
	rows, err := s.db.QueryContext(ctx, query, now, entityType)
	if err != nil {
		return nil, fmt.Errorf("failed to query active policies: %w", err)
	}
	defer rows.Close()
	return scanPolicies(rows)
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id string) (p *Policy, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "retention_policies", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	p, err = scanPolicy(s.db.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM retention_policies WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPolicyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	return p, nil
}

// History implements Store.
func (s *PostgresStore) History(ctx context.Context, entityType string) (policies []*Policy, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "retention_policies", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+policyColumns+` FROM retention_policies WHERE entity_type = $1 ORDER BY created_at`, entityType)
	if err != nil {
		return nil, fmt.Errorf("failed to query policy history: %w", err)
	}
	defer rows.Close()
	return scanPolicies(rows)
}

// Replace implements Store. The supersede and insert run in one transaction;
// the partial unique index on active scopes turns a concurrent replace into
// ErrPolicyConflict.
func (s *PostgresStore) Replace(ctx context.Context, created *Policy, supersededAt time.Time) (superseded []*Policy, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "retention_policies", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx,
		`UPDATE retention_policies SET superseded_at = $1, superseded_by = $2
		WHERE entity_type = $3 AND scope_key = $4
		AND (superseded_at IS NULL OR superseded_at > $1)
		RETURNING `+policyColumns,
		supersededAt, created.ID, created.EntityType, created.Scope.Key())
	if err != nil {
		return nil, fmt.Errorf("failed to supersede policies: %w", err)
	}
	superseded, err = scanPolicies(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	sort.Slice(superseded, func(i, j int) bool { return superseded[i].CreatedAt.Before(superseded[j].CreatedAt) })

	_, err = tx.ExecContext(ctx, `INSERT INTO retention_policies (`+policyColumns+`, scope_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULL, NULL, $12, $13, $14, $15)`,
		created.ID,
		created.EntityType,
		string(created.Scope.Kind),
		created.Scope.TenantID,
		created.Scope.Class,
		created.Scope.EntityID,
		created.Retention.Years,
		created.Retention.Days,
		created.Retention.Indefinite,
		created.Priority,
		created.EffectiveDate,
		created.Justification,
		created.CreatedBy,
		created.CreatedAt,
		created.Scope.Key(),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			s.logger.Warn("retention policy unique violation",
				slog.String("entity_type", created.EntityType),
				slog.String("scope", created.Scope.Key()))
			err = ErrPolicyConflict
			return nil, err
		}
		return nil, fmt.Errorf("failed to insert policy: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit policy change: %w", err)
	}
	return superseded, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row rowScanner) (*Policy, error) {
	var (
		p            Policy
		kind         string
		supersededAt sql.NullTime
		supersededBy sql.NullString
	)
	err := row.Scan(
		&p.ID,
		&p.EntityType,
		&kind,
		&p.Scope.TenantID,
		&p.Scope.Class,
		&p.Scope.EntityID,
		&p.Retention.Years,
		&p.Retention.Days,
		&p.Retention.Indefinite,
		&p.Priority,
		&p.EffectiveDate,
		&supersededAt,
		&supersededBy,
		&p.Justification,
		&p.CreatedBy,
		&p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Scope.Kind = ScopeKind(kind)
	p.EffectiveDate = p.EffectiveDate.UTC()
	p.CreatedAt = p.CreatedAt.UTC()
	if supersededAt.Valid {
		t := supersededAt.Time.UTC()
		p.SupersededAt = &t
	}
	p.SupersededBy = supersededBy.String
	return &p, nil
}

func scanPolicies(rows *sql.Rows) ([]*Policy, error) {
	var out []*Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate policies: %w", err)
	}
	return out, nil
}
