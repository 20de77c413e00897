// Package entities reads and deletes the LMS records that retention
// enforcement purges. Each entity type lives in its own table of the shared
// database; the mapping is configuration.
package entities

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/northstar-lms/custodian/internal/enforcement"
	"github.com/northstar-lms/custodian/internal/tracing"
)

// NoClasses disables the classification column for a Source.
const NoClasses = "-"

// Default column names.
const (
	DefaultIDColumn       = "id"
	DefaultTenantColumn   = "tenant_id"
	DefaultTerminalColumn = "terminal_event_date"
	DefaultClassesColumn  = "classes"
)

// DefaultBatchSize bounds the candidates returned per entity type and call.
const DefaultBatchSize = 1000

// ErrUnknownEntityType is returned for an entity type with no Source.
var ErrUnknownEntityType = errors.New("no entity source for type")

// Source maps an entity type to its table.
type Source struct {
	EntityType     string
	Table          string
	IDColumn       string
	TenantColumn   string
	TerminalColumn string
	// ClassesColumn is a text[] column of classification flags, or NoClasses.
	ClassesColumn string
}

func (s Source) withDefaults() Source {
	if s.IDColumn == "" {
		s.IDColumn = DefaultIDColumn
	}
	if s.TenantColumn == "" {
		s.TenantColumn = DefaultTenantColumn
	}
	if s.TerminalColumn == "" {
		s.TerminalColumn = DefaultTerminalColumn
	}
	if s.ClassesColumn == "" {
		s.ClassesColumn = DefaultClassesColumn
	}
	return s
}

// statements are the prepared query texts of one source. Identifiers are
// quoted, so configuration cannot inject SQL.
type statements struct {
	table  string
	find   string
	delete string
}

func buildStatements(s Source) statements {
	table := quoteQualified(s.Table)
	classes := "NULL::text[]"
	if s.ClassesColumn != NoClasses {
		classes = pq.QuoteIdentifier(s.ClassesColumn)
	}
	id := pq.QuoteIdentifier(s.IDColumn)
	terminal := pq.QuoteIdentifier(s.TerminalColumn)

	return statements{
		table: s.Table,
		find: fmt.Sprintf(`SELECT %s::text, %s::text, %s, %s FROM %s
			WHERE %s IS NOT NULL AND %s <= $1
			ORDER BY %s, %s
			LIMIT $2`,
			id, pq.QuoteIdentifier(s.TenantColumn), terminal, classes, table,
			terminal, terminal,
			terminal, id),
		delete: fmt.Sprintf(`DELETE FROM %s WHERE %s::text = $1`, table, id),
	}
}

// quoteQualified quotes a possibly schema-qualified table name.
func quoteQualified(name string) string {
	if schema, table, ok := strings.Cut(name, "."); ok {
		return pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(table)
	}
	return pq.QuoteIdentifier(name)
}

// SQLStore implements enforcement.EntityStore over configured tables.
type SQLStore struct {
	db        *sql.DB
	sources   map[string]statements
	batchSize int
	logger    *slog.Logger
}

// NewSQLStore creates a store for sources. batchSize <= 0 uses DefaultBatchSize.
func NewSQLStore(db *sql.DB, sources []Source, batchSize int, logger *slog.Logger) *SQLStore {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := make(map[string]statements, len(sources))
	for _, src := range sources {
		m[src.EntityType] = buildStatements(src.withDefaults())
	}
	return &SQLStore{db: db, sources: m, batchSize: batchSize, logger: logger}
}

// EntityTypes lists the configured entity types.
func (s *SQLStore) EntityTypes() []string {
	types := make([]string, 0, len(s.sources))
	for t := range s.sources {
		types = append(types, t)
	}
	return types
}

// FindCandidatesForPurge implements enforcement.EntityStore. Types without a
// source have no candidates; the scheduler reports that through the log.
func (s *SQLStore) FindCandidatesForPurge(ctx context.Context, entityType string, cutoff time.Time) (refs []enforcement.EntityRef, err error) {
	stmts, ok := s.sources[entityType]
	if !ok {
		s.logger.DebugContext(ctx, "no entity source configured", "entity_type", entityType)
		return nil, nil
	}

	ctx, endSpan := tracing.StartDBSpan(ctx, stmts.table, tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := s.db.QueryContext(ctx, stmts.find, cutoff, s.batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s candidates: %w", entityType, err)
	}
	defer rows.Close()

	for rows.Next() {
		ref := enforcement.EntityRef{EntityType: entityType}
		var tenant sql.NullString
		var classes pq.StringArray
		if err := rows.Scan(&ref.EntityID, &tenant, &ref.TerminalEventDate, &classes); err != nil {
			return nil, fmt.Errorf("failed to scan %s candidate: %w", entityType, err)
		}
		ref.TenantID = tenant.String
		ref.Classes = []string(classes)
		ref.TerminalEventDate = ref.TerminalEventDate.UTC()
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s candidates: %w", entityType, err)
	}
	return refs, nil
}

// Delete implements enforcement.EntityStore. A row that is already gone
// counts as deleted.
func (s *SQLStore) Delete(ctx context.Context, entityType, entityID string) (err error) {
	stmts, ok := s.sources[entityType]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntityType, entityType)
	}

	ctx, endSpan := tracing.StartDBSpan(ctx, stmts.table, tracing.DBOperationDelete)
	defer func() { endSpan(err) }()

	res, err := s.db.ExecContext(ctx, stmts.delete, entityID)
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", entityType, entityID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to confirm delete of %s %s: %w", entityType, entityID, err)
	}
	if n == 0 {
		s.logger.WarnContext(ctx, "entity already absent at delete",
			"entity_type", entityType,
			"entity_id", entityID)
	}
	return nil
}
