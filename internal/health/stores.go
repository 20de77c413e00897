// Package health provides the readiness checks of the custodian server.
package health

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrSchemaMissing means the migrations table does not exist or is empty.
	ErrSchemaMissing = errors.New("database schema not migrated")
	// ErrSchemaDirty means a migration failed part way and needs manual repair.
	ErrSchemaDirty = errors.New("database schema migration is dirty")
)

// DBChecker checks the Postgres store holding the ledger, policies and holds.
type DBChecker struct {
	db *sql.DB
}

func NewDBChecker(db *sql.DB) *DBChecker {
	return &DBChecker{db: db}
}

// HealthCheck pings the database and confirms the schema was migrated
// cleanly. Appending to a half-migrated ledger could fail mid-operation.
func (d *DBChecker) HealthCheck(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return err
	}

	var version int64
	var dirty bool
	err := d.db.QueryRowContext(ctx, `SELECT version, dirty FROM schema_migrations LIMIT 1`).Scan(&version, &dirty)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrSchemaMissing
	case err != nil:
		return fmt.Errorf("%w: %v", ErrSchemaMissing, err)
	case dirty:
		return fmt.Errorf("%w at version %d", ErrSchemaDirty, version)
	}
	return nil
}

// RedisChecker checks the Redis instance holding rate limit counters and the
// enforcement lease.
type RedisChecker struct {
	client redis.UniversalClient
}

func NewRedisChecker(client redis.UniversalClient) *RedisChecker {
	return &RedisChecker{client: client}
}

func (r *RedisChecker) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
