//go:build integration

// Package dbtest provisions a migrated PostgreSQL database for integration tests.
//
// When DATABASE_URL is set it is used directly; otherwise a throwaway
// PostgreSQL container is started with testcontainers.
package dbtest

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/northstar-lms/custodian/internal/db"
)

// New returns a migrated, empty database. Tables are truncated before the
// test and the connection is closed when the test ends.
func New(t *testing.T) *sql.DB {
	t.Helper()

	ctx := context.Background()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbURL = startContainer(t, ctx)
	}

	if err := db.MigrateToLatest(dbURL, nil); err != nil {
		t.Fatalf("MigrateToLatest() error = %v", err)
	}

	conn, err := db.Open(ctx, dbURL)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	// TRUNCATE does not fire the append-only row trigger.
	if _, err := conn.ExecContext(ctx, `TRUNCATE audit_records, retention_policies, legal_holds`); err != nil {
		t.Fatalf("failed to truncate tables: %v", err)
	}
	return conn
}

func startContainer(t *testing.T, ctx context.Context) string {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

	ctr, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("custodian_test"),
		postgres.WithUsername("custodian"),
		postgres.WithPassword("custodian"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("PostgreSQL container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(ctr); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	connStr, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}
	return connStr
}
