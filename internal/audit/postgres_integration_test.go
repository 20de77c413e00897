//go:build integration

package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/northstar-lms/custodian/internal/db/dbtest"
)

func TestPostgresStore_AppendAndValidate(t *testing.T) {
	conn := dbtest.New(t)
	store := NewPostgresStore(conn, newTestLogger())
	ledger := newTestLedger(store)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := ledger.Append(ctx, "oakland", entry("Update", "stu-1")); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	if _, err := ledger.Append(ctx, "fresno", Entry{EventType: "Update", ActingIdentity: "svc:sync"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	res, err := ledger.ValidateChain(ctx, "oakland", 0, 0)
	if err != nil {
		t.Fatalf("ValidateChain() error = %v", err)
	}
	if !res.Valid || res.Checked != 5 {
		t.Errorf("ValidateChain() = %+v, want 5 valid records", res)
	}

	res, err = ledger.ValidateChain(ctx, "oakland", 3, 4)
	if err != nil || !res.Valid || res.Checked != 2 {
		t.Errorf("ValidateChain(3,4) = %+v, %v", res, err)
	}

	scopes, err := ledger.Scopes(ctx)
	if err != nil {
		t.Fatalf("Scopes() error = %v", err)
	}
	if len(scopes) != 2 || scopes[0] != "fresno" || scopes[1] != "oakland" {
		t.Errorf("Scopes() = %v", scopes)
	}

	recs, err := ledger.QueryByEntity(ctx, "Student", "stu-1", 2)
	if err != nil {
		t.Fatalf("QueryByEntity() error = %v", err)
	}
	if len(recs) != 2 || recs[0].Sequence != 5 {
		t.Errorf("QueryByEntity() returned %d records, first seq %d", len(recs), recs[0].Sequence)
	}
}

func TestPostgresStore_DuplicateSequenceIsConflict(t *testing.T) {
	conn := dbtest.New(t)
	store := NewPostgresStore(conn, newTestLogger())
	ledger := newTestLedger(store)
	ctx := context.Background()

	rec, err := ledger.Append(ctx, "oakland", entry("Update", "stu-1"))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	dup := rec.Clone()
	dup.ID = "4b0d7f8e-2f8c-4d52-9b8e-0f3f2d6f5a11"
	if err := store.Insert(ctx, dup); !errors.Is(err, ErrSequenceConflict) {
		t.Errorf("Insert(duplicate sequence) error = %v, want ErrSequenceConflict", err)
	}

	found, err := store.FindByID(ctx, "oakland", rec.ID)
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if found.Hash != rec.Hash || !found.Timestamp.Equal(rec.Timestamp) {
		t.Errorf("FindByID() = %+v, want %+v", found, rec)
	}
	if _, err := store.FindByID(ctx, "oakland", "00000000-0000-0000-0000-000000000000"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("FindByID(missing) error = %v, want ErrRecordNotFound", err)
	}
}

func TestPostgresStore_RejectsMutation(t *testing.T) {
	conn := dbtest.New(t)
	store := NewPostgresStore(conn, newTestLogger())
	ledger := newTestLedger(store)
	ctx := context.Background()

	if _, err := ledger.Append(ctx, "oakland", entry("Update", "stu-1")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	if _, err := conn.ExecContext(ctx, `UPDATE audit_records SET acting_identity = 'user:intruder'`); err == nil {
		t.Error("UPDATE on audit_records should be rejected")
	}
	if _, err := conn.ExecContext(ctx, `DELETE FROM audit_records`); err == nil {
		t.Error("DELETE on audit_records should be rejected")
	}
}
