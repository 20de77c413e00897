package legalhold

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/northstar-lms/custodian/internal/audit"
)

var testNow = time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testClock is a settable clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(store Store) (*Registry, *testClock) {
	clock := &testClock{now: testNow}
	return NewRegistry(store, RegistryConfig{Logger: newTestLogger(), Clock: clock.Now}), clock
}

func placeRequest(caseRef string) PlaceRequest {
	return PlaceRequest{
		EntityType:    "Student",
		EntityID:      "stu-1",
		TenantID:      "oakland",
		CaseReference: caseRef,
		Reason:        "litigation",
		AuthorizedBy:  "user:counsel",
	}
}

func ptr(t time.Time) *time.Time { return &t }

func TestPlace_Validation(t *testing.T) {
	registry, _ := newTestRegistry(NewInMemoryStore())

	tests := []struct {
		name   string
		mutate func(*PlaceRequest)
	}{
		{"missing entity type", func(r *PlaceRequest) { r.EntityType = "" }},
		{"missing entity id", func(r *PlaceRequest) { r.EntityID = " " }},
		{"missing case reference", func(r *PlaceRequest) { r.CaseReference = "" }},
		{"missing reason", func(r *PlaceRequest) { r.Reason = "" }},
		{"missing authorizer", func(r *PlaceRequest) { r.AuthorizedBy = "" }},
		{"expiry in the past", func(r *PlaceRequest) { r.ExpiresAt = ptr(testNow.Add(-time.Hour)) }},
		{"expiry now", func(r *PlaceRequest) { r.ExpiresAt = ptr(testNow) }},
		{"unknown resolution", func(r *PlaceRequest) { r.Resolution = "ignore" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := placeRequest("CASE-1")
			tt.mutate(&req)
			if _, err := registry.Place(context.Background(), req); !errors.Is(err, ErrInvalidHold) {
				t.Errorf("Place() error = %v, want ErrInvalidHold", err)
			}
		})
	}
}

func TestPlace_CreatesActiveHold(t *testing.T) {
	registry, _ := newTestRegistry(NewInMemoryStore())
	ctx := context.Background()

	req := placeRequest("CASE-1")
	req.ExpiresAt = ptr(testNow.AddDate(0, 6, 0))
	res, err := registry.Place(ctx, req)
	if err != nil {
		t.Fatalf("Place() error = %v", err)
	}
	if res.Outcome != OutcomePlaced || res.Hold.Status != StatusActive || !res.Hold.HoldDate.Equal(testNow) {
		t.Errorf("Place() = %+v", res)
	}

	held, err := registry.IsActivelyHeld(ctx, "Student", "stu-1")
	if err != nil || !held {
		t.Errorf("IsActivelyHeld() = %v, %v, want true", held, err)
	}
	if held, _ := registry.IsActivelyHeld(ctx, "Student", "stu-2"); held {
		t.Error("other entity should not be held")
	}

	if len(res.Events) != 1 {
		t.Fatalf("Events = %d, want 1", len(res.Events))
	}
	ev := res.Events[0]
	if ev.Scope != "oakland" || ev.Entry.EventType != audit.EventLegalHoldPlaced || ev.Entry.EntityID != "stu-1" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Entry.Changes["hold_id"] != res.Hold.ID || ev.Entry.ActingIdentity != "user:counsel" {
		t.Errorf("event entry = %+v", ev.Entry)
	}
}

func TestPlace_ConflictWithoutResolution(t *testing.T) {
	store := NewInMemoryStore()
	registry, _ := newTestRegistry(store)
	ctx := context.Background()

	first, err := registry.Place(ctx, placeRequest("CASE-1"))
	if err != nil {
		t.Fatalf("Place() error = %v", err)
	}

	_, err = registry.Place(ctx, placeRequest("CASE-2"))
	if !errors.Is(err, ErrHoldConflict) {
		t.Fatalf("second Place() error = %v, want ErrHoldConflict", err)
	}
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("error %T is not *ConflictError", err)
	}
	if conflict.ExistingHoldID != first.Hold.ID || conflict.ExistingCaseReference != "CASE-1" {
		t.Errorf("conflict = %+v", conflict)
	}

	holds, _ := store.ListForEntity(ctx, "Student", "stu-1")
	if len(holds) != 1 {
		t.Errorf("entity has %d holds, want 1", len(holds))
	}
}

// racingStore reports no active hold so Place reaches Create, which then
// hits the uniqueness check.
type racingStore struct {
	*InMemoryStore
	hide bool
}

func (s *racingStore) ActiveFor(ctx context.Context, entityType, entityID string) (*Hold, error) {
	if s.hide {
		s.hide = false
		return nil, nil
	}
	return s.InMemoryStore.ActiveFor(ctx, entityType, entityID)
}

func TestPlace_ConcurrentPlacementSurfacesConflict(t *testing.T) {
	store := &racingStore{InMemoryStore: NewInMemoryStore()}
	registry, _ := newTestRegistry(store)
	ctx := context.Background()

	first, err := registry.Place(ctx, placeRequest("CASE-1"))
	if err != nil {
		t.Fatalf("Place() error = %v", err)
	}
	store.hide = true

	_, err = registry.Place(ctx, placeRequest("CASE-2"))
	var conflict *ConflictError
	if !errors.As(err, &conflict) || conflict.ExistingHoldID != first.Hold.ID {
		t.Errorf("Place() error = %v, want conflict with %s", err, first.Hold.ID)
	}
}

func TestPlace_Merge(t *testing.T) {
	registry, _ := newTestRegistry(NewInMemoryStore())
	ctx := context.Background()

	req := placeRequest("CASE-1")
	req.ExpiresAt = ptr(testNow.AddDate(0, 3, 0))
	first, err := registry.Place(ctx, req)
	if err != nil {
		t.Fatalf("Place() error = %v", err)
	}

	merge := placeRequest("CASE-2")
	merge.ExpiresAt = ptr(testNow.AddDate(1, 0, 0))
	merge.Resolution = ResolutionMerge
	res, err := registry.Place(ctx, merge)
	if err != nil {
		t.Fatalf("Place(merge) error = %v", err)
	}
	if res.Outcome != OutcomeMerged || res.Hold.ID != first.Hold.ID {
		t.Fatalf("merge result = %+v", res)
	}
	if got := res.Hold.CaseReferences(); len(got) != 2 || got[1] != "CASE-2" {
		t.Errorf("CaseReferences() = %v", got)
	}
	if !res.Hold.ExpiresAt.Equal(testNow.AddDate(1, 0, 0)) {
		t.Errorf("ExpiresAt = %v, want later expiry", res.Hold.ExpiresAt)
	}
	if res.Events[0].Entry.EventType != audit.EventLegalHoldMerged {
		t.Errorf("event = %s", res.Events[0].Entry.EventType)
	}

	// Merging the same case again does not duplicate it; no expiry clears it.
	again := placeRequest("CASE-2")
	again.Resolution = ResolutionMerge
	res, err = registry.Place(ctx, again)
	if err != nil {
		t.Fatalf("Place(merge again) error = %v", err)
	}
	if len(res.Hold.MergedCaseReferences) != 1 || res.Hold.ExpiresAt != nil {
		t.Errorf("hold after second merge = %+v", res.Hold)
	}
}

func TestPlace_Escalate(t *testing.T) {
	store := NewInMemoryStore()
	registry, _ := newTestRegistry(store)
	ctx := context.Background()

	first, err := registry.Place(ctx, placeRequest("CASE-1"))
	if err != nil {
		t.Fatalf("Place() error = %v", err)
	}

	req := placeRequest("CASE-2")
	req.Resolution = ResolutionEscalate
	res, err := registry.Place(ctx, req)
	if err != nil {
		t.Fatalf("Place(escalate) error = %v", err)
	}
	if res.Outcome != OutcomeEscalated || res.Hold.ID != first.Hold.ID || !res.Hold.Escalated {
		t.Errorf("escalate result = %+v", res)
	}
	if res.Hold.CaseReference != "CASE-1" || len(res.Hold.MergedCaseReferences) != 0 {
		t.Errorf("escalation changed the hold's cases: %+v", res.Hold)
	}
	if res.Events[0].Entry.Changes["requested_case_reference"] != "CASE-2" {
		t.Errorf("event changes = %v", res.Events[0].Entry.Changes)
	}
	holds, _ := store.ListForEntity(ctx, "Student", "stu-1")
	if len(holds) != 1 {
		t.Errorf("entity has %d holds, want 1", len(holds))
	}
}

func TestPlace_Override(t *testing.T) {
	store := NewInMemoryStore()
	registry, _ := newTestRegistry(store)
	ctx := context.Background()

	first, err := registry.Place(ctx, placeRequest("CASE-1"))
	if err != nil {
		t.Fatalf("Place() error = %v", err)
	}

	req := placeRequest("CASE-2")
	req.Resolution = ResolutionOverride
	req.AuthorizedBy = "user:general-counsel"
	res, err := registry.Place(ctx, req)
	if err != nil {
		t.Fatalf("Place(override) error = %v", err)
	}
	if res.Outcome != OutcomeOverridden || res.Released.ID != first.Hold.ID || res.Hold.ID == first.Hold.ID {
		t.Fatalf("override result = %+v", res)
	}

	old, _ := store.Get(ctx, first.Hold.ID)
	if old.Status != StatusReleased || old.ReleaseReason != "overridden by case CASE-2" || old.ReleasedBy != "user:general-counsel" {
		t.Errorf("overridden hold = %+v", old)
	}
	active, _ := store.ActiveFor(ctx, "Student", "stu-1")
	if active == nil || active.ID != res.Hold.ID {
		t.Errorf("active hold = %+v, want %s", active, res.Hold.ID)
	}

	if len(res.Events) != 2 ||
		res.Events[0].Entry.EventType != audit.EventLegalHoldReleased ||
		res.Events[1].Entry.EventType != audit.EventLegalHoldPlaced {
		t.Errorf("events = %+v", res.Events)
	}
	if res.Events[0].Entry.CorrelationID != res.Events[1].Entry.CorrelationID {
		t.Error("override events should share a correlation id")
	}
}

func TestRelease(t *testing.T) {
	registry, clock := newTestRegistry(NewInMemoryStore())
	ctx := context.Background()

	placed, err := registry.Place(ctx, placeRequest("CASE-1"))
	if err != nil {
		t.Fatalf("Place() error = %v", err)
	}

	if _, err := registry.Release(ctx, placed.Hold.ID, "", "user:counsel"); !errors.Is(err, ErrInvalidHold) {
		t.Errorf("Release() without reason error = %v, want ErrInvalidHold", err)
	}
	if _, err := registry.Release(ctx, "missing", "settled", "user:counsel"); !errors.Is(err, ErrHoldNotFound) {
		t.Errorf("Release(missing) error = %v, want ErrHoldNotFound", err)
	}

	clock.Advance(time.Hour)
	res, err := registry.Release(ctx, placed.Hold.ID, "case settled", "user:counsel")
	if err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if res.Hold.Status != StatusReleased || !res.Hold.ReleasedAt.Equal(testNow.Add(time.Hour)) {
		t.Errorf("released hold = %+v", res.Hold)
	}
	if ev := res.Events[0]; ev.Entry.EventType != audit.EventLegalHoldReleased || ev.Entry.Changes["release_reason"] != "case settled" {
		t.Errorf("release event = %+v", ev)
	}

	if held, _ := registry.IsActivelyHeld(ctx, "Student", "stu-1"); held {
		t.Error("entity should not be held after release")
	}
	if _, err := registry.Release(ctx, placed.Hold.ID, "again", "user:counsel"); !errors.Is(err, ErrHoldNotActive) {
		t.Errorf("second Release() error = %v, want ErrHoldNotActive", err)
	}

	// A released entity can be held again.
	if _, err := registry.Place(ctx, placeRequest("CASE-3")); err != nil {
		t.Errorf("Place() after release error = %v", err)
	}
}

func TestRenew(t *testing.T) {
	registry, _ := newTestRegistry(NewInMemoryStore())
	ctx := context.Background()

	req := placeRequest("CASE-1")
	req.ExpiresAt = ptr(testNow.AddDate(0, 1, 0))
	placed, err := registry.Place(ctx, req)
	if err != nil {
		t.Fatalf("Place() error = %v", err)
	}

	if _, err := registry.Renew(ctx, placed.Hold.ID, testNow.Add(-time.Minute), "user:counsel"); !errors.Is(err, ErrInvalidHold) {
		t.Errorf("Renew(past) error = %v, want ErrInvalidHold", err)
	}

	next := testNow.AddDate(0, 6, 0)
	res, err := registry.Renew(ctx, placed.Hold.ID, next, "user:counsel")
	if err != nil {
		t.Fatalf("Renew() error = %v", err)
	}
	if !res.Hold.ExpiresAt.Equal(next) || res.Events[0].Entry.EventType != audit.EventLegalHoldRenewed {
		t.Errorf("Renew() = %+v", res)
	}

	if _, err := registry.Release(ctx, placed.Hold.ID, "done", "user:counsel"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := registry.Renew(ctx, placed.Hold.ID, next, "user:counsel"); !errors.Is(err, ErrHoldNotActive) {
		t.Errorf("Renew(released) error = %v, want ErrHoldNotActive", err)
	}
}

func TestExpireDue(t *testing.T) {
	store := NewInMemoryStore()
	registry, clock := newTestRegistry(store)
	ctx := context.Background()

	for i, days := range []int{10, 20, 90} {
		req := placeRequest("CASE")
		req.EntityID = []string{"stu-a", "stu-b", "stu-c"}[i]
		req.ExpiresAt = ptr(testNow.AddDate(0, 0, days))
		if _, err := registry.Place(ctx, req); err != nil {
			t.Fatalf("Place() error = %v", err)
		}
	}
	noExpiry := placeRequest("CASE")
	noExpiry.EntityID = "stu-d"
	if _, err := registry.Place(ctx, noExpiry); err != nil {
		t.Fatalf("Place() error = %v", err)
	}

	clock.Advance(15 * 24 * time.Hour)
	now := clock.Now()

	// Past its review date but not yet swept: still held.
	if held, _ := registry.IsActivelyHeld(ctx, "Student", "stu-a"); !held {
		t.Error("lapsed hold should count until ExpireDue runs")
	}

	review, err := registry.DueForReview(ctx, now, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("DueForReview() error = %v", err)
	}
	if len(review) != 1 || review[0].EntityID != "stu-b" {
		t.Errorf("DueForReview() = %+v, want stu-b", review)
	}

	expired, err := registry.ExpireDue(ctx, now)
	if err != nil {
		t.Fatalf("ExpireDue() error = %v", err)
	}
	if len(expired) != 1 || expired[0].EntityID != "stu-a" || expired[0].Status != StatusExpired {
		t.Fatalf("ExpireDue() = %+v, want stu-a", expired)
	}
	if held, _ := registry.IsActivelyHeld(ctx, "Student", "stu-a"); held {
		t.Error("expired hold should no longer count")
	}

	again, err := registry.ExpireDue(ctx, now)
	if err != nil || len(again) != 0 {
		t.Errorf("second ExpireDue() = %+v, %v, want none", again, err)
	}

	events := ExpiredEvents(expired, "system:retention", "cycle-1")
	if len(events) != 1 || events[0].Entry.EventType != audit.EventLegalHoldExpired ||
		events[0].Entry.CorrelationID != "cycle-1" || events[0].Scope != "oakland" {
		t.Errorf("ExpiredEvents() = %+v", events)
	}

	recent, err := registry.ExpiredSince(ctx, now, 10*24*time.Hour)
	if err != nil {
		t.Fatalf("ExpiredSince() error = %v", err)
	}
	if len(recent) != 1 || recent[0].ID != expired[0].ID {
		t.Errorf("ExpiredSince() = %+v, want stu-a", recent)
	}
	if old, _ := registry.ExpiredSince(ctx, now, 24*time.Hour); len(old) != 0 {
		t.Errorf("ExpiredSince(1d) = %+v, want none", old)
	}
}

func TestExpiredEvents_StableIDs(t *testing.T) {
	h := &Hold{ID: "hold-1", EntityType: "Student", EntityID: "stu-a", CaseReference: "CASE"}
	other := &Hold{ID: "hold-2", EntityType: "Student", EntityID: "stu-b", CaseReference: "CASE"}

	first := ExpiredEvents([]*Hold{h, other, h}, "system:retention", "cycle-1")
	second := ExpiredEvents([]*Hold{h}, "system:retention", "cycle-2")

	if len(first) != 2 {
		t.Fatalf("ExpiredEvents() = %d events, want 2 after dedup", len(first))
	}
	if first[0].Entry.ID != second[0].Entry.ID || first[0].Entry.ID != ExpiredEventID("hold-1") {
		t.Errorf("expiry entry IDs differ across cycles: %s vs %s", first[0].Entry.ID, second[0].Entry.ID)
	}
	if first[0].Entry.ID == first[1].Entry.ID {
		t.Error("distinct holds share an expiry entry ID")
	}
}

func TestHold_LedgerScope(t *testing.T) {
	if got := (&Hold{}).LedgerScope(); got != audit.ScopePlatform {
		t.Errorf("LedgerScope() = %q, want platform", got)
	}
	if got := (&Hold{TenantID: "oakland"}).LedgerScope(); got != "oakland" {
		t.Errorf("LedgerScope() = %q, want oakland", got)
	}
}
