package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/northstar-lms/custodian/internal/archive"
	"github.com/northstar-lms/custodian/internal/audit"
	"github.com/northstar-lms/custodian/internal/auth"
	"github.com/northstar-lms/custodian/internal/legalhold"
	"github.com/northstar-lms/custodian/internal/retention"
)

// fakeGovernance records the arguments of the last call and returns the
// configured result.
type fakeGovernance struct {
	err error

	placeReq     legalhold.PlaceRequest
	placeResult  *legalhold.PlaceResult
	releaseArgs  []string
	renewExpiry  time.Time
	change       *legalhold.ChangeResult
	hold         *legalhold.Hold
	holds        []*legalhold.Hold
	listArgs     []string
	policyReq    retention.CreatePolicyRequest
	policyChange *retention.PolicyChange
	resolveAttrs retention.EntityAttributes
	effective    *retention.EffectivePolicy
	rangeArgs    []int64
	validation   *audit.ValidationResult
	segment      *audit.Segment
	historyLimit int
	records      []*audit.Record
	archived     *archive.Result
	recordScope  string
	recorded     audit.Entry
	record       *audit.Record
}

func (f *fakeGovernance) PlaceHold(ctx context.Context, id auth.Identity, req legalhold.PlaceRequest) (*legalhold.PlaceResult, error) {
	f.placeReq = req
	return f.placeResult, f.err
}

func (f *fakeGovernance) ReleaseHold(ctx context.Context, id auth.Identity, holdID, reason string) (*legalhold.ChangeResult, error) {
	f.releaseArgs = []string{holdID, reason}
	return f.change, f.err
}

func (f *fakeGovernance) RenewHold(ctx context.Context, id auth.Identity, holdID string, newExpiry time.Time) (*legalhold.ChangeResult, error) {
	f.renewExpiry = newExpiry
	return f.change, f.err
}

func (f *fakeGovernance) GetHold(ctx context.Context, id auth.Identity, holdID string) (*legalhold.Hold, error) {
	return f.hold, f.err
}

func (f *fakeGovernance) ListHolds(ctx context.Context, id auth.Identity, tenantID, entityType, entityID string) ([]*legalhold.Hold, error) {
	f.listArgs = []string{tenantID, entityType, entityID}
	return f.holds, f.err
}

func (f *fakeGovernance) CreatePolicy(ctx context.Context, id auth.Identity, req retention.CreatePolicyRequest) (*retention.PolicyChange, error) {
	f.policyReq = req
	return f.policyChange, f.err
}

func (f *fakeGovernance) ResolvePolicy(ctx context.Context, id auth.Identity, entityType string, attrs retention.EntityAttributes) (*retention.EffectivePolicy, error) {
	f.resolveAttrs = attrs
	return f.effective, f.err
}

func (f *fakeGovernance) VerifyLedger(ctx context.Context, id auth.Identity, scope string, from, to int64) (*audit.ValidationResult, error) {
	f.rangeArgs = []int64{from, to}
	return f.validation, f.err
}

func (f *fakeGovernance) ExportLedger(ctx context.Context, id auth.Identity, scope string, from, to int64) (*audit.Segment, error) {
	f.rangeArgs = []int64{from, to}
	return f.segment, f.err
}

func (f *fakeGovernance) EntityHistory(ctx context.Context, id auth.Identity, entityType, entityID string, limit int) ([]*audit.Record, error) {
	f.historyLimit = limit
	return f.records, f.err
}

func (f *fakeGovernance) ArchiveSegment(ctx context.Context, id auth.Identity, scope string, from, to int64) (*archive.Result, error) {
	f.rangeArgs = []int64{from, to}
	return f.archived, f.err
}

func (f *fakeGovernance) RecordLedgerEvent(ctx context.Context, id auth.Identity, scope string, entry audit.Entry) (*audit.Record, error) {
	f.recordScope = scope
	f.recorded = entry
	return f.record, f.err
}

var counsel = auth.Identity{Subject: "counsel-1", Role: auth.RoleLegalCounsel, Scope: auth.PlatformScope()}

// newRequest builds a request carrying counsel's identity.
func newRequest(method, target string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			_ = json.NewEncoder(&buf).Encode(body)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	return req.WithContext(auth.WithIdentity(req.Context(), counsel))
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse error response: %v, body: %s", err, w.Body.String())
	}
	return resp
}

func TestPlaceHold(t *testing.T) {
	hold := &legalhold.Hold{ID: "hold-1", EntityType: "student", EntityID: "s-1", Status: legalhold.StatusActive}

	tests := []struct {
		name       string
		outcome    legalhold.Outcome
		wantStatus int
	}{
		{"placed", legalhold.OutcomePlaced, http.StatusCreated},
		{"overridden", legalhold.OutcomeOverridden, http.StatusCreated},
		{"merged", legalhold.OutcomeMerged, http.StatusOK},
		{"escalated", legalhold.OutcomeEscalated, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeGovernance{placeResult: &legalhold.PlaceResult{Outcome: tt.outcome, Hold: hold}}
			h := NewGovernanceHandlers(svc)

			req := newRequest(http.MethodPost, "/v1/holds", PlaceHoldRequest{
				EntityType:    " student ",
				EntityID:      "s-1",
				TenantID:      "district-9",
				CaseReference: "CASE-1",
				Reason:        "litigation",
				Resolution:    "merge",
			})
			w := httptest.NewRecorder()

			h.PlaceHold(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			var resp PlaceHoldResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("failed to parse response: %v", err)
			}
			if resp.Outcome != tt.outcome || resp.Hold == nil || resp.Hold.ID != "hold-1" {
				t.Errorf("unexpected response %+v", resp)
			}
			if svc.placeReq.EntityType != "student" {
				t.Errorf("entity type = %q, want trimmed %q", svc.placeReq.EntityType, "student")
			}
			if svc.placeReq.Resolution != legalhold.ResolutionMerge {
				t.Errorf("resolution = %q, want merge", svc.placeReq.Resolution)
			}
		})
	}
}

func TestPlaceHold_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		err        error
		wantStatus int
		wantCode   string
	}{
		{"malformed json", `{"entity_type":`, nil, http.StatusBadRequest, ErrCodeBadRequest},
		{"unknown field", `{"entity_type":"student","owner":"x"}`, nil, http.StatusBadRequest, ErrCodeBadRequest},
		{"bad resolution", PlaceHoldRequest{EntityType: "student", Resolution: "ignore"}, nil, http.StatusBadRequest, ErrCodeValidation},
		{
			"conflict",
			PlaceHoldRequest{EntityType: "student", EntityID: "s-1"},
			&legalhold.ConflictError{EntityType: "student", EntityID: "s-1", ExistingHoldID: "hold-0", ExistingCaseReference: "CASE-0"},
			http.StatusConflict,
			ErrCodeHoldConflict,
		},
		{"forbidden", PlaceHoldRequest{EntityType: "student"}, auth.ErrForbidden, http.StatusForbidden, ErrCodeForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewGovernanceHandlers(&fakeGovernance{err: tt.err})
			w := httptest.NewRecorder()

			h.PlaceHold(w, newRequest(http.MethodPost, "/v1/holds", tt.body))

			if w.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			if resp := decodeError(t, w); resp.Error.Code != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, resp.Error.Code)
			}
		})
	}
}

func TestPlaceHold_RequiresIdentity(t *testing.T) {
	h := NewGovernanceHandlers(&fakeGovernance{})
	req := httptest.NewRequest(http.MethodPost, "/v1/holds", strings.NewReader(`{}`))
	w := httptest.NewRecorder()

	h.PlaceHold(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", w.Code)
	}
}

func TestReleaseHold(t *testing.T) {
	released := &legalhold.Hold{ID: "hold-1", Status: legalhold.StatusReleased}
	svc := &fakeGovernance{change: &legalhold.ChangeResult{Hold: released}}
	h := NewGovernanceHandlers(svc)

	req := newRequest(http.MethodPost, "/v1/holds/hold-1/release", ReleaseHoldRequest{Reason: "case settled"})
	req.SetPathValue("id", "hold-1")
	w := httptest.NewRecorder()

	h.ReleaseHold(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if svc.releaseArgs[0] != "hold-1" || svc.releaseArgs[1] != "case settled" {
		t.Errorf("release args = %v", svc.releaseArgs)
	}
}

func TestReleaseHold_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       ReleaseHoldRequest
		err        error
		wantStatus int
	}{
		{"missing reason", ReleaseHoldRequest{Reason: "  "}, nil, http.StatusBadRequest},
		{"not found", ReleaseHoldRequest{Reason: "done"}, legalhold.ErrHoldNotFound, http.StatusNotFound},
		{"already released", ReleaseHoldRequest{Reason: "done"}, legalhold.ErrHoldNotActive, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewGovernanceHandlers(&fakeGovernance{err: tt.err})
			req := newRequest(http.MethodPost, "/v1/holds/hold-1/release", tt.body)
			req.SetPathValue("id", "hold-1")
			w := httptest.NewRecorder()

			h.ReleaseHold(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, w.Code)
			}
		})
	}
}

func TestRenewHold(t *testing.T) {
	expiry := time.Date(2027, 6, 1, 0, 0, 0, 0, time.UTC)
	svc := &fakeGovernance{change: &legalhold.ChangeResult{Hold: &legalhold.Hold{ID: "hold-1", ExpiresAt: &expiry}}}
	h := NewGovernanceHandlers(svc)

	req := newRequest(http.MethodPost, "/v1/holds/hold-1/renew", `{"expires_at":"2027-06-01T00:00:00Z"}`)
	req.SetPathValue("id", "hold-1")
	w := httptest.NewRecorder()

	h.RenewHold(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if !svc.renewExpiry.Equal(expiry) {
		t.Errorf("renew expiry = %v, want %v", svc.renewExpiry, expiry)
	}

	w = httptest.NewRecorder()
	req = newRequest(http.MethodPost, "/v1/holds/hold-1/renew", `{}`)
	req.SetPathValue("id", "hold-1")
	h.RenewHold(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing expires_at: expected status 400, got %d", w.Code)
	}
}

func TestListEntityHolds(t *testing.T) {
	svc := &fakeGovernance{}
	h := NewGovernanceHandlers(svc)

	req := newRequest(http.MethodGet, "/v1/entities/student/s-1/holds?tenant_id=district-9", nil)
	req.SetPathValue("type", "student")
	req.SetPathValue("id", "s-1")
	w := httptest.NewRecorder()

	h.ListEntityHolds(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("expected empty JSON array, got %s", w.Body.String())
	}
	if got := strings.Join(svc.listArgs, ","); got != "district-9,student,s-1" {
		t.Errorf("list args = %s", got)
	}

	req = newRequest(http.MethodGet, "/v1/entities/student/s-1/holds", nil)
	w = httptest.NewRecorder()
	h.ListEntityHolds(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing tenant_id: expected status 400, got %d", w.Code)
	}
}

func TestCreatePolicy(t *testing.T) {
	created := &retention.Policy{ID: "pol-2", EntityType: "student", Retention: retention.Period{Years: 7}}
	superseded := &retention.Policy{ID: "pol-1", EntityType: "student", Retention: retention.Period{Years: 5}}
	svc := &fakeGovernance{policyChange: &retention.PolicyChange{Created: created, Superseded: []*retention.Policy{superseded}}}
	h := NewGovernanceHandlers(svc)

	req := newRequest(http.MethodPost, "/v1/policies", `{
		"entity_type": "student",
		"scope": {"kind": "tenant", "tenant_id": "district-9"},
		"retention": "7y",
		"priority": 10,
		"justification": "state records act"
	}`)
	w := httptest.NewRecorder()

	h.CreatePolicy(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	if svc.policyReq.Retention != (retention.Period{Years: 7}) {
		t.Errorf("retention = %+v, want 7y", svc.policyReq.Retention)
	}
	if svc.policyReq.Scope != retention.TenantScope("district-9") {
		t.Errorf("scope = %+v", svc.policyReq.Scope)
	}
	if !svc.policyReq.EffectiveDate.IsZero() {
		t.Errorf("effective date = %v, want zero so the manager defaults it", svc.policyReq.EffectiveDate)
	}

	var resp CreatePolicyResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Policy.ID != "pol-2" || len(resp.Superseded) != 1 || resp.Superseded[0].ID != "pol-1" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestCreatePolicy_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"bad period", `{"entity_type":"student","retention":"7 years"}`, nil, http.StatusBadRequest, ErrCodeValidation},
		{
			"below minimum",
			`{"entity_type":"student","retention":"1y"}`,
			&retention.ValidationError{Field: "retention", Reason: "1y is below 5y", Err: retention.ErrBelowRegulatoryMinimum},
			http.StatusBadRequest,
			ErrCodeBelowMinimum,
		},
		{"unknown type", `{"entity_type":"spaceship","retention":"1y"}`, retention.ErrUnknownEntityType, http.StatusNotFound, ErrCodeUnknownEntityType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewGovernanceHandlers(&fakeGovernance{err: tt.err})
			w := httptest.NewRecorder()

			h.CreatePolicy(w, newRequest(http.MethodPost, "/v1/policies", tt.body))

			if w.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			if resp := decodeError(t, w); resp.Error.Code != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, resp.Error.Code)
			}
		})
	}
}

func TestResolvePolicy(t *testing.T) {
	svc := &fakeGovernance{effective: &retention.EffectivePolicy{EntityType: "student", Retention: retention.Period{Years: 5}}}
	h := NewGovernanceHandlers(svc)

	req := newRequest(http.MethodGet, "/v1/policies/resolve?entity_type=student&entity_id=s-1&tenant_id=d-9&class=special_ed&class=athlete", nil)
	w := httptest.NewRecorder()

	h.ResolvePolicy(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	attrs := svc.resolveAttrs
	if attrs.EntityID != "s-1" || attrs.TenantID != "d-9" || len(attrs.Classes) != 2 {
		t.Errorf("attrs = %+v", attrs)
	}

	w = httptest.NewRecorder()
	h.ResolvePolicy(w, newRequest(http.MethodGet, "/v1/policies/resolve", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing entity_type: expected status 400, got %d", w.Code)
	}
}

func TestVerifyLedger(t *testing.T) {
	svc := &fakeGovernance{validation: &audit.ValidationResult{Scope: "district-9", From: 3, To: 9, Checked: 7, Valid: true}}
	h := NewGovernanceHandlers(svc)

	req := newRequest(http.MethodGet, "/v1/ledger/district-9/verify?from=3&to=9", nil)
	req.SetPathValue("scope", "district-9")
	w := httptest.NewRecorder()

	h.VerifyLedger(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if svc.rangeArgs[0] != 3 || svc.rangeArgs[1] != 9 {
		t.Errorf("range = %v, want [3 9]", svc.rangeArgs)
	}

	w = httptest.NewRecorder()
	req = newRequest(http.MethodGet, "/v1/ledger/district-9/verify?from=abc", nil)
	h.VerifyLedger(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad from: expected status 400, got %d", w.Code)
	}
}

func TestExportLedger(t *testing.T) {
	seg := &audit.Segment{
		Scope: "district-9",
		From:  1,
		To:    1,
		Records: []*audit.Record{{
			ID:        "rec-1",
			Scope:     "district-9",
			Sequence:  1,
			EventType: audit.EventLegalHoldPlaced,
			Changes:   map[string]string{"case_reference": "CASE-1"},
		}},
	}

	tests := []struct {
		format      string
		wantType    string
		wantContent string
	}{
		{"", "application/json", `"scope": "district-9"`},
		{"json", "application/json", `"scope": "district-9"`},
		{"csv", "text/csv; charset=utf-8", "rec-1"},
	}

	for _, tt := range tests {
		t.Run("format="+tt.format, func(t *testing.T) {
			h := NewGovernanceHandlers(&fakeGovernance{segment: seg})
			req := newRequest(http.MethodGet, "/v1/ledger/district-9/export?format="+tt.format, nil)
			req.SetPathValue("scope", "district-9")
			w := httptest.NewRecorder()

			h.ExportLedger(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
			}
			if ct := w.Header().Get("Content-Type"); ct != tt.wantType {
				t.Errorf("Content-Type = %q, want %q", ct, tt.wantType)
			}
			if !strings.Contains(w.Body.String(), tt.wantContent) {
				t.Errorf("body does not contain %q: %s", tt.wantContent, w.Body.String())
			}
			if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, "ledger-district-9-1-1") {
				t.Errorf("Content-Disposition = %q", cd)
			}
		})
	}

	h := NewGovernanceHandlers(&fakeGovernance{segment: seg})
	w := httptest.NewRecorder()
	h.ExportLedger(w, newRequest(http.MethodGet, "/v1/ledger/district-9/export?format=xml", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("unsupported format: expected status 400, got %d", w.Code)
	}
}

func TestArchiveLedger(t *testing.T) {
	svc := &fakeGovernance{archived: &archive.Result{Bucket: "ledger", Key: "ledger/district-9/1-5.json", SHA256: "ab", Size: 10, Scope: "district-9", From: 1, To: 5}}
	h := NewGovernanceHandlers(svc)

	req := newRequest(http.MethodPost, "/v1/ledger/district-9/archive?from=1&to=5", nil)
	req.SetPathValue("scope", "district-9")
	w := httptest.NewRecorder()

	h.ArchiveLedger(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp ArchiveResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Key != "ledger/district-9/1-5.json" || resp.To != 5 {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestRecordLedgerEntry(t *testing.T) {
	svc := &fakeGovernance{record: &audit.Record{ID: "7c9e6679-7425-40de-944b-e07fc1f90ae7", Scope: "district-9", Sequence: 4, EventType: "SisRecordImported"}}
	h := NewGovernanceHandlers(svc)

	req := newRequest(http.MethodPost, "/v1/ledger/district-9/records", RecordEntryRequest{
		ID:            "7c9e6679-7425-40de-944b-e07fc1f90ae7",
		EventType:     "SisRecordImported",
		EntityType:    "student",
		EntityID:      "s-1",
		Changes:       map[string]string{"source": "sis"},
		CorrelationID: "import-12",
	})
	req.SetPathValue("scope", "district-9")
	w := httptest.NewRecorder()

	h.RecordLedgerEntry(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	if svc.recordScope != "district-9" || svc.recorded.ID != "7c9e6679-7425-40de-944b-e07fc1f90ae7" ||
		svc.recorded.Changes["source"] != "sis" || svc.recorded.CorrelationID != "import-12" {
		t.Errorf("service got scope %q entry %+v", svc.recordScope, svc.recorded)
	}
	var rec audit.Record
	if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if rec.Sequence != 4 {
		t.Errorf("Sequence = %d, want 4", rec.Sequence)
	}
}

func TestRecordLedgerEntry_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		err        error
		wantStatus int
		wantCode   string
	}{
		{"missing id", RecordEntryRequest{EventType: "SisRecordImported"}, nil, http.StatusBadRequest, ErrCodeValidation},
		{"missing event type", RecordEntryRequest{ID: "7c9e6679-7425-40de-944b-e07fc1f90ae7"}, nil, http.StatusBadRequest, ErrCodeValidation},
		{"unknown field", `{"id":"x","event_type":"E","sequence":9}`, nil, http.StatusBadRequest, ErrCodeBadRequest},
		{"forbidden", RecordEntryRequest{ID: "7c9e6679-7425-40de-944b-e07fc1f90ae7", EventType: "E"}, auth.ErrForbidden, http.StatusForbidden, ErrCodeForbidden},
		{"invalid entry", RecordEntryRequest{ID: "not-a-uuid", EventType: "E"}, audit.ErrInvalidEntry, http.StatusBadRequest, ErrCodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewGovernanceHandlers(&fakeGovernance{err: tt.err})
			req := newRequest(http.MethodPost, "/v1/ledger/district-9/records", tt.body)
			req.SetPathValue("scope", "district-9")
			w := httptest.NewRecorder()

			h.RecordLedgerEntry(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, w.Code)
			}
			if resp := decodeError(t, w); resp.Error.Code != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, resp.Error.Code)
			}
		})
	}
}

func TestEntityHistory_Limit(t *testing.T) {
	tests := []struct {
		query      string
		wantStatus int
		wantLimit  int
	}{
		{"", http.StatusOK, DefaultHistoryLimit},
		{"?limit=10", http.StatusOK, 10},
		{"?limit=100000", http.StatusOK, MaxHistoryLimit},
		{"?limit=0", http.StatusBadRequest, 0},
		{"?limit=ten", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			svc := &fakeGovernance{}
			h := NewGovernanceHandlers(svc)
			req := newRequest(http.MethodGet, "/v1/entities/student/s-1/history"+tt.query, nil)
			req.SetPathValue("type", "student")
			req.SetPathValue("id", "s-1")
			w := httptest.NewRecorder()

			h.EntityHistory(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, w.Code)
			}
			if svc.historyLimit != tt.wantLimit {
				t.Errorf("limit = %d, want %d", svc.historyLimit, tt.wantLimit)
			}
			if tt.wantStatus == http.StatusOK && !strings.Contains(w.Body.String(), `"records":[]`) {
				t.Errorf("expected empty records array, got %s", w.Body.String())
			}
		})
	}
}
