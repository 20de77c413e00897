package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/northstar-lms/custodian/internal/archive"
	"github.com/northstar-lms/custodian/internal/audit"
	"github.com/northstar-lms/custodian/internal/auth"
	"github.com/northstar-lms/custodian/internal/legalhold"
	"github.com/northstar-lms/custodian/internal/middleware"
	"github.com/northstar-lms/custodian/internal/retention"
)

// Entity history page size limits.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// Governance is the administrative service the handlers call.
type Governance interface {
	PlaceHold(ctx context.Context, id auth.Identity, req legalhold.PlaceRequest) (*legalhold.PlaceResult, error)
	ReleaseHold(ctx context.Context, id auth.Identity, holdID, reason string) (*legalhold.ChangeResult, error)
	RenewHold(ctx context.Context, id auth.Identity, holdID string, newExpiry time.Time) (*legalhold.ChangeResult, error)
	GetHold(ctx context.Context, id auth.Identity, holdID string) (*legalhold.Hold, error)
	ListHolds(ctx context.Context, id auth.Identity, tenantID, entityType, entityID string) ([]*legalhold.Hold, error)
	CreatePolicy(ctx context.Context, id auth.Identity, req retention.CreatePolicyRequest) (*retention.PolicyChange, error)
	ResolvePolicy(ctx context.Context, id auth.Identity, entityType string, attrs retention.EntityAttributes) (*retention.EffectivePolicy, error)
	VerifyLedger(ctx context.Context, id auth.Identity, scope string, from, to int64) (*audit.ValidationResult, error)
	ExportLedger(ctx context.Context, id auth.Identity, scope string, from, to int64) (*audit.Segment, error)
	EntityHistory(ctx context.Context, id auth.Identity, entityType, entityID string, limit int) ([]*audit.Record, error)
	ArchiveSegment(ctx context.Context, id auth.Identity, scope string, from, to int64) (*archive.Result, error)
	RecordLedgerEvent(ctx context.Context, id auth.Identity, scope string, entry audit.Entry) (*audit.Record, error)
}

// GovernanceHandlers serves the legal hold, retention policy and ledger endpoints.
type GovernanceHandlers struct {
	service Governance
}

// NewGovernanceHandlers creates a new GovernanceHandlers instance.
func NewGovernanceHandlers(service Governance) *GovernanceHandlers {
	return &GovernanceHandlers{service: service}
}

// PlaceHoldRequest is the body of POST /v1/holds.
type PlaceHoldRequest struct {
	EntityType    string     `json:"entity_type"`
	EntityID      string     `json:"entity_id"`
	TenantID      string     `json:"tenant_id"`
	CaseReference string     `json:"case_reference"`
	Reason        string     `json:"reason"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	// Resolution is one of "", "merge", "escalate" or "override".
	Resolution string `json:"resolution,omitempty"`
}

// PlaceHoldResponse reports what a placement did.
type PlaceHoldResponse struct {
	Outcome  legalhold.Outcome `json:"outcome"`
	Hold     *legalhold.Hold   `json:"hold"`
	Released *legalhold.Hold   `json:"released,omitempty"`
}

// ReleaseHoldRequest is the body of POST /v1/holds/{id}/release.
type ReleaseHoldRequest struct {
	Reason string `json:"reason"`
}

// RenewHoldRequest is the body of POST /v1/holds/{id}/renew.
type RenewHoldRequest struct {
	ExpiresAt time.Time `json:"expires_at"`
}

// CreatePolicyRequest is the body of POST /v1/policies. Retention uses the
// period notation: "7y", "2555d", "7y30d" or "indefinite".
type CreatePolicyRequest struct {
	EntityType    string          `json:"entity_type"`
	Scope         retention.Scope `json:"scope"`
	Retention     string          `json:"retention"`
	Priority      int             `json:"priority"`
	EffectiveDate *time.Time      `json:"effective_date,omitempty"`
	Justification string          `json:"justification"`
	TenantID      string          `json:"tenant_id,omitempty"`
}

// CreatePolicyResponse returns the new policy and the ones it replaced.
type CreatePolicyResponse struct {
	Policy     *retention.Policy   `json:"policy"`
	Superseded []*retention.Policy `json:"superseded,omitempty"`
}

// ArchiveResponse describes an archived segment.
type ArchiveResponse struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	SHA256 string `json:"sha256"`
	Size   int    `json:"size"`
	Scope  string `json:"scope"`
	From   int64  `json:"from"`
	To     int64  `json:"to"`
}

// RecordEntryRequest is the body of POST /v1/ledger/{scope}/records. It has
// the shape of the entries listed in a ledger_incomplete error, so those can
// be replayed as is.
type RecordEntryRequest struct {
	ID             string            `json:"id"`
	EventType      string            `json:"event_type"`
	EntityType     string            `json:"entity_type"`
	EntityID       string            `json:"entity_id"`
	ActingIdentity string            `json:"acting_identity"`
	Changes        map[string]string `json:"changes,omitempty"`
	CorrelationID  string            `json:"correlation_id,omitempty"`
}

// HistoryResponse lists ledger records about one entity, newest first.
type HistoryResponse struct {
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Records    []*audit.Record `json:"records"`
}

// identity returns the authenticated caller. RequireAuth guarantees one on
// /v1 routes, so a miss is reported as an authentication failure.
func identity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		WriteError(w, r.Context(), http.StatusUnauthorized, "auth_required", "Authentication required")
	}
	return id, ok
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON in request body")
		return false
	}
	return true
}

func validationError(w http.ResponseWriter, r *http.Request, msg string) {
	WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, msg)
}

// PlaceHold handles POST /v1/holds.
func (h *GovernanceHandlers) PlaceHold(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	var req PlaceHoldRequest
	if !decodeBody(w, r, &req) {
		return
	}
	resolution := legalhold.Resolution(req.Resolution)
	if !resolution.Valid() {
		validationError(w, r, "resolution must be one of merge, escalate or override")
		return
	}

	res, err := h.service.PlaceHold(r.Context(), id, legalhold.PlaceRequest{
		EntityType:    strings.TrimSpace(req.EntityType),
		EntityID:      strings.TrimSpace(req.EntityID),
		TenantID:      strings.TrimSpace(req.TenantID),
		CaseReference: strings.TrimSpace(req.CaseReference),
		Reason:        req.Reason,
		ExpiresAt:     req.ExpiresAt,
		Resolution:    resolution,
		CorrelationID: middleware.GetRequestID(r.Context()),
	})
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}

	status := http.StatusOK
	if res.Outcome == legalhold.OutcomePlaced || res.Outcome == legalhold.OutcomeOverridden {
		status = http.StatusCreated
	}
	writeJSON(w, r.Context(), status, PlaceHoldResponse{
		Outcome:  res.Outcome,
		Hold:     res.Hold,
		Released: res.Released,
	})
}

// GetHold handles GET /v1/holds/{id}.
func (h *GovernanceHandlers) GetHold(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	hold, err := h.service.GetHold(r.Context(), id, r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, r.Context(), http.StatusOK, hold)
}

// ReleaseHold handles POST /v1/holds/{id}/release.
func (h *GovernanceHandlers) ReleaseHold(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	var req ReleaseHoldRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		validationError(w, r, "reason is required")
		return
	}
	res, err := h.service.ReleaseHold(r.Context(), id, r.PathValue("id"), req.Reason)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, r.Context(), http.StatusOK, res.Hold)
}

// RenewHold handles POST /v1/holds/{id}/renew.
func (h *GovernanceHandlers) RenewHold(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	var req RenewHoldRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ExpiresAt.IsZero() {
		validationError(w, r, "expires_at is required")
		return
	}
	res, err := h.service.RenewHold(r.Context(), id, r.PathValue("id"), req.ExpiresAt)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, r.Context(), http.StatusOK, res.Hold)
}

// ListEntityHolds handles GET /v1/entities/{type}/{id}/holds?tenant_id=.
func (h *GovernanceHandlers) ListEntityHolds(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		validationError(w, r, "tenant_id is required")
		return
	}
	holds, err := h.service.ListHolds(r.Context(), id, tenantID, r.PathValue("type"), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if holds == nil {
		holds = []*legalhold.Hold{}
	}
	writeJSON(w, r.Context(), http.StatusOK, holds)
}

// CreatePolicy handles POST /v1/policies.
func (h *GovernanceHandlers) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	var req CreatePolicyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	period, err := retention.ParsePeriod(req.Retention)
	if err != nil {
		validationError(w, r, err.Error())
		return
	}
	create := retention.CreatePolicyRequest{
		EntityType:    strings.TrimSpace(req.EntityType),
		Scope:         req.Scope,
		Retention:     period,
		Priority:      req.Priority,
		Justification: req.Justification,
		TenantID:      req.TenantID,
		CorrelationID: middleware.GetRequestID(r.Context()),
	}
	if req.EffectiveDate != nil {
		create.EffectiveDate = *req.EffectiveDate
	}

	change, err := h.service.CreatePolicy(r.Context(), id, create)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, r.Context(), http.StatusCreated, CreatePolicyResponse{
		Policy:     change.Created,
		Superseded: change.Superseded,
	})
}

// ResolvePolicy handles
// GET /v1/policies/resolve?entity_type=&entity_id=&tenant_id=&class=.
// class may repeat.
func (h *GovernanceHandlers) ResolvePolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	entityType := q.Get("entity_type")
	if entityType == "" {
		validationError(w, r, "entity_type is required")
		return
	}
	effective, err := h.service.ResolvePolicy(r.Context(), id, entityType, retention.EntityAttributes{
		EntityID: q.Get("entity_id"),
		TenantID: q.Get("tenant_id"),
		Classes:  q["class"],
	})
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, r.Context(), http.StatusOK, effective)
}

// parseRange reads the optional from and to sequence bounds.
func parseRange(r *http.Request) (from, to int64, err error) {
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		if from, err = strconv.ParseInt(v, 10, 64); err != nil {
			return 0, 0, fmt.Errorf("from must be an integer")
		}
	}
	if v := q.Get("to"); v != "" {
		if to, err = strconv.ParseInt(v, 10, 64); err != nil {
			return 0, 0, fmt.Errorf("to must be an integer")
		}
	}
	return from, to, nil
}

// VerifyLedger handles GET /v1/ledger/{scope}/verify?from=&to=.
func (h *GovernanceHandlers) VerifyLedger(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	from, to, err := parseRange(r)
	if err != nil {
		validationError(w, r, err.Error())
		return
	}
	res, err := h.service.VerifyLedger(r.Context(), id, r.PathValue("scope"), from, to)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, r.Context(), http.StatusOK, res)
}

// ExportLedger handles GET /v1/ledger/{scope}/export?from=&to=&format=json|csv.
func (h *GovernanceHandlers) ExportLedger(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	from, to, err := parseRange(r)
	if err != nil {
		validationError(w, r, err.Error())
		return
	}
	format := audit.ExportFormat(r.URL.Query().Get("format"))
	if format == "" {
		format = audit.ExportFormatJSON
	}
	contentType := "application/json"
	switch format {
	case audit.ExportFormatJSON:
	case audit.ExportFormatCSV:
		contentType = "text/csv; charset=utf-8"
	default:
		validationError(w, r, "format must be json or csv")
		return
	}

	seg, err := h.service.ExportLedger(r.Context(), id, r.PathValue("scope"), from, to)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	body, err := seg.Encode(format)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="ledger-%s-%d-%d.%s"`,
		seg.Scope, seg.From, seg.To, format))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// ArchiveLedger handles POST /v1/ledger/{scope}/archive?from=&to=.
func (h *GovernanceHandlers) ArchiveLedger(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	from, to, err := parseRange(r)
	if err != nil {
		validationError(w, r, err.Error())
		return
	}
	res, err := h.service.ArchiveSegment(r.Context(), id, r.PathValue("scope"), from, to)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, r.Context(), http.StatusCreated, ArchiveResponse{
		Bucket: res.Bucket,
		Key:    res.Key,
		SHA256: res.SHA256,
		Size:   res.Size,
		Scope:  res.Scope,
		From:   res.From,
		To:     res.To,
	})
}

// RecordLedgerEntry handles POST /v1/ledger/{scope}/records. Submitting an
// id that is already recorded returns the existing record.
func (h *GovernanceHandlers) RecordLedgerEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	var req RecordEntryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	switch {
	case req.ID == "":
		validationError(w, r, "id is required")
		return
	case req.EventType == "":
		validationError(w, r, "event_type is required")
		return
	}

	rec, err := h.service.RecordLedgerEvent(r.Context(), id, r.PathValue("scope"), audit.Entry{
		ID:             req.ID,
		EventType:      req.EventType,
		EntityType:     req.EntityType,
		EntityID:       req.EntityID,
		ActingIdentity: req.ActingIdentity,
		Changes:        req.Changes,
		CorrelationID:  req.CorrelationID,
	})
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, r.Context(), http.StatusCreated, rec)
}

// EntityHistory handles GET /v1/entities/{type}/{id}/history?limit=.
func (h *GovernanceHandlers) EntityHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	limit := DefaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			validationError(w, r, "limit must be a positive integer")
			return
		}
		limit = min(n, MaxHistoryLimit)
	}
	entityType, entityID := r.PathValue("type"), r.PathValue("id")
	records, err := h.service.EntityHistory(r.Context(), id, entityType, entityID, limit)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if records == nil {
		records = []*audit.Record{}
	}
	writeJSON(w, r.Context(), http.StatusOK, HistoryResponse{
		EntityType: entityType,
		EntityID:   entityID,
		Records:    records,
	})
}
