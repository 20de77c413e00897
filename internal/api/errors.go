// Package api provides the HTTP surface of the custodian service: the
// standardized error envelope, administrative handlers and health probes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/northstar-lms/custodian/internal/archive"
	"github.com/northstar-lms/custodian/internal/audit"
	"github.com/northstar-lms/custodian/internal/auth"
	"github.com/northstar-lms/custodian/internal/governance"
	"github.com/northstar-lms/custodian/internal/legalhold"
	"github.com/northstar-lms/custodian/internal/middleware"
	"github.com/northstar-lms/custodian/internal/retention"
)

// Common error codes used throughout the API.
const (
	// ErrCodeValidation indicates input validation failure.
	ErrCodeValidation = "validation_error"

	// ErrCodeNotFound indicates the requested resource was not found.
	ErrCodeNotFound = "not_found"

	// ErrCodeInternal indicates an internal server error.
	ErrCodeInternal = "internal_error"

	// ErrCodeForbidden indicates the caller's role or scope does not permit the operation.
	ErrCodeForbidden = "forbidden"

	// ErrCodeConflict indicates a conflict with the current state.
	ErrCodeConflict = "conflict"

	// ErrCodeBadRequest indicates a malformed request.
	ErrCodeBadRequest = "bad_request"

	// ErrCodeMethodNotAllowed indicates the route exists for another method.
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// ErrCodeHoldConflict indicates the entity already has an active legal hold.
	ErrCodeHoldConflict = "hold_conflict"

	// ErrCodeHoldNotActive indicates the hold was already released or expired.
	ErrCodeHoldNotActive = "hold_not_active"

	// ErrCodeBelowMinimum indicates a policy shorter than the regulatory minimum.
	ErrCodeBelowMinimum = "below_regulatory_minimum"

	// ErrCodeUnknownEntityType indicates an entity type with no retention rules.
	ErrCodeUnknownEntityType = "unknown_entity_type"

	// ErrCodeArchiveDisabled indicates object storage is not configured.
	ErrCodeArchiveDisabled = "archive_disabled"

	// ErrCodeLedgerIncomplete indicates the change committed but its audit
	// events are not all in the ledger yet.
	ErrCodeLedgerIncomplete = "ledger_incomplete"
)

// ErrorResponse represents the standard error response format.
// All API errors return JSON in this structure: {"error": {"code": "...", "message": "..."}}
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error code and human-readable message. Details
// carries structured context for some codes, such as the hold that blocks a
// placement. UnrecordedEvents lists the ledger entries of a committed change
// that were not appended; each can be replayed through
// POST /v1/ledger/{scope}/records.
type ErrorDetail struct {
	Code             string              `json:"code"`
	Message          string              `json:"message"`
	Details          map[string]string   `json:"details,omitempty"`
	UnrecordedEvents []audit.ScopedEntry `json:"unrecorded_events,omitempty"`
}

// WriteError writes a standardized JSON error response and records code for
// the logging middleware.
//
// Format: {"error": {"code": "error_code", "message": "Error description"}}
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	writeErrorDetail(w, ctx, status, ErrorDetail{Code: code, Message: message})
}

func writeErrorDetail(w http.ResponseWriter, ctx context.Context, status int, detail ErrorDetail) {
	middleware.SetErrorCode(ctx, detail.Code)

	data, err := json.Marshal(ErrorResponse{Error: detail})
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal error response", "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write error response", "error", err)
	}
}

// StatusCodeMapping returns the recommended HTTP status code for an error code.
func StatusCodeMapping(code string) int {
	switch code {
	case ErrCodeValidation, ErrCodeBadRequest, ErrCodeBelowMinimum:
		return http.StatusBadRequest
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeNotFound, ErrCodeUnknownEntityType:
		return http.StatusNotFound
	case ErrCodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case ErrCodeConflict, ErrCodeHoldConflict, ErrCodeHoldNotActive:
		return http.StatusConflict
	case ErrCodeArchiveDisabled:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// WriteDomainError maps an error returned by the governance service onto the
// error envelope. Unrecognized errors are logged and reported as internal
// errors without leaking their text.
func WriteDomainError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()

	var conflict *legalhold.ConflictError
	var invalidPolicy *retention.ValidationError
	var unrecorded *governance.UnrecordedEventsError

	switch {
	case errors.As(err, &conflict):
		writeErrorDetail(w, ctx, http.StatusConflict, ErrorDetail{
			Code:    ErrCodeHoldConflict,
			Message: "Entity already has an active legal hold",
			Details: map[string]string{
				"existing_hold_id":        conflict.ExistingHoldID,
				"existing_case_reference": conflict.ExistingCaseReference,
			},
		})
	case errors.As(err, &unrecorded):
		slog.ErrorContext(ctx, "change committed without complete audit trail",
			"error", unrecorded.Err,
			"unrecorded_events", len(unrecorded.Events))
		writeErrorDetail(w, ctx, http.StatusInternalServerError, ErrorDetail{
			Code:             ErrCodeLedgerIncomplete,
			Message:          "Change was applied but its audit events could not all be recorded",
			UnrecordedEvents: unrecorded.Events,
		})
	case errors.Is(err, auth.ErrForbidden):
		WriteError(w, ctx, http.StatusForbidden, ErrCodeForbidden, "Not permitted for this role or scope")
	case errors.Is(err, retention.ErrBelowRegulatoryMinimum):
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBelowMinimum, err.Error())
	case errors.As(err, &invalidPolicy),
		errors.Is(err, retention.ErrInvalidPolicy),
		errors.Is(err, retention.ErrInvalidPeriod),
		errors.Is(err, legalhold.ErrInvalidHold),
		errors.Is(err, audit.ErrInvalidEntry),
		errors.Is(err, audit.ErrInvalidRange),
		errors.Is(err, audit.ErrInvalidScope),
		errors.Is(err, archive.ErrEmptySegment):
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, retention.ErrUnknownEntityType):
		WriteError(w, ctx, http.StatusNotFound, ErrCodeUnknownEntityType, err.Error())
	case errors.Is(err, legalhold.ErrHoldNotFound),
		errors.Is(err, retention.ErrPolicyNotFound),
		errors.Is(err, audit.ErrRecordNotFound):
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, legalhold.ErrHoldNotActive):
		WriteError(w, ctx, http.StatusConflict, ErrCodeHoldNotActive, err.Error())
	case errors.Is(err, retention.ErrPolicyConflict):
		WriteError(w, ctx, http.StatusConflict, ErrCodeConflict, "Concurrent policy change, retry the request")
	case errors.Is(err, governance.ErrArchiveDisabled):
		WriteError(w, ctx, http.StatusNotImplemented, ErrCodeArchiveDisabled, "Segment archive is not configured")
	default:
		slog.ErrorContext(ctx, "request failed", "error", err, "path", r.URL.Path)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Internal server error")
	}
}

// writeJSON writes v with status as a JSON body.
func writeJSON(w http.ResponseWriter, ctx context.Context, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}
