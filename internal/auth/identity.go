package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Roles recognized by the governance surface.
const (
	RolePlatformAdmin     = "platform_admin"
	RoleLegalCounsel      = "legal_counsel"
	RoleComplianceOfficer = "compliance_officer"
	RoleDistrictAdmin     = "district_admin"
	RoleAuditor           = "auditor"
)

// ErrForbidden is returned when an identity may not perform an action.
var ErrForbidden = errors.New("forbidden")

// ErrInvalidScope is returned when a scope string cannot be parsed.
var ErrInvalidScope = errors.New("invalid scope")

// ScopeKind is the level of the organizational hierarchy a scope covers.
type ScopeKind string

const (
	ScopePlatform ScopeKind = "platform"
	ScopeDistrict ScopeKind = "district"
	ScopeSchool   ScopeKind = "school"
	ScopeClass    ScopeKind = "class"
)

// Scope is a position in the platform > district > school > class hierarchy.
// Lower levels carry the identifiers of every level above them.
type Scope struct {
	Kind       ScopeKind
	DistrictID string
	SchoolID   string
	ClassID    string
}

// PlatformScope covers everything.
func PlatformScope() Scope { return Scope{Kind: ScopePlatform} }

// DistrictScope covers one district (tenant).
func DistrictScope(districtID string) Scope {
	return Scope{Kind: ScopeDistrict, DistrictID: districtID}
}

// SchoolScope covers one school in a district.
func SchoolScope(districtID, schoolID string) Scope {
	return Scope{Kind: ScopeSchool, DistrictID: districtID, SchoolID: schoolID}
}

// ClassScope covers one class.
func ClassScope(districtID, schoolID, classID string) Scope {
	return Scope{Kind: ScopeClass, DistrictID: districtID, SchoolID: schoolID, ClassID: classID}
}

// TenantScope returns the scope of a ledger tenant. The empty tenant is the platform.
func TenantScope(tenantID string) Scope {
	if tenantID == "" {
		return PlatformScope()
	}
	return DistrictScope(tenantID)
}

// Encompasses reports whether s covers every entity other covers.
func (s Scope) Encompasses(other Scope) bool {
	switch s.Kind {
	case ScopePlatform:
		return true
	case ScopeDistrict:
		return other.Kind != ScopePlatform && other.DistrictID == s.DistrictID
	case ScopeSchool:
		return (other.Kind == ScopeSchool || other.Kind == ScopeClass) &&
			other.DistrictID == s.DistrictID && other.SchoolID == s.SchoolID
	case ScopeClass:
		return other == s
	}
	return false
}

// String encodes the scope as it appears in token claims:
// "platform", "district:D", "school:D/S" or "class:D/S/C".
func (s Scope) String() string {
	switch s.Kind {
	case ScopeDistrict:
		return "district:" + s.DistrictID
	case ScopeSchool:
		return "school:" + s.DistrictID + "/" + s.SchoolID
	case ScopeClass:
		return "class:" + s.DistrictID + "/" + s.SchoolID + "/" + s.ClassID
	default:
		return string(ScopePlatform)
	}
}

// ParseScope parses the String form of a scope.
func ParseScope(raw string) (Scope, error) {
	if raw == string(ScopePlatform) {
		return PlatformScope(), nil
	}
	kind, rest, ok := strings.Cut(raw, ":")
	if !ok || rest == "" {
		return Scope{}, fmt.Errorf("%w: %q", ErrInvalidScope, raw)
	}
	parts := strings.Split(rest, "/")
	for _, p := range parts {
		if p == "" {
			return Scope{}, fmt.Errorf("%w: %q", ErrInvalidScope, raw)
		}
	}
	switch {
	case kind == string(ScopeDistrict) && len(parts) == 1:
		return DistrictScope(parts[0]), nil
	case kind == string(ScopeSchool) && len(parts) == 2:
		return SchoolScope(parts[0], parts[1]), nil
	case kind == string(ScopeClass) && len(parts) == 3:
		return ClassScope(parts[0], parts[1], parts[2]), nil
	}
	return Scope{}, fmt.Errorf("%w: %q", ErrInvalidScope, raw)
}

// Identity is the authenticated caller of an administrative operation.
type Identity struct {
	Subject string
	Role    string
	Scope   Scope
}

// ActingIdentity is the string recorded on audit records.
func (i Identity) ActingIdentity() string {
	return "user:" + i.Subject
}

// HasRole reports whether the identity holds one of roles.
func (i Identity) HasRole(roles ...string) bool {
	for _, r := range roles {
		if i.Role == r {
			return true
		}
	}
	return false
}

// HoldRoles may place, renew and release legal holds.
var HoldRoles = []string{RoleLegalCounsel, RoleComplianceOfficer, RolePlatformAdmin}

// PolicyRoles may create retention policies.
var PolicyRoles = []string{RoleComplianceOfficer, RolePlatformAdmin, RoleDistrictAdmin}

// LedgerReadRoles may verify and export the ledger.
var LedgerReadRoles = []string{RoleAuditor, RoleComplianceOfficer, RolePlatformAdmin}

// LedgerWriteRoles may record events from other subsystems and replay
// events a committed change failed to record.
var LedgerWriteRoles = []string{RoleComplianceOfficer, RolePlatformAdmin}

// Authorize returns ErrForbidden unless the identity holds one of roles and
// its scope encompasses target.
func (i Identity) Authorize(target Scope, roles ...string) error {
	if !i.HasRole(roles...) {
		return fmt.Errorf("%w: role %q may not perform this action", ErrForbidden, i.Role)
	}
	if !i.Scope.Encompasses(target) {
		return fmt.Errorf("%w: scope %s does not cover %s", ErrForbidden, i.Scope, target)
	}
	return nil
}

type contextKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// IdentityFromContext returns the identity stored by WithIdentity.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}
