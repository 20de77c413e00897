// Package retention resolves the effective retention policy for an entity and
// manages the policy history. Policies are superseded, never deleted.
package retention

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Entity types with a built-in system default.
const (
	EntityStudent     = "Student"
	EntityStaff       = "Staff"
	EntityAssessment  = "Assessment"
	EntityAuditRecord = "AuditRecord"
)

// SystemDefaults is the retention applied when no policy matches. Changing
// an entity's retention requires a policy record, not an edit here.
var SystemDefaults = map[string]Period{
	EntityStudent:     {Years: 7},
	EntityStaff:       {Years: 7},
	EntityAssessment:  {Years: 5},
	EntityAuditRecord: {Years: 10},
}

var (
	// ErrUnknownEntityType is returned when no policy matches and the entity
	// type has no system default.
	ErrUnknownEntityType = errors.New("unknown entity type")
	// ErrInvalidPolicy is returned for malformed policy requests.
	ErrInvalidPolicy = errors.New("invalid retention policy")
	// ErrBelowRegulatoryMinimum is returned when a policy's retention is
	// shorter than the configured minimum for its entity type.
	ErrBelowRegulatoryMinimum = errors.New("retention below regulatory minimum")
	// ErrPolicyNotFound is returned when a policy does not exist.
	ErrPolicyNotFound = errors.New("retention policy not found")
	// ErrPolicyConflict is returned when another writer replaced the active
	// policy for the same entity type and scope concurrently.
	ErrPolicyConflict = errors.New("concurrent policy change detected")
	// ErrInvalidPeriod is returned by ParsePeriod.
	ErrInvalidPeriod = errors.New("invalid retention period")
)

// ValidationError describes a rejected policy request.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	if e.Err == nil {
		return ErrInvalidPolicy
	}
	return e.Err
}

// Period is a retention duration in calendar years and days.
type Period struct {
	Years      int  `json:"years,omitempty"`
	Days       int  `json:"days,omitempty"`
	Indefinite bool `json:"indefinite,omitempty"`
}

var periodPattern = regexp.MustCompile(`^(?:(\d+)y)?(?:(\d+)d)?$`)

// ParsePeriod parses "7y", "2555d", "7y30d" or "indefinite".
func ParsePeriod(s string) (Period, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "indefinite" {
		return Period{Indefinite: true}, nil
	}
	m := periodPattern.FindStringSubmatch(s)
	if s == "" || m == nil {
		return Period{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
	}

	var p Period
	var err error
	if m[1] != "" {
		if p.Years, err = strconv.Atoi(m[1]); err != nil {
			return Period{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
		}
	}
	if m[2] != "" {
		if p.Days, err = strconv.Atoi(m[2]); err != nil {
			return Period{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
		}
	}
	return p, nil
}

// String formats the period in ParsePeriod syntax.
func (p Period) String() string {
	switch {
	case p.Indefinite:
		return "indefinite"
	case p.Years > 0 && p.Days > 0:
		return fmt.Sprintf("%dy%dd", p.Years, p.Days)
	case p.Years > 0:
		return fmt.Sprintf("%dy", p.Years)
	default:
		return fmt.Sprintf("%dd", p.Days)
	}
}

// IsZero reports whether the period retains nothing.
func (p Period) IsZero() bool {
	return !p.Indefinite && p.Years == 0 && p.Days == 0
}

// Cutoff returns the latest terminal event date that is past retention at now.
func (p Period) Cutoff(now time.Time) time.Time {
	return now.AddDate(-p.Years, 0, -p.Days)
}

// Expired reports whether an entity whose terminal event happened at
// terminal is past this retention at now.
func (p Period) Expired(terminal, now time.Time) bool {
	if p.Indefinite {
		return false
	}
	return !terminal.AddDate(p.Years, 0, p.Days).After(now)
}

// periodReference is the instant both sides are measured from in Compare.
var periodReference = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// Compare returns -1, 0 or +1 depending on whether p is shorter than, equal
// to, or longer than q. Indefinite is longer than any finite period.
func (p Period) Compare(q Period) int {
	switch {
	case p.Indefinite && q.Indefinite:
		return 0
	case p.Indefinite:
		return 1
	case q.Indefinite:
		return -1
	}
	return periodReference.AddDate(p.Years, 0, p.Days).Compare(periodReference.AddDate(q.Years, 0, q.Days))
}

// ScopeKind identifies which entities a policy applies to.
type ScopeKind string

// Scope kinds ordered from least to most specific.
const (
	ScopeDefault     ScopeKind = "default"
	ScopeTenant      ScopeKind = "tenant"
	ScopeEntityClass ScopeKind = "entity_class"
	ScopeEntity      ScopeKind = "entity"
)

// Scope is the applicability predicate of a policy. Only the fields of its
// Kind are meaningful: TenantID for Tenant (and optionally EntityClass),
// Class for EntityClass, EntityID for Entity.
type Scope struct {
	Kind     ScopeKind `json:"kind"`
	TenantID string    `json:"tenant_id,omitempty"`
	Class    string    `json:"class,omitempty"`
	EntityID string    `json:"entity_id,omitempty"`
}

// DefaultScope applies to every entity of the policy's type.
func DefaultScope() Scope { return Scope{Kind: ScopeDefault} }

// TenantScope applies to entities owned by tenantID.
func TenantScope(tenantID string) Scope { return Scope{Kind: ScopeTenant, TenantID: tenantID} }

// EntityClassScope applies to entities flagged with class, optionally
// restricted to one tenant.
func EntityClassScope(class, tenantID string) Scope {
	return Scope{Kind: ScopeEntityClass, Class: class, TenantID: tenantID}
}

// EntityScope is an exception for a single entity.
func EntityScope(entityID string) Scope { return Scope{Kind: ScopeEntity, EntityID: entityID} }

// Key identifies the scope for the one-active-policy rule.
func (s Scope) Key() string {
	switch s.Kind {
	case ScopeTenant:
		return "tenant:" + s.TenantID
	case ScopeEntityClass:
		if s.TenantID != "" {
			return "class:" + s.TenantID + "/" + s.Class
		}
		return "class:" + s.Class
	case ScopeEntity:
		return "entity:" + s.EntityID
	default:
		return "default"
	}
}

// Validate checks that the fields required by Kind are present and no others.
func (s Scope) Validate() error {
	switch s.Kind {
	case ScopeDefault:
		if s.TenantID != "" || s.Class != "" || s.EntityID != "" {
			return fmt.Errorf("default scope takes no qualifiers")
		}
	case ScopeTenant:
		if s.TenantID == "" || s.Class != "" || s.EntityID != "" {
			return fmt.Errorf("tenant scope requires only a tenant id")
		}
	case ScopeEntityClass:
		if s.Class == "" || s.EntityID != "" {
			return fmt.Errorf("entity class scope requires a class")
		}
	case ScopeEntity:
		if s.EntityID == "" || s.TenantID != "" || s.Class != "" {
			return fmt.Errorf("entity scope requires only an entity id")
		}
	default:
		return fmt.Errorf("unknown scope kind %q", s.Kind)
	}
	return nil
}

// Matches reports whether the scope applies to an entity with attrs.
func (s Scope) Matches(attrs EntityAttributes) bool {
	switch s.Kind {
	case ScopeDefault:
		return true
	case ScopeTenant:
		return attrs.TenantID == s.TenantID
	case ScopeEntityClass:
		if s.TenantID != "" && attrs.TenantID != s.TenantID {
			return false
		}
		return attrs.HasClass(s.Class)
	case ScopeEntity:
		return attrs.EntityID != "" && attrs.EntityID == s.EntityID
	}
	return false
}

func (s Scope) specificity() int {
	switch s.Kind {
	case ScopeTenant:
		return 1
	case ScopeEntityClass:
		return 2
	case ScopeEntity:
		return 3
	}
	return 0
}

// EntityAttributes are the facts about an entity that scope predicates read.
type EntityAttributes struct {
	EntityID string
	TenantID string
	Classes  []string
}

// HasClass reports whether the entity is flagged with class.
func (a EntityAttributes) HasClass(class string) bool {
	return slices.Contains(a.Classes, class)
}

// Policy is a retention rule for one entity type and scope.
type Policy struct {
	ID            string     `json:"id"`
	EntityType    string     `json:"entity_type"`
	Scope         Scope      `json:"scope"`
	Retention     Period     `json:"retention"`
	Priority      int        `json:"priority"`
	EffectiveDate time.Time  `json:"effective_date"`
	SupersededAt  *time.Time `json:"superseded_at,omitempty"`
	SupersededBy  string     `json:"superseded_by,omitempty"`
	Justification string     `json:"justification"`
	CreatedBy     string     `json:"created_by"`
	CreatedAt     time.Time  `json:"created_at"`
}

// ActiveAt reports whether the policy is in force at now.
func (p *Policy) ActiveAt(now time.Time) bool {
	if p.EffectiveDate.After(now) {
		return false
	}
	return p.SupersededAt == nil || p.SupersededAt.After(now)
}

// Clone returns a deep copy of the policy.
func (p *Policy) Clone() *Policy {
	c := *p
	if p.SupersededAt != nil {
		t := *p.SupersededAt
		c.SupersededAt = &t
	}
	return &c
}

// EffectivePolicy is the single policy governing an entity.
type EffectivePolicy struct {
	EntityType string `json:"entity_type"`
	Retention  Period `json:"retention"`
	// Policy is nil when the system default applies.
	Policy *Policy `json:"policy,omitempty"`
}

// SystemDefault reports whether no stored policy matched.
func (e *EffectivePolicy) SystemDefault() bool {
	return e.Policy == nil
}
