package retention

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"time"
)

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
	// Defaults overrides SystemDefaults when set.
	Defaults map[string]Period
}

// Resolver selects the effective policy for an entity.
type Resolver struct {
	store    Store
	clock    func() time.Time
	defaults map[string]Period
}

// NewResolver creates a Resolver reading policies from store.
func NewResolver(store Store, config ResolverConfig) *Resolver {
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.Defaults == nil {
		config.Defaults = SystemDefaults
	}
	return &Resolver{
		store:    store,
		clock:    config.Clock,
		defaults: maps.Clone(config.Defaults),
	}
}

// Resolve returns the policy in force now for an entity of entityType.
func (r *Resolver) Resolve(ctx context.Context, entityType string, attrs EntityAttributes) (*EffectivePolicy, error) {
	return r.ResolveAt(ctx, entityType, attrs, r.clock())
}

// ResolveAt returns the policy in force at now. Among active policies whose
// scope matches attrs the highest priority wins; ties go to the more specific
// scope, then the later effective date, then the lower ID.
func (r *Resolver) ResolveAt(ctx context.Context, entityType string, attrs EntityAttributes, now time.Time) (*EffectivePolicy, error) {
	policies, err := r.store.ActivePolicies(ctx, entityType, now)
	if err != nil {
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}

	var best *Policy
	for _, p := range policies {
		if !p.ActiveAt(now) || !p.Scope.Matches(attrs) {
			continue
		}
		if best == nil || outranks(p, best) {
			best = p
		}
	}
	if best != nil {
		return &EffectivePolicy{EntityType: entityType, Retention: best.Retention, Policy: best}, nil
	}

	period, ok := r.defaults[entityType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntityType, entityType)
	}
	return &EffectivePolicy{EntityType: entityType, Retention: period}, nil
}

// HasActiveException reports whether an indefinite exception for this
// entity is in force now.
func (r *Resolver) HasActiveException(ctx context.Context, entityType string, attrs EntityAttributes) (bool, error) {
	return r.HasActiveExceptionAt(ctx, entityType, attrs, r.clock())
}

// HasActiveExceptionAt reports whether an indefinite entity-scoped policy
// matching attrs is in force at now. Such an exception blocks purging even
// when a higher-priority policy wins resolution.
func (r *Resolver) HasActiveExceptionAt(ctx context.Context, entityType string, attrs EntityAttributes, now time.Time) (bool, error) {
	if attrs.EntityID == "" {
		return false, nil
	}
	policies, err := r.store.ActivePolicies(ctx, entityType, now)
	if err != nil {
		return false, fmt.Errorf("failed to load policies: %w", err)
	}
	for _, p := range policies {
		if p.Scope.Kind == ScopeEntity && p.Retention.Indefinite && p.ActiveAt(now) && p.Scope.Matches(attrs) {
			return true, nil
		}
	}
	return false, nil
}

func outranks(a, b *Policy) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if sa, sb := a.Scope.specificity(), b.Scope.specificity(); sa != sb {
		return sa > sb
	}
	if !a.EffectiveDate.Equal(b.EffectiveDate) {
		return a.EffectiveDate.After(b.EffectiveDate)
	}
	return a.ID < b.ID
}

// Target is one retention cutoff the enforcement cycle scans for.
type Target struct {
	EntityType string
	Retention  Period
	// Policy is nil for a system default target.
	Policy *Policy
}

// Name identifies the target in logs and reports.
func (t Target) Name() string {
	if t.Policy == nil {
		return t.EntityType + "/system-default"
	}
	return t.EntityType + "/" + t.Policy.ID
}

// Targets returns the enforcement targets in force now.
func (r *Resolver) Targets(ctx context.Context) ([]Target, error) {
	return r.TargetsAt(ctx, r.clock())
}

// TargetsAt returns one target per finite active policy plus a system
// default target for every known entity type without an active default-scope
// policy. Indefinite policies never produce a target.
func (r *Resolver) TargetsAt(ctx context.Context, now time.Time) ([]Target, error) {
	policies, err := r.store.ActivePolicies(ctx, "", now)
	if err != nil {
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}

	var targets []Target
	hasDefault := make(map[string]bool)
	for _, p := range policies {
		if !p.ActiveAt(now) {
			continue
		}
		if p.Scope.Kind == ScopeDefault {
			hasDefault[p.EntityType] = true
		}
		if p.Retention.Indefinite {
			continue
		}
		targets = append(targets, Target{EntityType: p.EntityType, Retention: p.Retention, Policy: p})
	}
	for entityType, period := range r.defaults {
		if !hasDefault[entityType] {
			targets = append(targets, Target{EntityType: entityType, Retention: period})
		}
	}

	sort.Slice(targets, func(i, j int) bool {
		if targets[i].EntityType != targets[j].EntityType {
			return targets[i].EntityType < targets[j].EntityType
		}
		if c := targets[i].Retention.Compare(targets[j].Retention); c != 0 {
			return c < 0
		}
		return targets[i].Name() < targets[j].Name()
	})
	return targets, nil
}
