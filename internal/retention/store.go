package retention

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists retention policies.
type Store interface {
	// ActivePolicies returns policies not superseded as of now, including
	// ones whose effective date is still ahead. An empty entityType returns
	// all types.
	ActivePolicies(ctx context.Context, entityType string, now time.Time) ([]*Policy, error)
	// Get returns a policy by ID or ErrPolicyNotFound.
	Get(ctx context.Context, id string) (*Policy, error)
	// History returns every policy for an entity type, oldest first.
	History(ctx context.Context, entityType string) ([]*Policy, error)
	// Replace atomically inserts created and supersedes, at supersededAt,
	// every policy with the same entity type and scope key that would still
	// be in force then: the unsuperseded one, and any whose scheduled
	// supersession falls later. It returns those policies, oldest first.
	Replace(ctx context.Context, created *Policy, supersededAt time.Time) ([]*Policy, error)
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	mu       sync.RWMutex
	policies []*Policy
}

// NewInMemoryStore creates a new in-memory policy store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

// ActivePolicies implements Store.
func (s *InMemoryStore) ActivePolicies(ctx context.Context, entityType string, now time.Time) ([]*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Policy
	for _, p := range s.policies {
		if entityType != "" && p.EntityType != entityType {
			continue
		}
		if p.SupersededAt != nil && !p.SupersededAt.After(now) {
			continue
		}
		out = append(out, p.Clone())
	}
	return out, nil
}

// Get implements Store.
func (s *InMemoryStore) Get(ctx context.Context, id string) (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.policies {
		if p.ID == id {
			return p.Clone(), nil
		}
	}
	return nil, ErrPolicyNotFound
}

// History implements Store.
func (s *InMemoryStore) History(ctx context.Context, entityType string) ([]*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Policy
	for _, p := range s.policies {
		if p.EntityType == entityType {
			out = append(out, p.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Replace implements Store.
func (s *InMemoryStore) Replace(ctx context.Context, created *Policy, supersededAt time.Time) ([]*Policy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.policies {
		if p.ID == created.ID {
			return nil, ErrPolicyConflict
		}
	}

	key := created.Scope.Key()
	var superseded []*Policy
	for _, p := range s.policies {
		if p.EntityType != created.EntityType || p.Scope.Key() != key {
			continue
		}
		if p.SupersededAt != nil && !p.SupersededAt.After(supersededAt) {
			continue
		}
		at := supersededAt
		p.SupersededAt = &at
		p.SupersededBy = created.ID
		superseded = append(superseded, p.Clone())
	}
	s.policies = append(s.policies, created.Clone())
	return superseded, nil
}
