package audit

import (
	"context"
	"sort"
	"sync"
)

// Store persists audit records. Implementations must reject a second record
// with the same (scope, sequence) or (scope, id) with ErrSequenceConflict and
// must never update or delete records.
type Store interface {
	// Last returns the highest-sequence record in scope, or nil if the scope is empty.
	Last(ctx context.Context, scope string) (*Record, error)

	// Insert durably stores a new record.
	Insert(ctx context.Context, record *Record) error

	// FindByID returns the record with the given ID in scope or ErrRecordNotFound.
	FindByID(ctx context.Context, scope, id string) (*Record, error)

	// Range returns records with from <= sequence <= to in ascending sequence
	// order from a single consistent snapshot. to <= 0 means through the head.
	Range(ctx context.Context, scope string, from, to int64) ([]*Record, error)

	// QueryByEntity returns records about an entity across all scopes, newest first.
	// Limit specifies the maximum number of entries to return (0 = no limit).
	QueryByEntity(ctx context.Context, entityType, entityID string, limit int) ([]*Record, error)

	// Scopes lists every scope that has at least one record.
	Scopes(ctx context.Context) ([]string, error)
}

// InMemoryStore is an in-memory implementation of Store.
// Used for testing and development. Thread-safe via RWMutex.
type InMemoryStore struct {
	mu      sync.RWMutex
	byScope map[string][]*Record
	// insertion order across scopes, for entity queries
	order []*Record
}

// NewInMemoryStore creates a new in-memory audit store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byScope: make(map[string][]*Record),
	}
}

// Last returns the highest-sequence record in scope.
func (s *InMemoryStore) Last(ctx context.Context, scope string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last *Record
	for _, r := range s.byScope[scope] {
		if last == nil || r.Sequence > last.Sequence {
			last = r
		}
	}
	if last == nil {
		return nil, nil
	}
	return last.Clone(), nil
}

// Insert stores a copy of record.
func (s *InMemoryStore) Insert(ctx context.Context, record *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.byScope[record.Scope] {
		if r.Sequence == record.Sequence || r.ID == record.ID {
			return ErrSequenceConflict
		}
	}

	c := record.Clone()
	s.byScope[record.Scope] = append(s.byScope[record.Scope], c)
	s.order = append(s.order, c)
	return nil
}

// FindByID returns a copy of the record with the given ID.
func (s *InMemoryStore) FindByID(ctx context.Context, scope, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.byScope[scope] {
		if r.ID == id {
			return r.Clone(), nil
		}
	}
	return nil, ErrRecordNotFound
}

// Range returns copies of the records in [from, to] sorted by sequence.
func (s *InMemoryStore) Range(ctx context.Context, scope string, from, to int64) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	for _, r := range s.byScope[scope] {
		if r.Sequence < from || (to > 0 && r.Sequence > to) {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// QueryByEntity returns records about an entity, newest first.
func (s *InMemoryStore) QueryByEntity(ctx context.Context, entityType, entityID string, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*Record
	for i := len(s.order) - 1; i >= 0; i-- {
		r := s.order[i]
		if r.EntityType != entityType || r.EntityID != entityID {
			continue
		}
		results = append(results, r.Clone())
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results, nil
}

// Scopes returns the known scopes in lexical order.
func (s *InMemoryStore) Scopes(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scopes := make([]string, 0, len(s.byScope))
	for scope := range s.byScope {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)
	return scopes, nil
}
