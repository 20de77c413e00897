package legalhold

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists legal holds.
type Store interface {
	// Create inserts an Active hold. It returns ErrHoldConflict when the
	// entity already has an Active hold.
	Create(ctx context.Context, h *Hold) error
	// Get returns a hold by ID or ErrHoldNotFound.
	Get(ctx context.Context, id string) (*Hold, error)
	// ActiveFor returns the Active hold on an entity, or nil when there is none.
	ActiveFor(ctx context.Context, entityType, entityID string) (*Hold, error)
	// Update overwrites h if its stored status is still Active, otherwise it
	// returns ErrHoldNotActive.
	Update(ctx context.Context, h *Hold) error
	// Override stores released (which must still be Active) and creates
	// created in one step.
	Override(ctx context.Context, released, created *Hold) error
	// ActiveExpiringBy returns Active holds whose expiry is at or before t,
	// soonest first.
	ActiveExpiringBy(ctx context.Context, t time.Time) ([]*Hold, error)
	// ExpiredBetween returns Expired holds whose expiry falls in [from, to],
	// soonest first.
	ExpiredBetween(ctx context.Context, from, to time.Time) ([]*Hold, error)
	// ListForEntity returns every hold on an entity, newest first.
	ListForEntity(ctx context.Context, entityType, entityID string) ([]*Hold, error)
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	mu    sync.RWMutex
	holds map[string]*Hold
}

// NewInMemoryStore creates a new in-memory hold store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{holds: make(map[string]*Hold)}
}

func (s *InMemoryStore) activeLocked(entityType, entityID string) *Hold {
	for _, h := range s.holds {
		if h.Active() && h.EntityType == entityType && h.EntityID == entityID {
			return h
		}
	}
	return nil
}

// Create implements Store.
func (s *InMemoryStore) Create(ctx context.Context, h *Hold) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeLocked(h.EntityType, h.EntityID) != nil {
		return ErrHoldConflict
	}
	s.holds[h.ID] = h.Clone()
	return nil
}

// Get implements Store.
func (s *InMemoryStore) Get(ctx context.Context, id string) (*Hold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.holds[id]
	if !ok {
		return nil, ErrHoldNotFound
	}
	return h.Clone(), nil
}

// ActiveFor implements Store.
func (s *InMemoryStore) ActiveFor(ctx context.Context, entityType, entityID string) (*Hold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if h := s.activeLocked(entityType, entityID); h != nil {
		return h.Clone(), nil
	}
	return nil, nil
}

// Update implements Store.
func (s *InMemoryStore) Update(ctx context.Context, h *Hold) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(h)
}

func (s *InMemoryStore) updateLocked(h *Hold) error {
	current, ok := s.holds[h.ID]
	if !ok {
		return ErrHoldNotFound
	}
	if !current.Active() {
		return ErrHoldNotActive
	}
	s.holds[h.ID] = h.Clone()
	return nil
}

// Override implements Store.
func (s *InMemoryStore) Override(ctx context.Context, released, created *Hold) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.updateLocked(released); err != nil {
		return err
	}
	if s.activeLocked(created.EntityType, created.EntityID) != nil {
		return ErrHoldConflict
	}
	s.holds[created.ID] = created.Clone()
	return nil
}

// ActiveExpiringBy implements Store.
func (s *InMemoryStore) ActiveExpiringBy(ctx context.Context, t time.Time) ([]*Hold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Hold
	for _, h := range s.holds {
		if h.Active() && h.ExpiresAt != nil && !h.ExpiresAt.After(t) {
			out = append(out, h.Clone())
		}
	}
	sortByExpiry(out)
	return out, nil
}

// ExpiredBetween implements Store.
func (s *InMemoryStore) ExpiredBetween(ctx context.Context, from, to time.Time) ([]*Hold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Hold
	for _, h := range s.holds {
		if h.Status == StatusExpired && h.ExpiresAt != nil && !h.ExpiresAt.Before(from) && !h.ExpiresAt.After(to) {
			out = append(out, h.Clone())
		}
	}
	sortByExpiry(out)
	return out, nil
}

// ListForEntity implements Store.
func (s *InMemoryStore) ListForEntity(ctx context.Context, entityType, entityID string) ([]*Hold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Hold
	for _, h := range s.holds {
		if h.EntityType == entityType && h.EntityID == entityID {
			out = append(out, h.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].HoldDate.Equal(out[j].HoldDate) {
			return out[i].HoldDate.After(out[j].HoldDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func sortByExpiry(holds []*Hold) {
	sort.Slice(holds, func(i, j int) bool {
		if !holds[i].ExpiresAt.Equal(*holds[j].ExpiresAt) {
			return holds[i].ExpiresAt.Before(*holds[j].ExpiresAt)
		}
		return holds[i].ID < holds[j].ID
	})
}
