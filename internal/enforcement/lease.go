package enforcement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultLeaseKey is the Redis key guarding the enforcement cycle.
const DefaultLeaseKey = "custodian:retention-enforcement:lease"

// Lease ensures a single replica runs each enforcement cycle.
type Lease interface {
	// TryAcquire returns true when this process now holds the lease for ttl.
	TryAcquire(ctx context.Context, ttl time.Duration) (bool, error)
}

// RedisLease implements Lease with SET NX PX. The lease is never released
// early: it lapses after ttl, so other replicas skip the rest of the interval.
type RedisLease struct {
	client *redis.Client
	key    string
	owner  string
}

// NewRedisLease creates a lease stored under key.
func NewRedisLease(client *redis.Client, key string) *RedisLease {
	if key == "" {
		key = DefaultLeaseKey
	}
	return &RedisLease{client: client, key: key, owner: uuid.New().String()}
}

// TryAcquire implements Lease.
func (l *RedisLease) TryAcquire(ctx context.Context, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire enforcement lease: %w", err)
	}
	return ok, nil
}

// Owner returns the token this process writes into the lease.
func (l *RedisLease) Owner() string {
	return l.owner
}
