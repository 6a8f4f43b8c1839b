package agentregistry

import (
	"context"
	"errors"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// LeaseStore records which agent addresses currently hold an unreleased
// lease, with TTL-based expiry so a crashed registry or agent eventually
// returns the address to the pool (spec §4.3's busyTimeout/idleTimeout).
type LeaseStore interface {
	// IsLeased reports whether address currently holds an unexpired lease.
	IsLeased(ctx context.Context, address string) (bool, error)
	// Acquire records a lease on address expiring after ttl, overwriting
	// any existing lease (used both for the initial busyTimeout lease and
	// to refresh it to idleTimeout after a completed chain).
	Acquire(ctx context.Context, address string, ttl time.Duration) error
	// Clear releases address immediately.
	Clear(ctx context.Context, address string) error
}

// RedisLeaseStore backs leases with Redis key TTLs, exactly the pattern
// the teacher's pkg/triggers/queue trigger uses go-redis for: a thin
// wrapper over a UniversalClient, keys namespaced under a fixed prefix so
// the lease store can share a Redis instance with other components.
type RedisLeaseStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLeaseStore wraps client. prefix namespaces lease keys (e.g.
// "steep:lease:").
func NewRedisLeaseStore(client redis.UniversalClient, prefix string) *RedisLeaseStore {
	if prefix == "" {
		prefix = "steep:lease:"
	}

	return &RedisLeaseStore{client: client, prefix: prefix}
}

func (s *RedisLeaseStore) key(address string) string {
	return s.prefix + address
}

func (s *RedisLeaseStore) IsLeased(ctx context.Context, address string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(address)).Result()
	if err != nil {
		return false, &LeaseError{Op: "check", Address: address, Err: err}
	}

	return n > 0, nil
}

func (s *RedisLeaseStore) Acquire(ctx context.Context, address string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(address), time.Now().UTC().Format(time.RFC3339Nano), ttl).Err(); err != nil {
		return &LeaseError{Op: "acquire", Address: address, Err: err}
	}

	return nil
}

func (s *RedisLeaseStore) Clear(ctx context.Context, address string) error {
	if err := s.client.Del(ctx, s.key(address)).Err(); err != nil {
		return &LeaseError{Op: "clear", Address: address, Err: err}
	}

	return nil
}

// InMemoryLeaseStore is a mutex-guarded lease store for single-process
// deployments and tests, mirroring the in-memory registries used
// throughout the teacher's test suites.
type InMemoryLeaseStore struct {
	mu      sync.Mutex
	expires map[string]time.Time
}

// NewInMemoryLeaseStore builds an empty lease store.
func NewInMemoryLeaseStore() *InMemoryLeaseStore {
	return &InMemoryLeaseStore{expires: make(map[string]time.Time)}
}

func (s *InMemoryLeaseStore) IsLeased(_ context.Context, address string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.expires[address]
	if !ok {
		return false, nil
	}

	if time.Now().After(exp) {
		delete(s.expires, address)

		return false, nil
	}

	return true, nil
}

func (s *InMemoryLeaseStore) Acquire(_ context.Context, address string, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("agentregistry: lease ttl must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.expires[address] = time.Now().Add(ttl)

	return nil
}

func (s *InMemoryLeaseStore) Clear(_ context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.expires, address)

	return nil
}
