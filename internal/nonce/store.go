package nonce

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "nonce:"

// Store provides atomic replay protection: CheckAndStore inserts a nonce with
// an expiry if and only if it is absent, in a single round-trip. True means
// fresh, false means already consumed.
type Store interface {
	CheckAndStore(ctx context.Context, nonce string, ttl time.Duration) (bool, error)
}

// Compile-time interface assertions.
var (
	_ Store = (*RedisStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

// RedisStore implements Store on a shared Redis via SET NX, closing the
// check-then-store race window.
type RedisStore struct {
	redis redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{redis: client}
}

func (s *RedisStore) CheckAndStore(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	ok, err := s.redis.SetNX(ctx, keyPrefix+nonce, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("nonce setnx: %w", err)
	}
	return ok, nil
}

// MemoryStore is the in-process fallback: a mutex-guarded map with lazy
// eviction of expired entries on each call. Suitable for single-instance
// deployments and tests only.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]time.Time), now: time.Now}
}

func (s *MemoryStore) CheckAndStore(_ context.Context, nonce string, ttl time.Duration) (bool, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, deadline := range s.entries {
		if now.After(deadline) {
			delete(s.entries, k)
		}
	}
	if deadline, ok := s.entries[nonce]; ok && now.Before(deadline) {
		return false, nil
	}
	s.entries[nonce] = now.Add(ttl)
	return true, nil
}
