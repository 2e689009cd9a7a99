package tokencache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smallbiznis/smallbiznis-tokens/internal/domain"
)

const keyPrefix = "token:cache:"

// Cache is the fast projection of issued refresh tokens, keyed by
// (account, tenant, scope_key). It is disposable: the durable row outlives
// every cache entry, and cache failures are never fatal to issuance.
type Cache interface {
	Get(ctx context.Context, account, tenantID, scopeKey string) (*domain.IssuedToken, error)
	Set(ctx context.Context, scopeKey string, token domain.IssuedToken, ttl time.Duration) error
	Delete(ctx context.Context, account, tenantID, scopeKey string) error
}

// Compile-time interface assertions.
var (
	_ Cache = (*RedisCache)(nil)
	_ Cache = (*MemoryCache)(nil)
)

func cacheKey(account, tenantID, scopeKey string) string {
	return keyPrefix + account + ":" + tenantID + ":" + scopeKey
}

// RedisCache stores issued token payloads as JSON with TTL equal to the
// remaining token lifetime.
type RedisCache struct {
	redis redis.UniversalClient
}

func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{redis: client}
}

func (c *RedisCache) Get(ctx context.Context, account, tenantID, scopeKey string) (*domain.IssuedToken, error) {
	data, err := c.redis.Get(ctx, cacheKey(account, tenantID, scopeKey)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("token cache get: %w", err)
	}
	var token domain.IssuedToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("token cache decode: %w", err)
	}
	return &token, nil
}

func (c *RedisCache) Set(ctx context.Context, scopeKey string, token domain.IssuedToken, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("token cache encode: %w", err)
	}
	key := cacheKey(token.Account, token.TenantID, scopeKey)
	if err := c.redis.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("token cache set: %w", err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, account, tenantID, scopeKey string) error {
	if err := c.redis.Del(ctx, cacheKey(account, tenantID, scopeKey)).Err(); err != nil {
		return fmt.Errorf("token cache delete: %w", err)
	}
	return nil
}

// MemoryCache is a process-local Cache for tests and single-instance runs.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	token    domain.IssuedToken
	deadline time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry)}
}

func (c *MemoryCache) Get(_ context.Context, account, tenantID, scopeKey string) (*domain.IssuedToken, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[cacheKey(account, tenantID, scopeKey)]
	if !ok || time.Now().After(entry.deadline) {
		return nil, nil
	}
	token := entry.token
	return &token, nil
}

func (c *MemoryCache) Set(_ context.Context, scopeKey string, token domain.IssuedToken, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey(token.Account, token.TenantID, scopeKey)
	c.entries[key] = memoryEntry{token: token, deadline: time.Now().Add(ttl)}
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, account, tenantID, scopeKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey(account, tenantID, scopeKey))
	return nil
}
