package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	counterPrefix = "ratelimit:"
	leasePrefix   = "lease:"
)

// acquireLeaseScript purges expired lease members, rejects at the limit, and
// records the new lease deadline, all in one atomic round-trip. Multi-step
// check-then-act sequences here would be race-prone.
const acquireLeaseScript = `
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
local count = redis.call("ZCARD", KEYS[1])
if count >= tonumber(ARGV[2]) then
  return 0
end
redis.call("ZADD", KEYS[1], ARGV[3], ARGV[4])
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return 1
`

var acquireLeaseLua = redis.NewScript(acquireLeaseScript)

// heartbeatScript extends a held lease. The member deadline and the key-level
// expiry move together; refreshing only the score would still let the whole
// sorted set lapse on the TTL set at acquire.
const heartbeatScript = `
local updated = redis.call("ZADD", KEYS[1], "XX", "CH", ARGV[1], ARGV[2])
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return updated
`

var heartbeatLua = redis.NewScript(heartbeatScript)

// Limiter enforces fixed-window quotas and concurrency leases on Redis.
//
// Degrade-open policy: when Redis is unreachable both Enforce and
// AcquireConcurrency log the failure and let the request through. Availability
// wins over strict enforcement for rate limiting only; token issuance must
// never inherit this behavior.
type Limiter struct {
	redis  redis.UniversalClient
	logger *zap.Logger
}

func New(client redis.UniversalClient, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.L()
	}
	return &Limiter{redis: client, logger: logger}
}

// Enforce increments the window counter for the key and fails with a
// RateLimitError once the post-increment count exceeds the limit. The window
// TTL is set only on the first increment of a fresh window.
func (l *Limiter) Enforce(ctx context.Context, quota Quota, keyParts ...string) error {
	key := counterPrefix + quota.Name + ":" + quota.Scope + ":" + strings.Join(keyParts, ":")

	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warn("rate limit backend unreachable, allowing request",
			zap.String("quota", quota.Name), zap.Error(err))
		return nil
	}
	if count == 1 {
		if err := l.redis.Expire(ctx, key, quota.Window).Err(); err != nil {
			l.logger.Warn("rate limit window expire failed, allowing request",
				zap.String("quota", quota.Name), zap.Error(err))
			return nil
		}
	}
	if count <= int64(quota.Limit) {
		return nil
	}

	retryAfter := quota.Window
	if ttl, err := l.redis.TTL(ctx, key).Result(); err == nil && ttl > 0 {
		retryAfter = ttl
	}
	return &RateLimitError{
		Quota:      quota.Name,
		Limit:      quota.Limit,
		RetryAfter: retryAfter,
		Scope:      quota.Scope,
	}
}

// AcquireConcurrency claims a concurrency slot for the key. The slot is freed
// by an explicit Release, or implicitly once the lease TTL lapses without a
// heartbeat. When Redis is down a released no-op lease is returned and the
// request is allowed.
func (l *Limiter) AcquireConcurrency(ctx context.Context, quota ConcurrencyQuota, keyParts ...string) (*Lease, error) {
	key := leasePrefix + quota.Name + ":" + strings.Join(keyParts, ":")
	leaseID := uuid.NewString()
	now := time.Now()
	deadline := now.Add(quota.TTL)

	granted, err := acquireLeaseLua.Run(ctx, l.redis, []string{key},
		now.UnixMilli(),
		quota.Limit,
		deadline.UnixMilli(),
		leaseID,
		quota.TTL.Milliseconds(),
	).Int64()
	if err != nil {
		l.logger.Warn("concurrency backend unreachable, allowing request",
			zap.String("quota", quota.Name), zap.Error(err))
		return &Lease{noop: true}, nil
	}
	if granted == 0 {
		return nil, &RateLimitError{
			Quota:      quota.Name,
			Limit:      quota.Limit,
			RetryAfter: quota.TTL,
			Scope:      "concurrency",
		}
	}
	return &Lease{limiter: l, key: key, id: leaseID, ttl: quota.TTL}, nil
}

// Lease ties a held concurrency slot to a key. The state machine is
// unacquired -> active -> released (explicit) or active -> expired (TTL lapse,
// no caller action required).
type Lease struct {
	limiter *Limiter
	key     string
	id      string
	ttl     time.Duration
	once    sync.Once
	noop    bool
}

// Heartbeat extends the lease deadline and the key expiry so a long-lived
// unit of work does not lose its slot to the lease's own timeout. Extending a
// member that has already been purged is a no-op; the next acquire owns the
// slot.
func (lease *Lease) Heartbeat(ctx context.Context) error {
	if lease.noop {
		return nil
	}
	deadline := time.Now().Add(lease.ttl).UnixMilli()
	err := heartbeatLua.Run(ctx, lease.limiter.redis, []string{lease.key},
		deadline,
		lease.id,
		lease.ttl.Milliseconds(),
	).Err()
	if err != nil {
		lease.limiter.logger.Warn("lease heartbeat failed", zap.String("key", lease.key), zap.Error(err))
	}
	return err
}

// Release frees the slot. Safe to call more than once; the decrement happens
// exactly once.
func (lease *Lease) Release(ctx context.Context) {
	if lease.noop {
		return
	}
	lease.once.Do(func() {
		if err := lease.limiter.redis.ZRem(ctx, lease.key, lease.id).Err(); err != nil {
			lease.limiter.logger.Warn("lease release failed, slot frees on TTL",
				zap.String("key", lease.key), zap.Error(err))
		}
	})
}
