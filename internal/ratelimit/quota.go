package ratelimit

import (
	"fmt"
	"time"
)

// Quota is a fixed-window counter limit. Scope classifies what the key parts
// identify, e.g. "ip" or "account".
type Quota struct {
	Name   string
	Limit  int
	Window time.Duration
	Scope  string
}

// ConcurrencyQuota bounds how many leases may be held at once for a key. TTL
// is the lease lifetime absent heartbeats.
type ConcurrencyQuota struct {
	Name  string
	Limit int
	TTL   time.Duration
}

// RateLimitError reports an exceeded quota with retry metadata. The HTTP layer
// turns it into a 429 with Retry-After.
type RateLimitError struct {
	Quota      string
	Limit      int
	RetryAfter time.Duration
	Scope      string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: quota %q limit %d scope %q retry after %s",
		e.Quota, e.Limit, e.Scope, e.RetryAfter)
}
