// Package ratelimit throttles two distinct surfaces of the gateway:
// the /rpc data plane, keyed per (user, agent) identity so one
// caller's burst can't starve another's, and the /admin surface, keyed
// by remote address since an admin caller authenticates with a bearer
// token rather than an on-chain identity. Both buckets share the same
// counting mechanics; they're kept separate so a flood against one
// never consumes the other's budget.
package ratelimit

import (
	"sync"
	"time"
)

// Bucket names the surface being throttled, used both to namespace the
// counting key and to tag the resulting Decision for metrics.
const (
	BucketRPC   = "rpc"
	BucketAdmin = "admin"
)

type Decision struct {
	Bucket    string
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	Allow(bucket, key string, limit int) Decision
}

type InMemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	items  map[string]entry
}

type entry struct {
	count   int
	resetAt time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window: window,
		items:  make(map[string]entry),
	}
}

func (l *InMemoryLimiter) Allow(bucket, key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	itemKey := bucket + ":" + key
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanup(now)
	curr, ok := l.items[itemKey]
	if !ok || now.After(curr.resetAt) {
		curr = entry{
			count:   0,
			resetAt: now.Add(l.window),
		}
	}
	curr.count++
	l.items[itemKey] = curr
	allowed := curr.count <= limit
	remaining := limit - curr.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Bucket:    bucket,
		Allowed:   allowed,
		Count:     curr.count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   curr.resetAt,
	}
}

func (l *InMemoryLimiter) cleanup(now time.Time) {
	for k, v := range l.items {
		if now.After(v.resetAt) {
			delete(l.items, k)
		}
	}
}
