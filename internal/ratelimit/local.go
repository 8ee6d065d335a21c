package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const localIdleTTL = time.Hour

type localEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LocalBucket keeps one in-process limiter per key. It serves when redis is
// not configured or not reachable, so limits are per instance.
type LocalBucket struct {
	mu        sync.Mutex
	entries   map[string]*localEntry
	now       func() time.Time
	lastSweep time.Time
}

func NewLocalBucket() *LocalBucket {
	return &LocalBucket{
		entries: make(map[string]*localEntry),
		now:     time.Now,
	}
}

func (b *LocalBucket) Allow(key string, r float64, burst int) *Result {
	now := b.now()

	b.mu.Lock()
	b.sweep(now)
	entry, ok := b.entries[key]
	if !ok || entry.limiter.Limit() != rate.Limit(r) || entry.limiter.Burst() != burst {
		entry = &localEntry{limiter: rate.NewLimiter(rate.Limit(r), burst)}
		b.entries[key] = entry
	}
	entry.lastSeen = now
	limiter := entry.limiter
	b.mu.Unlock()

	allowed := limiter.AllowN(now, 1)
	remaining := limiter.TokensAt(now)
	return &Result{
		Allowed:    allowed,
		Limit:      burst,
		Remaining:  max(int(remaining), 0),
		RetryAfter: retryAfter(allowed, remaining, r),
	}
}

// sweep drops limiters idle for longer than localIdleTTL. Caller holds mu.
func (b *LocalBucket) sweep(now time.Time) {
	if now.Sub(b.lastSweep) < localIdleTTL/6 {
		return
	}
	b.lastSweep = now
	cutoff := now.Add(-localIdleTTL)
	for key, entry := range b.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(b.entries, key)
		}
	}
}

func (b *LocalBucket) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
