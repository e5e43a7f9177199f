// Package ratelimit keeps one token bucket per key.
package ratelimit

import (
	"sync"
	"time"

	ratelib "golang.org/x/time/rate"
)

// DefaultIdleTTL is how long an unused bucket is kept before it may be pruned.
const DefaultIdleTTL = 10 * time.Minute

// pruneThreshold is the bucket count above which new keys trigger a prune.
const pruneThreshold = 10000

type bucket struct {
	lim      *ratelib.Limiter
	lastSeen time.Time
}

// Limiter manages a collection of token bucket rate limiters keyed by
// resource. Keys are caller-controlled, so idle buckets are pruned.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	idleTTL time.Duration
	now     func() time.Time
}

// NewLimiter creates a Limiter. A non-positive idleTTL uses DefaultIdleTTL.
func NewLimiter(idleTTL time.Duration) *Limiter {
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		idleTTL: idleTTL,
		now:     time.Now,
	}
}

// Allow reports whether a request for key may proceed, updating the bucket's
// rate and burst if they changed since the last call. A non-positive rps
// disables limiting.
func (l *Limiter) Allow(key string, rps float64, burst int) bool {
	if rps <= 0 {
		return true
	}

	l.mu.Lock()
	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= pruneThreshold {
			l.pruneLocked(now)
		}
		b = &bucket{lim: ratelib.NewLimiter(ratelib.Limit(rps), burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	// Config may change on hot reload.
	if b.lim.Limit() != ratelib.Limit(rps) {
		b.lim.SetLimitAt(now, ratelib.Limit(rps))
	}
	if b.lim.Burst() != burst {
		b.lim.SetBurstAt(now, burst)
	}
	return b.lim.AllowN(now, 1)
}

// Remove drops the bucket for key.
func (l *Limiter) Remove(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// Prune drops buckets idle for longer than the TTL and returns how many
// were removed.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pruneLocked(l.now())
}

// Len returns the number of tracked buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) pruneLocked(now time.Time) int {
	removed := 0
	for k, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.idleTTL {
			delete(l.buckets, k)
			removed++
		}
	}
	return removed
}
