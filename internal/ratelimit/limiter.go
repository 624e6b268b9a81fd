// Package ratelimit implements per-actor token-bucket admission control
// for user-triggered backend calls.
package ratelimit

import (
	"sync"
	"time"
)

// Decision is the detailed outcome of an admission check.
type Decision struct {
	Allowed   bool
	Remaining int64
	// RetryAfter is how long until at least one token refills.
	// Zero when Allowed.
	RetryAfter time.Duration
}

// bucket holds the token state for one actor. Refill is integral:
// a token is credited only once a full interval has elapsed, and the
// remainder carries over by advancing lastRefill in whole intervals.
type bucket struct {
	mu         sync.Mutex
	tokens     int64
	lastRefill time.Time
}

// Limiter is a per-actor token bucket. Buckets are created lazily on
// first check and never persisted; Reset and ResetAll exist for
// administrative override.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	capacity int64
	interval time.Duration // time to refill one token
	now      func() time.Time
}

// New creates a limiter with the given bucket capacity and per-token
// refill interval. A nil now func defaults to time.Now (tests inject
// a fake clock).
func New(capacity int64, interval time.Duration, now func() time.Time) *Limiter {
	if capacity < 1 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		buckets:  make(map[string]*bucket),
		capacity: capacity,
		interval: interval,
		now:      now,
	}
}

// PerMinute frames the limiter as "n calls per minute": capacity n,
// one token refilled every minute/n.
func PerMinute(n int64) *Limiter {
	if n < 1 {
		n = 1
	}
	return New(n, time.Minute/time.Duration(n), nil)
}

// PerSecond frames the limiter as "n calls per second".
func PerSecond(n int64) *Limiter {
	if n < 1 {
		n = 1
	}
	return New(n, time.Second/time.Duration(n), nil)
}

// TryConsume refills the actor's bucket and takes one token if available.
func (l *Limiter) TryConsume(actorID string) bool {
	return l.CheckDetailed(actorID).Allowed
}

// CheckDetailed refills, attempts to take one token, and reports the
// remaining tokens plus a retry-after hint when denied.
func (l *Limiter) CheckDetailed(actorID string) Decision {
	b := l.bucket(actorID)
	now := l.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	l.refillLocked(b, now)

	if b.tokens >= 1 {
		b.tokens--
		return Decision{Allowed: true, Remaining: b.tokens}
	}

	elapsed := now.Sub(b.lastRefill)
	retryAfter := l.interval - elapsed
	if retryAfter < 0 {
		retryAfter = 0
	}
	return Decision{Allowed: false, Remaining: 0, RetryAfter: retryAfter}
}

// Reset restores the actor's bucket to full capacity.
func (l *Limiter) Reset(actorID string) {
	l.mu.Lock()
	b, ok := l.buckets[actorID]
	l.mu.Unlock()
	if !ok {
		return
	}

	b.mu.Lock()
	b.tokens = l.capacity
	b.lastRefill = l.now()
	b.mu.Unlock()
}

// ResetAll drops every bucket; actors start fresh on their next check.
func (l *Limiter) ResetAll() {
	l.mu.Lock()
	l.buckets = make(map[string]*bucket)
	l.mu.Unlock()
}

// bucket returns the actor's bucket, creating it full on first use.
func (l *Limiter) bucket(actorID string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[actorID]
	if !ok {
		b = &bucket{tokens: l.capacity, lastRefill: l.now()}
		l.buckets[actorID] = b
	}
	return b
}

// refillLocked credits whole-interval tokens. Partial intervals are not
// credited; lastRefill advances only by the intervals actually credited,
// so the fraction carries into the next check.
func (l *Limiter) refillLocked(b *bucket, now time.Time) {
	if now.Before(b.lastRefill) {
		b.lastRefill = now
		return
	}

	steps := int64(now.Sub(b.lastRefill) / l.interval)
	if steps <= 0 {
		return
	}

	b.tokens += steps
	if b.tokens > l.capacity {
		b.tokens = l.capacity
	}
	b.lastRefill = b.lastRefill.Add(time.Duration(steps) * l.interval)
}
