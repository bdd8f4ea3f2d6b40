package ratelimit

import (
	"sync"
	"time"

	"github.com/keygate/keygate/internal/models"
)

// LocalLimiter implements fast-mode rate limiting: a per-instance
// token bucket per key, with no cross-instance coordination. The
// global rate may transiently exceed the limit by up to one window's
// worth of slack per additional active instance; that is the
// documented trade-off of fast mode.
//
// Within one instance all checks for the same key are serialized by
// the bucket map lock, so local double-counting cannot happen.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	// now is replaceable in tests
	now func() time.Time
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
	// fullAt is when the bucket is back to capacity. A full bucket is
	// indistinguishable from an absent one, so the sweep may drop it.
	fullAt time.Time
}

// NewLocalLimiter creates a fast-mode limiter.
func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Check consumes one token for the key if available. A deny never
// mutates the bucket beyond the time-based refill.
func (l *LocalLimiter) Check(keyID string, cfg *models.Ratelimit) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	limit := cfg.Limit
	rate := refillRate(cfg)
	interval := cfg.Window()

	b, ok := l.buckets[keyID]
	if !ok {
		b = &bucket{tokens: float64(limit), lastRefill: now}
		l.buckets[keyID] = b
	}

	// Continuous refill at rate tokens per interval, capped at limit.
	elapsed := now.Sub(b.lastRefill)
	if elapsed > 0 {
		b.tokens += float64(elapsed) / float64(interval) * float64(rate)
		b.lastRefill = now
	}
	// Cap unconditionally so a lowered limit takes effect immediately.
	if b.tokens > float64(limit) {
		b.tokens = float64(limit)
	}

	if b.tokens >= 1 {
		b.tokens--
		b.fullAt = now.Add(timeForTokens(float64(limit)-b.tokens, rate, interval))
		return Result{
			Allowed:   true,
			Limit:     limit,
			Remaining: int64(b.tokens),
			Reset:     b.fullAt,
		}
	}

	// Exactly zero tokens denies: no fractional consumption.
	b.fullAt = now.Add(timeForTokens(float64(limit)-b.tokens, rate, interval))
	return Result{
		Allowed:   false,
		Limit:     limit,
		Remaining: 0,
		Reset:     now.Add(timeForTokens(1-b.tokens, rate, interval)),
	}
}

// Evict drops the bucket for a key. Fast-mode state is acceptable to
// lose: the bucket is rebuilt full on the next check.
func (l *LocalLimiter) Evict(keyID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, keyID)
}

// Sweep drops every bucket that has refilled to capacity, which
// changes no outcome: a fresh bucket starts full. It bounds the map
// when many keys go idle. Returns how many buckets were dropped.
func (l *LocalLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	swept := 0
	for keyID, b := range l.buckets {
		if !now.Before(b.fullAt) {
			delete(l.buckets, keyID)
			swept++
		}
	}
	return swept
}

// refillRate falls back to the limit when the configured rate is
// missing or larger than the bucket.
func refillRate(cfg *models.Ratelimit) int64 {
	if cfg.RefillRate <= 0 || cfg.RefillRate > cfg.Limit {
		return cfg.Limit
	}
	return cfg.RefillRate
}

// timeForTokens is how long the bucket needs to accrue n tokens.
func timeForTokens(n float64, rate int64, interval time.Duration) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n / float64(rate) * float64(interval))
}
