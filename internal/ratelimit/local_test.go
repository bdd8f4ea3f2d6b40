package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/keygate/keygate/internal/models"
	"pgregory.net/rapid"
)

func newTestLimiter(start time.Time) (*LocalLimiter, *time.Time) {
	clock := start
	l := NewLocalLimiter()
	l.now = func() time.Time { return clock }
	return l, &clock
}

func fullWindowConfig(limit int64, window time.Duration) *models.Ratelimit {
	return &models.Ratelimit{
		Mode:           models.RatelimitFast,
		Limit:          limit,
		RefillRate:     limit,
		RefillInterval: window.Milliseconds(),
	}
}

func TestLocalLimiterExhaustsBudget(t *testing.T) {
	l, _ := newTestLimiter(time.Unix(1000, 0))
	cfg := fullWindowConfig(10, time.Second)

	for i := int64(0); i < 10; i++ {
		r := l.Check("key-1", cfg)
		if !r.Allowed {
			t.Fatalf("check %d should be allowed", i+1)
		}
		if r.Remaining != 9-i {
			t.Fatalf("check %d: remaining = %d, want %d", i+1, r.Remaining, 9-i)
		}
		if r.Limit != 10 {
			t.Fatalf("limit = %d, want 10", r.Limit)
		}
	}

	r := l.Check("key-1", cfg)
	if r.Allowed {
		t.Fatal("11th check should be denied")
	}
	if r.Remaining != 0 {
		t.Fatalf("denied remaining = %d, want 0", r.Remaining)
	}
}

func TestLocalLimiterRefillsAfterWindow(t *testing.T) {
	l, clock := newTestLimiter(time.Unix(1000, 0))
	cfg := fullWindowConfig(5, time.Second)

	for i := 0; i < 5; i++ {
		if !l.Check("key-1", cfg).Allowed {
			t.Fatalf("initial check %d should be allowed", i+1)
		}
	}
	if l.Check("key-1", cfg).Allowed {
		t.Fatal("exhausted bucket should deny")
	}

	*clock = clock.Add(time.Second)

	for i := 0; i < 5; i++ {
		if !l.Check("key-1", cfg).Allowed {
			t.Fatalf("check %d after refill should be allowed", i+1)
		}
	}
	if l.Check("key-1", cfg).Allowed {
		t.Fatal("bucket should be exhausted again")
	}
}

func TestLocalLimiterPartialRefill(t *testing.T) {
	l, clock := newTestLimiter(time.Unix(1000, 0))
	cfg := &models.Ratelimit{
		Mode:           models.RatelimitFast,
		Limit:          10,
		RefillRate:     5,
		RefillInterval: 1000,
	}

	for i := 0; i < 10; i++ {
		if !l.Check("key-1", cfg).Allowed {
			t.Fatalf("initial check %d should be allowed", i+1)
		}
	}

	// One interval at rate 5 restores 5 tokens, not the full 10.
	*clock = clock.Add(time.Second)

	allowed := 0
	for i := 0; i < 10; i++ {
		if l.Check("key-1", cfg).Allowed {
			allowed++
		}
	}
	if allowed != 5 {
		t.Fatalf("allowed after partial refill = %d, want 5", allowed)
	}
}

func TestLocalLimiterDenyDoesNotConsume(t *testing.T) {
	l, clock := newTestLimiter(time.Unix(1000, 0))
	cfg := fullWindowConfig(1, time.Minute)

	if !l.Check("key-1", cfg).Allowed {
		t.Fatal("first check should be allowed")
	}

	// Repeated denies must not push the bucket below zero, or the
	// eventual refill would be delayed.
	for i := 0; i < 100; i++ {
		if l.Check("key-1", cfg).Allowed {
			t.Fatal("empty bucket should deny")
		}
	}

	*clock = clock.Add(time.Minute)
	if !l.Check("key-1", cfg).Allowed {
		t.Fatal("bucket should be full again after one interval")
	}
}

func TestLocalLimiterLoweredLimitCapsStoredTokens(t *testing.T) {
	l, _ := newTestLimiter(time.Unix(1000, 0))

	if !l.Check("key-1", fullWindowConfig(10, time.Second)).Allowed {
		t.Fatal("first check should be allowed")
	}

	// The key's limit was lowered; the surviving bucket must not
	// grant more than the new capacity.
	r := l.Check("key-1", fullWindowConfig(3, time.Second))
	if !r.Allowed {
		t.Fatal("check under new limit should be allowed")
	}
	if r.Remaining > 2 {
		t.Fatalf("remaining = %d, want <= 2 under limit 3", r.Remaining)
	}
}

func TestLocalLimiterSweepDropsOnlyFullBuckets(t *testing.T) {
	l, clock := newTestLimiter(time.Unix(1000, 0))
	cfg := fullWindowConfig(2, time.Second)

	// One token spent: the bucket is back to capacity after 500ms.
	if !l.Check("key-1", cfg).Allowed {
		t.Fatal("first check should be allowed")
	}

	if n := l.Sweep(); n != 0 {
		t.Fatalf("drained bucket swept early: %d", n)
	}
	*clock = clock.Add(400 * time.Millisecond)
	if n := l.Sweep(); n != 0 {
		t.Fatalf("refilling bucket swept early: %d", n)
	}

	*clock = clock.Add(200 * time.Millisecond)
	if n := l.Sweep(); n != 1 {
		t.Fatalf("swept = %d, want 1", n)
	}
	if len(l.buckets) != 0 {
		t.Fatalf("buckets after sweep = %d, want 0", len(l.buckets))
	}

	// Dropping a full bucket changes no outcome.
	r := l.Check("key-1", cfg)
	if !r.Allowed || r.Remaining != 1 {
		t.Fatalf("post-sweep check = %+v, want full bucket", r)
	}
}

func TestLocalLimiterSingleTokenConcurrency(t *testing.T) {
	l := NewLocalLimiter()
	cfg := fullWindowConfig(1, time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check("key-1", cfg).Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 1 {
		t.Fatalf("allowed = %d, want exactly 1", allowed)
	}
}

func TestLocalLimiterIsolatesKeys(t *testing.T) {
	l, _ := newTestLimiter(time.Unix(1000, 0))
	cfg := fullWindowConfig(1, time.Minute)

	if !l.Check("key-a", cfg).Allowed {
		t.Fatal("key-a should be allowed")
	}
	if !l.Check("key-b", cfg).Allowed {
		t.Fatal("key-b has its own bucket and should be allowed")
	}
	if l.Check("key-a", cfg).Allowed {
		t.Fatal("key-a should be exhausted")
	}
}

func TestLocalLimiterEvictRebuildsFull(t *testing.T) {
	l, _ := newTestLimiter(time.Unix(1000, 0))
	cfg := fullWindowConfig(1, time.Minute)

	if !l.Check("key-1", cfg).Allowed {
		t.Fatal("first check should be allowed")
	}
	l.Evict("key-1")
	if !l.Check("key-1", cfg).Allowed {
		t.Fatal("evicted bucket should rebuild full")
	}
}

// Within a single window, a fresh bucket never allows more than limit
// checks, for any configuration.
func TestLocalLimiterNeverExceedsLimitWithinWindow(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		limit := rapid.Int64Range(1, 100).Draw(rt, "limit")
		rate := rapid.Int64Range(1, 100).Draw(rt, "rate")
		intervalMs := rapid.Int64Range(100, 60_000).Draw(rt, "intervalMs")
		attempts := limit + rapid.Int64Range(1, 50).Draw(rt, "extra")

		l, _ := newTestLimiter(time.Unix(1000, 0))
		cfg := &models.Ratelimit{
			Mode:           models.RatelimitFast,
			Limit:          limit,
			RefillRate:     rate,
			RefillInterval: intervalMs,
		}

		var allowed int64
		for i := int64(0); i < attempts; i++ {
			if l.Check("key", cfg).Allowed {
				allowed++
			}
		}

		// The clock never advances, so no refill can happen.
		if allowed != limit {
			rt.Fatalf("allowed = %d, want %d", allowed, limit)
		}
	})
}
