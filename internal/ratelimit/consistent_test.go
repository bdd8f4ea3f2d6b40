package ratelimit

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/keygate/keygate/internal/cache"
	"github.com/keygate/keygate/internal/models"
)

func redisForTest(t *testing.T) *cache.Redis {
	t.Helper()

	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379/1"
	}
	r, err := cache.NewRedis(url)
	if err != nil {
		t.Skipf("Test Redis not available: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func freshBucketKey(t *testing.T, r *cache.Redis) string {
	t.Helper()
	keyID := uuid.NewString()
	t.Cleanup(func() {
		r.Client.Del(context.Background(), fmt.Sprintf("ratelimit:bucket:%s", keyID))
	})
	return keyID
}

func TestConsistentLimiterExhaustsBudget(t *testing.T) {
	r := redisForTest(t)
	limiter := NewConsistentLimiter(r)
	keyID := freshBucketKey(t, r)
	ctx := context.Background()

	cfg := &models.Ratelimit{
		Mode:           models.RatelimitConsistent,
		Limit:          5,
		RefillRate:     5,
		RefillInterval: 60_000,
	}

	for i := 0; i < 5; i++ {
		result, err := limiter.Check(ctx, keyID, cfg)
		if err != nil {
			t.Fatalf("Check failed: %v", err)
		}
		if !result.Allowed {
			t.Fatalf("check %d should be allowed", i+1)
		}
	}

	result, err := limiter.Check(ctx, keyID, cfg)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if result.Allowed {
		t.Fatal("sixth check of five tokens should be denied")
	}
	if result.Remaining != 0 {
		t.Fatalf("denied remaining = %d, want 0", result.Remaining)
	}
	if !result.Reset.After(time.Now()) {
		t.Fatalf("reset %v should be in the future", result.Reset)
	}
}

// Two concurrent checks of a single-token bucket must resolve to
// exactly one allow: the authority serializes per key.
func TestConsistentLimiterConcurrentSingleToken(t *testing.T) {
	r := redisForTest(t)
	limiter := NewConsistentLimiter(r)
	keyID := freshBucketKey(t, r)
	ctx := context.Background()

	cfg := &models.Ratelimit{
		Mode:           models.RatelimitConsistent,
		Limit:          1,
		RefillRate:     1,
		RefillInterval: 60_000,
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := limiter.Check(ctx, keyID, cfg)
			if err != nil {
				t.Errorf("Check failed: %v", err)
				return
			}
			if result.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 1 {
		t.Fatalf("PROPERTY VIOLATION: %d checks allowed for 1 token, want exactly 1", allowed)
	}
}

// A check from an instance whose clock runs behind must not roll the
// refill clock backward; the next check from an on-time instance
// would otherwise mint the skew as fresh tokens.
func TestConsistentLimiterSlowClockMintsNoTokens(t *testing.T) {
	r := redisForTest(t)
	limiter := NewConsistentLimiter(r)
	keyID := freshBucketKey(t, r)
	ctx := context.Background()

	cfg := &models.Ratelimit{
		Mode:           models.RatelimitConsistent,
		Limit:          10,
		RefillRate:     10,
		RefillInterval: 1000,
	}

	base := time.Now()
	limiter.now = func() time.Time { return base }

	for i := 0; i < 5; i++ {
		if result, err := limiter.Check(ctx, keyID, cfg); err != nil || !result.Allowed {
			t.Fatalf("check %d: allowed=%v err=%v", i+1, result.Allowed, err)
		}
	}

	// Same key, a clock half a second behind.
	limiter.now = func() time.Time { return base.Add(-500 * time.Millisecond) }
	behind, err := limiter.Check(ctx, keyID, cfg)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if behind.Remaining != 4 {
		t.Fatalf("slow-clock remaining = %d, want 4", behind.Remaining)
	}

	// Back on the on-time clock no time has passed, so no refill.
	limiter.now = func() time.Time { return base }
	onTime, err := limiter.Check(ctx, keyID, cfg)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if onTime.Remaining != 3 {
		t.Fatalf("on-time remaining = %d, want 3", onTime.Remaining)
	}
}

func TestConsistentLimiterRefills(t *testing.T) {
	r := redisForTest(t)
	limiter := NewConsistentLimiter(r)
	keyID := freshBucketKey(t, r)
	ctx := context.Background()

	cfg := &models.Ratelimit{
		Mode:           models.RatelimitConsistent,
		Limit:          2,
		RefillRate:     2,
		RefillInterval: 200,
	}

	for i := 0; i < 2; i++ {
		result, err := limiter.Check(ctx, keyID, cfg)
		if err != nil {
			t.Fatalf("Check failed: %v", err)
		}
		if !result.Allowed {
			t.Fatalf("check %d should be allowed", i+1)
		}
	}

	if result, _ := limiter.Check(ctx, keyID, cfg); result.Allowed {
		t.Fatal("exhausted bucket should deny")
	}

	time.Sleep(250 * time.Millisecond)

	result, err := limiter.Check(ctx, keyID, cfg)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !result.Allowed {
		t.Fatal("bucket should refill after the interval")
	}
}
