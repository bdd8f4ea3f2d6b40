package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/keygate/keygate/internal/models"
)

func newTestCache(ttl time.Duration, maxKeys int) (*KeyCache, *time.Time) {
	clock := time.Unix(1000, 0)
	c := NewKeyCache(ttl, maxKeys)
	c.now = func() time.Time { return clock }
	return c, &clock
}

func testKey() *models.Key {
	return &models.Key{ID: uuid.New(), Hash: uuid.NewString(), Enabled: true}
}

func TestKeyCacheHit(t *testing.T) {
	c, _ := newTestCache(10*time.Second, 100)
	k := testKey()

	c.Set(k.Hash, k)

	got := c.Get(k.Hash)
	if got == nil {
		t.Fatal("expected cache hit")
	}
	if got.ID != k.ID {
		t.Fatalf("got key %s, want %s", got.ID, k.ID)
	}
}

func TestKeyCacheMiss(t *testing.T) {
	c, _ := newTestCache(10*time.Second, 100)
	if c.Get("nope") != nil {
		t.Fatal("expected miss for unknown hash")
	}
}

func TestKeyCacheExpiry(t *testing.T) {
	c, clock := newTestCache(10*time.Second, 100)
	k := testKey()
	c.Set(k.Hash, k)

	*clock = clock.Add(9 * time.Second)
	if c.Get(k.Hash) == nil {
		t.Fatal("entry inside TTL should hit")
	}

	*clock = clock.Add(2 * time.Second)
	if c.Get(k.Hash) != nil {
		t.Fatal("entry past TTL must never be returned")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry should be dropped, len = %d", c.Len())
	}
}

func TestKeyCacheInvalidateByID(t *testing.T) {
	c, _ := newTestCache(10*time.Second, 100)
	k := testKey()
	c.Set(k.Hash, k)

	c.Invalidate(k.ID)

	if c.Get(k.Hash) != nil {
		t.Fatal("invalidated entry should miss")
	}
}

func TestKeyCacheInvalidateByHash(t *testing.T) {
	c, _ := newTestCache(10*time.Second, 100)
	k := testKey()
	c.Set(k.Hash, k)

	c.InvalidateHash(k.Hash)

	if c.Get(k.Hash) != nil {
		t.Fatal("invalidated entry should miss")
	}
	// Invalidating again is a no-op, not a panic.
	c.InvalidateHash(k.Hash)
}

func TestKeyCacheSetRefreshesEntry(t *testing.T) {
	c, clock := newTestCache(10*time.Second, 100)
	k := testKey()
	c.Set(k.Hash, k)

	*clock = clock.Add(8 * time.Second)
	c.Set(k.Hash, k)

	*clock = clock.Add(8 * time.Second)
	if c.Get(k.Hash) == nil {
		t.Fatal("re-set entry should have a fresh TTL")
	}
}

func TestKeyCacheBoundedSize(t *testing.T) {
	c, _ := newTestCache(10*time.Second, 5)

	for i := 0; i < 20; i++ {
		k := testKey()
		k.Hash = fmt.Sprintf("hash-%d", i)
		c.Set(k.Hash, k)
	}

	if c.Len() > 5 {
		t.Fatalf("cache len = %d, want <= 5", c.Len())
	}
	if c.Get("hash-19") == nil {
		t.Fatal("most recent entry should survive eviction")
	}
}

func TestKeyCacheEvictsExpiredFirst(t *testing.T) {
	c, clock := newTestCache(10*time.Second, 3)

	stale := testKey()
	c.Set(stale.Hash, stale)

	*clock = clock.Add(11 * time.Second)

	fresh1, fresh2 := testKey(), testKey()
	c.Set(fresh1.Hash, fresh1)
	c.Set(fresh2.Hash, fresh2)

	trigger := testKey()
	c.Set(trigger.Hash, trigger)

	if c.Get(fresh1.Hash) == nil || c.Get(fresh2.Hash) == nil {
		t.Fatal("fresh entries should survive when an expired one can go")
	}
	if c.Get(stale.Hash) != nil {
		t.Fatal("stale entry should be gone")
	}
}
