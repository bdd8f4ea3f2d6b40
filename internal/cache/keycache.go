package cache

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/keygate/keygate/internal/models"
	"github.com/keygate/keygate/internal/monitoring"
)

// KeyCache is a per-instance read cache of key records, keyed by the
// key hash. It is a latency optimization with bounded staleness and is
// never the source of truth: entries past their TTL are discarded, and
// administrative changes may take up to the TTL to reach instances
// that already cached the old record.
type KeyCache struct {
	mu      sync.RWMutex
	entries map[string]entry
	hashes  map[uuid.UUID]string
	ttl     time.Duration
	maxKeys int

	// now is replaceable in tests
	now func() time.Time
}

type entry struct {
	record    *models.Key
	fetchedAt time.Time
}

// NewKeyCache creates a key cache with the given TTL and size bound.
func NewKeyCache(ttl time.Duration, maxKeys int) *KeyCache {
	return &KeyCache{
		entries: make(map[string]entry),
		hashes:  make(map[uuid.UUID]string),
		ttl:     ttl,
		maxKeys: maxKeys,
		now:     time.Now,
	}
}

// Get returns the cached record for a key hash, or nil on miss.
// Expired entries are discarded, never returned.
func (c *KeyCache) Get(hash string) *models.Key {
	c.mu.RLock()
	e, ok := c.entries[hash]
	c.mu.RUnlock()

	if !ok {
		monitoring.RecordCacheMiss("key")
		return nil
	}

	if c.now().Sub(e.fetchedAt) > c.ttl {
		c.mu.Lock()
		// Re-check under the write lock: a fresh Set may have raced us.
		if cur, ok := c.entries[hash]; ok && c.now().Sub(cur.fetchedAt) > c.ttl {
			delete(c.entries, hash)
			delete(c.hashes, cur.record.ID)
		}
		c.mu.Unlock()
		monitoring.RecordCacheMiss("key")
		return nil
	}

	monitoring.RecordCacheHit("key")
	return e.record
}

// Set stores a record fetched from the store.
func (c *KeyCache) Set(hash string, record *models.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxKeys {
		c.evictLocked()
	}

	c.entries[hash] = entry{record: record, fetchedAt: c.now()}
	c.hashes[record.ID] = hash
}

// Invalidate drops the entry for a key id, if cached here.
func (c *KeyCache) Invalidate(keyID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if hash, ok := c.hashes[keyID]; ok {
		delete(c.entries, hash)
		delete(c.hashes, keyID)
	}
}

// InvalidateHash drops the entry for a key hash, if cached here.
func (c *KeyCache) InvalidateHash(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[hash]; ok {
		delete(c.entries, hash)
		delete(c.hashes, e.record.ID)
	}
}

// Len returns the number of cached entries.
func (c *KeyCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// evictLocked frees space by dropping expired entries first, then the
// oldest entry. Caller must hold the write lock.
func (c *KeyCache) evictLocked() {
	now := c.now()
	var oldestHash string
	var oldestAt time.Time

	for hash, e := range c.entries {
		if now.Sub(e.fetchedAt) > c.ttl {
			delete(c.entries, hash)
			delete(c.hashes, e.record.ID)
			continue
		}
		if oldestHash == "" || e.fetchedAt.Before(oldestAt) {
			oldestHash = hash
			oldestAt = e.fetchedAt
		}
	}

	if len(c.entries) >= c.maxKeys && oldestHash != "" {
		delete(c.hashes, c.entries[oldestHash].record.ID)
		delete(c.entries, oldestHash)
	}
}
