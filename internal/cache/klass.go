// Package cache keeps recently used klass records in memory.
package cache

import (
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Syncano/syncano-platform-sub000/pkg/types"
)

const defaultSize = 10000

// Metrics holds cache statistics for observability.
type Metrics struct {
	Hits          atomic.Int64
	Misses        atomic.Int64
	Evictions     atomic.Int64
	Invalidations atomic.Int64
}

// Key identifies a klass across tenants.
type Key struct {
	Tenant  string
	KlassID int64
}

// KlassCache is an LRU of klass records. Entries are versioned by revision
// and update time so a slow reader cannot overwrite a newer record with an
// older one.
type KlassCache struct {
	mu      sync.Mutex
	lru     *lru.Cache[Key, *types.Klass]
	metrics Metrics
}

// NewKlassCache creates a cache holding up to size klasses. A size of zero
// uses the default.
func NewKlassCache(size int) *KlassCache {
	if size <= 0 {
		size = defaultSize
	}
	// Only fails for a non-positive size.
	l, _ := lru.New[Key, *types.Klass](size)
	return &KlassCache{lru: l}
}

// Get returns a copy of the cached klass.
func (c *KlassCache) Get(tenant string, klassID int64) (*types.Klass, bool) {
	k, ok := c.lru.Get(Key{tenant, klassID})
	if !ok {
		c.metrics.Misses.Add(1)
		return nil, false
	}
	c.metrics.Hits.Add(1)
	return k.Clone(), true
}

// GetRevision returns the cached klass only if it is at the given revision.
func (c *KlassCache) GetRevision(tenant string, klassID, revision int64) (*types.Klass, bool) {
	k, ok := c.Get(tenant, klassID)
	if !ok || k.Revision != revision {
		return nil, false
	}
	return k, true
}

// Put stores a copy of k unless a newer version is already cached.
func (c *KlassCache) Put(tenant string, k *types.Klass) {
	key := Key{tenant, k.ID}

	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.lru.Peek(key); ok && newer(cur, k) {
		return
	}
	if evicted := c.lru.Add(key, k.Clone()); evicted {
		c.metrics.Evictions.Add(1)
	}
}

func newer(a, b *types.Klass) bool {
	if a.Revision != b.Revision {
		return a.Revision > b.Revision
	}
	return a.UpdatedAt.After(b.UpdatedAt)
}

// Invalidate drops a klass from the cache.
func (c *KlassCache) Invalidate(tenant string, klassID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lru.Remove(Key{tenant, klassID}) {
		c.metrics.Invalidations.Add(1)
	}
}

// InvalidateTenant drops every klass of a tenant.
func (c *KlassCache) InvalidateTenant(tenant string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range c.lru.Keys() {
		if key.Tenant == tenant && c.lru.Remove(key) {
			c.metrics.Invalidations.Add(1)
		}
	}
}

// Len returns the number of cached klasses.
func (c *KlassCache) Len() int {
	return c.lru.Len()
}

// Stats returns current cache metrics.
func (c *KlassCache) Stats() (hits, misses, evictions, invalidations int64) {
	return c.metrics.Hits.Load(), c.metrics.Misses.Load(), c.metrics.Evictions.Load(), c.metrics.Invalidations.Load()
}

// HitRate returns the cache hit rate as a percentage.
func (c *KlassCache) HitRate() float64 {
	hits := c.metrics.Hits.Load()
	misses := c.metrics.Misses.Load()
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}
