package manifest

import (
	"sync"
	"sync/atomic"

	"github.com/freeeve/lakehouse/internal/spec"
)

// Cache holds decoded manifest files by name. Manifest files are immutable,
// so a name identifies its content and entries never go stale. Callers must
// not modify returned entries.
type Cache struct {
	mu         sync.RWMutex
	cache      map[string][]*spec.ManifestEntry
	order      []string // FIFO order for eviction
	maxEntries int
	hits       uint64
	misses     uint64
}

// NewCache keeps up to maxManifests decoded manifest files.
func NewCache(maxManifests int) *Cache {
	return &Cache{
		cache:      make(map[string][]*spec.ManifestEntry),
		maxEntries: maxManifests,
	}
}

// Get returns the cached entries of a manifest file.
func (c *Cache) Get(name string) ([]*spec.ManifestEntry, bool) {
	c.mu.RLock()
	entries, ok := c.cache[name]
	c.mu.RUnlock()
	if ok {
		atomic.AddUint64(&c.hits, 1)
	} else {
		atomic.AddUint64(&c.misses, 1)
	}
	return entries, ok
}

// Put caches entries, evicting the oldest manifest when full.
func (c *Cache) Put(name string, entries []*spec.ManifestEntry) {
	if c.maxEntries <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.cache[name]; exists {
		return
	}
	for len(c.cache) >= c.maxEntries && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.cache, oldest)
	}
	c.cache[name] = entries
	c.order = append(c.order, name)
}

// Invalidate drops a manifest file. Its slot in the eviction order is
// skipped later.
func (c *Cache) Invalidate(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, name)
}

// Stats returns cache statistics.
func (c *Cache) Stats() (hits, misses uint64, size int) {
	c.mu.RLock()
	size = len(c.cache)
	c.mu.RUnlock()
	return atomic.LoadUint64(&c.hits), atomic.LoadUint64(&c.misses), size
}
