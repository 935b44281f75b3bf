package cache

import (
	"time"

	"github.com/maypok86/otter"
)

// Cache wraps Otter cache for replica set lookups
type Cache struct {
	store otter.CacheWithVariableTTL[string, string]
}

// New creates a new cache with the specified max size
func New(maxSize int) (*Cache, error) {
	store, err := otter.MustBuilder[string, string](maxSize).
		WithVariableTTL().
		Build()
	if err != nil {
		return nil, err
	}
	return &Cache{store: store}, nil
}

// Get retrieves a cached value by key
func (c *Cache) Get(key string) (string, bool) {
	return c.store.Get(key)
}

// Set stores a value with the specified TTL
func (c *Cache) Set(key string, value string, ttl time.Duration) {
	c.store.Set(key, value, ttl)
}

// Delete removes an entry from the cache
func (c *Cache) Delete(key string) {
	c.store.Delete(key)
}

// Clear removes all entries, e.g. after a topology change
func (c *Cache) Clear() {
	c.store.Clear()
}

// Close releases the cache resources
func (c *Cache) Close() {
	c.store.Close()
}
