// Package sentcache remembers which messages a connection already delivered, so a
// redelivered message is not pushed to the device twice.
package sentcache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache is a bounded first-in first-out set of keys. It is safe for concurrent use.
// A capacity of 0 disables it: Add is a no-op and Seen is always false.
//
// Lookups never refresh an entry, so the underlying LRU evicts in insertion order.
type Cache struct {
	mu       sync.RWMutex
	capacity int
	// keys is nil until the capacity is first positive.
	keys *lru.Cache[string, struct{}]
}

// New returns a cache holding at most capacity keys. Negative capacities are treated as 0.
func New(capacity int) *Cache {
	c := &Cache{}
	c.SetCapacity(capacity)
	return c
}

// Seen reports whether key is cached. The empty key is never cached.
func (c *Cache) Seen(key string) bool {
	if key == "" {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.capacity == 0 {
		return false
	}
	return c.keys.Contains(key)
}

// Add records key, evicting the oldest entry when full. Re-adding a cached key does not
// move it.
func (c *Cache) Add(key string) {
	if key == "" {
		return
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.capacity == 0 {
		return
	}
	c.keys.ContainsOrAdd(key, struct{}{})
}

// SetCapacity resizes the cache. Shrinking drops the oldest keys first; 0 empties and
// disables it.
func (c *Cache) SetCapacity(n int) {
	n = max(n, 0)
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case n == 0:
		if c.keys != nil {
			c.keys.Purge()
		}
	case c.keys == nil:
		// lru.New only fails for a non-positive size.
		c.keys, _ = lru.New[string, struct{}](n)
	default:
		c.keys.Resize(n)
	}
	c.capacity = n
}

// Capacity is the configured maximum.
func (c *Cache) Capacity() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capacity
}

// Len is the number of keys currently held.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.keys == nil {
		return 0
	}
	return c.keys.Len()
}
