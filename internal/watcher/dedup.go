package watcher

import "container/list"

// FIFOCache is a bounded set with insertion-order eviction. Re-inserting a
// present key does not refresh its position.
//
// The cache plays two roles: dedup correctness (a key in the cache is never
// re-emitted while it remains there) and decode avoidance (transactions that
// matched no event are not re-decoded every cycle). Correctness dominates the
// sizing: capacity must exceed the realistic maximum number of relevant items
// in one cold-start look-back window.
type FIFOCache struct {
	capacity int
	items    map[string]*list.Element
	order    *list.List
}

// NewFIFOCache creates a cache with the given capacity (256 when <= 0).
func NewFIFOCache(capacity int) *FIFOCache {
	if capacity <= 0 {
		capacity = 256
	}
	return &FIFOCache{
		capacity: capacity,
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Contains reports whether key is present.
func (c *FIFOCache) Contains(key string) bool {
	_, ok := c.items[key]
	return ok
}

// Insert adds key, evicting the oldest entry when full. No-op if present.
func (c *FIFOCache) Insert(key string) {
	if _, ok := c.items[key]; ok {
		return
	}
	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(string))
		}
	}
	c.items[key] = c.order.PushFront(key)
}

// Len returns the number of keys in the cache.
func (c *FIFOCache) Len() int {
	return c.order.Len()
}
