// Package noncecache implements HoneyGrid's C2 component: a bounded,
// thread-safe LRU set of recently-seen nonces, used as the collector's
// fast-path replay filter. The authoritative replay defence remains the
// uniqueness constraint in internal/store (C4); this cache only spares a
// DB round-trip for the common case.
package noncecache

import (
	"container/list"
	"sync"
)

// Cache is a fixed-capacity LRU set of nonce strings.
type Cache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

// New creates a Cache with the given capacity. A non-positive capacity
// defaults to 1000, matching the reference default.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Cache{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element, capacity),
	}
}

// Contains reports whether nonce has been seen. It does not affect
// recency ordering.
func (c *Cache) Contains(nonce string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.index[nonce]
	return ok
}

// Add records nonce as seen, evicting the least-recently-used entry if the
// cache is at capacity. It reports whether the nonce was already present
// (a collision, which C6 reports as a replay); in that case the entry is
// moved to most-recently-used without growing the cache.
func (c *Cache) Add(nonce string) (alreadyPresent bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[nonce]; ok {
		c.order.MoveToFront(el)
		return true
	}

	el := c.order.PushFront(nonce)
	c.index[nonce] = el

	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.index, oldest.Value.(string))
		}
	}
	return false
}

// Size returns the current number of entries.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
