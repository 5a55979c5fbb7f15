package bus

import (
	"sync"
	"time"
)

// dedupeCache remembers recently seen message ids so broker redeliveries are
// dispatched at most once. Entries live until the envelope's own expiry and
// the cache is capacity-bounded: when full, the oldest entry is evicted
// regardless of its remaining lifetime.
type dedupeCache struct {
	mu    sync.Mutex
	seen  map[string]time.Time // id → expiry
	order []dedupeEntry        // insertion order, drives eviction
	cap   int
}

type dedupeEntry struct {
	id     string
	expiry time.Time
}

func newDedupeCache(capacity int) *dedupeCache {
	if capacity <= 0 {
		capacity = 4096
	}
	return &dedupeCache{
		seen: make(map[string]time.Time, capacity),
		cap:  capacity,
	}
}

// Seen records id and reports whether it was already present and unexpired.
// Expired entries at the front of the insertion order are reaped
// opportunistically on each call, keeping the hot path allocation-free.
func (c *dedupeCache) Seen(id string, expiry, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Reap expired entries from the front.
	for len(c.order) > 0 && now.After(c.order[0].expiry) {
		delete(c.seen, c.order[0].id)
		c.order = c.order[1:]
	}

	if exp, ok := c.seen[id]; ok && now.Before(exp) {
		return true
	}

	if len(c.order) >= c.cap {
		delete(c.seen, c.order[0].id)
		c.order = c.order[1:]
	}
	c.seen[id] = expiry
	c.order = append(c.order, dedupeEntry{id: id, expiry: expiry})
	return false
}

// Len reports the number of tracked ids.
func (c *dedupeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
