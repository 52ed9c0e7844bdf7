package cache

import (
	"slices"
	"sync"
)

// Cache is a weight-bounded cache with approximate LRU eviction.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*cacheEntry[V]
	weigh   func(V) int
	limit   int
	weight  int
	tick    int64 // monotonic access counter

	hits, misses, evictions uint64
}

type cacheEntry[V any] struct {
	value  V
	weight int
	atime  int64
}

// New creates a cache holding at most limit total weight. weigh reports the
// weight of a value; nil counts every entry as 1. A limit <= 0 disables the
// cache: Set stores nothing and Get always misses.
func New[K comparable, V any](limit int, weigh func(V) int) *Cache[K, V] {
	if weigh == nil {
		weigh = func(V) int { return 1 }
	}
	return &Cache[K, V]{
		entries: make(map[K]*cacheEntry[V]),
		weigh:   weigh,
		limit:   limit,
	}
}

// Get returns the value stored under key and marks it as recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	c.tick++
	e.atime = c.tick
	return e.value, true
}

// Set stores value under key, replacing any previous value. A value heavier
// than the whole limit is not stored.
func (c *Cache[K, V]) Set(key K, value V) {
	w := c.weigh(value)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.limit <= 0 || w > c.limit {
		c.removeLocked(key)
		return
	}
	c.removeLocked(key)
	c.tick++
	c.entries[key] = &cacheEntry[V]{value: value, weight: w, atime: c.tick}
	c.weight += w
	if c.weight > c.limit {
		c.evictLocked()
	}
}

// Delete removes key. It reports whether an entry was present.
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(key)
}

// DeleteFunc removes every entry whose key satisfies del.
func (c *Cache[K, V]) DeleteFunc(del func(K) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k := range c.entries {
		if del(k) && c.removeLocked(k) {
			n++
		}
	}
	return n
}

// Clear removes all entries. Counters are kept.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	clear(c.entries)
	c.weight = 0
}

// Len returns the number of entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Len:       len(c.entries),
		Weight:    c.weight,
		Limit:     c.limit,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

func (c *Cache[K, V]) removeLocked(key K) bool {
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	c.weight -= e.weight
	delete(c.entries, key)
	return true
}

// evictLocked drops the oldest entries until the weight is at most 3/4 of
// the limit.
func (c *Cache[K, V]) evictLocked() {
	target := c.limit * 3 / 4

	type aged struct {
		key   K
		atime int64
	}
	order := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		order = append(order, aged{k, e.atime})
	}
	slices.SortFunc(order, func(a, b aged) int {
		switch {
		case a.atime < b.atime:
			return -1
		case a.atime > b.atime:
			return 1
		}
		return 0
	})
	for _, a := range order {
		if c.weight <= target {
			break
		}
		c.removeLocked(a.key)
		c.evictions++
	}
}

// Stats contains cache statistics.
type Stats struct {
	Len       int
	Weight    int
	Limit     int
	Hits      uint64
	Misses    uint64
	HitRate   float64
	Evictions uint64
}
