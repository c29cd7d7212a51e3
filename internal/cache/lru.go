package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// AssignmentCache is a size-bounded LRU with TTL expiration, used to memoize
// sticky variant assignments per (experiment, requester). Assignment is
// deterministic for keyed requests, so serving from the memo is
// semantically transparent; the TTL only bounds staleness across lifecycle
// transitions (a stopped experiment stops routing within one TTL).
type AssignmentCache[K comparable, V any] struct {
	mu     sync.RWMutex
	cache  *lru.Cache[K, *memoEntry[V]]
	ttl    time.Duration
	hits   uint64
	misses uint64
}

type memoEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// New creates an assignment cache holding at most size entries, each valid
// for ttl (0 disables expiration).
func New[K comparable, V any](size int, ttl time.Duration) (*AssignmentCache[K, V], error) {
	inner, err := lru.New[K, *memoEntry[V]](size)
	if err != nil {
		return nil, err
	}
	return &AssignmentCache[K, V]{cache: inner, ttl: ttl}, nil
}

// Get returns the memoized value if present and unexpired. The LRU updates
// recency on read, so Get takes the write lock.
func (c *AssignmentCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.cache.Get(key)
	if !ok || (c.ttl > 0 && time.Now().After(entry.expiresAt)) {
		c.misses++
		var zero V
		return zero, false
	}

	c.hits++
	return entry.value, true
}

// Set memoizes a value, evicting the least recently used entry when full.
func (c *AssignmentCache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := time.Time{}
	if c.ttl > 0 {
		expiresAt = time.Now().Add(c.ttl)
	}
	c.cache.Add(key, &memoEntry[V]{value: value, expiresAt: expiresAt})
}

// Invalidate drops every memoized assignment for experiments whose routing
// changed. Callers invoke it after stop/promote so stale variants stop
// being served immediately rather than after TTL.
func (c *AssignmentCache[K, V]) Invalidate(match func(K) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range c.cache.Keys() {
		if match(key) {
			c.cache.Remove(key)
		}
	}
}

// Len returns the number of memoized entries.
func (c *AssignmentCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cache.Len()
}

// Stats reports hit/miss counters.
func (c *AssignmentCache[K, V]) Stats() (hits, misses uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses
}
