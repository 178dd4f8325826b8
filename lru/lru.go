// Package lru provides the fixed-capacity recency-ordered cache used both
// as a truck's tag-value cache and as the Registry's global value cache
// (spec.md §4.3). Grounded on And-fish-kvDB's utils/cache.Cache, which
// hashes composite keys with cespare/xxhash before looking them up in its
// W-TinyLFU segments; this cache keeps that hashing step (a uint64 key is
// cheaper to carry through hashicorp/golang-lru's internal list than a
// concatenated string) but drops the admission-policy machinery (bloom
// filter, count-min sketch, segmented LRU) that And-fish-kvDB needs for a
// large shared block cache and this cache does not: spec.md wants a plain
// recency LRU, which is exactly what hashicorp/golang-lru already
// implements.
package lru

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru"
)

// Cache is a fixed-capacity, recency-ordered mapping from a composite
// (box, tag) key to an arbitrary value. Safe for concurrent use, though
// callers in this module always reach it from behind a truck or registry
// mutex already.
type Cache struct {
	mu    sync.Mutex
	inner *lru.Cache
}

// New creates a cache holding at most capacity entries. capacity <= 0 is
// treated as 1, matching hashicorp/golang-lru's own floor.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	inner, err := lru.New(capacity)
	if err != nil {
		// lru.New only errors when size <= 0, which is excluded above.
		panic(err)
	}
	return &Cache{inner: inner}
}

func hashKey(box, tag string) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(box)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(tag)
	return h.Sum64()
}

// Get returns the cached value for (box, tag) and moves it to the head of
// the recency list, or reports a miss.
func (c *Cache) Get(box, tag string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Get(hashKey(box, tag))
}

// Put inserts or overwrites the value for (box, tag), moving it to the
// head of the recency list and evicting the tail if capacity is exceeded.
func (c *Cache) Put(box, tag string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Add(hashKey(box, tag), value)
}

// Remove evicts (box, tag) if present.
func (c *Cache) Remove(box, tag string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Remove(hashKey(box, tag))
}

// Contains reports whether (box, tag) is cached, without affecting
// recency order.
func (c *Cache) Contains(box, tag string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Contains(hashKey(box, tag))
}

// Clear evicts every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Purge()
}

// Len reports the number of entries currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Len()
}
