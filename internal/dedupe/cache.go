// ABOUTME: Thread-safe TTL cache for suppressing repeated work on the same key.
// ABOUTME: Used by the note cache to avoid re-fetching an image that is in flight or just failed.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// entry stores the timestamp and list element for a cached key.
type entry struct {
	timestamp time.Time
	element   *list.Element
}

// Cache provides a thread-safe, TTL-based, size-limited set of recently seen keys.
// Uses a doubly-linked list to maintain insertion order for O(1) eviction.
type Cache[K comparable] struct {
	mu      sync.Mutex
	seen    map[K]*entry
	order   *list.List // keys in mark order, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// New creates a cache with the specified TTL and maximum size.
// Expired entries are dropped lazily when touched or when the cache is full.
func New[K comparable](ttl time.Duration, maxSize int) *Cache[K] {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Cache[K]{
		seen:    make(map[K]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// SetClock replaces the time source. Call before first use.
func (c *Cache[K]) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Check returns true if the key has been marked and is not expired.
func (c *Cache[K]) Check(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.seen[key]
	return ok && c.now().Sub(e.timestamp) < c.ttl
}

// CheckAndMark atomically checks if a key has been seen and marks it if not.
// Returns true if the key was already seen, false if it is new and now marked.
func (c *Cache[K]) CheckAndMark(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.seen[key]; ok && c.now().Sub(e.timestamp) < c.ttl {
		return true
	}
	c.markLocked(key)
	return false
}

// Mark records key as seen now. If the cache is at capacity the oldest entry is evicted.
func (c *Cache[K]) Mark(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key)
}

// Forget removes key so the next CheckAndMark treats it as new.
func (c *Cache[K]) Forget(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.seen[key]; ok {
		c.order.Remove(e.element)
		delete(c.seen, key)
	}
}

// Len returns the number of tracked keys, expired or not.
func (c *Cache[K]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// markLocked must be called with mu held.
func (c *Cache[K]) markLocked(key K) {
	now := c.now()

	if e, exists := c.seen[key]; exists {
		e.timestamp = now
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.pruneLocked(now)
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &entry{timestamp: now, element: elem}
}

// pruneLocked drops expired entries from the front, then the oldest one if still full.
func (c *Cache[K]) pruneLocked(now time.Time) {
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		key := front.Value.(K)
		if now.Sub(c.seen[key].timestamp) < c.ttl {
			break
		}
		c.order.Remove(front)
		delete(c.seen, key)
	}
	if len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.order.Remove(front)
			delete(c.seen, front.Value.(K))
		}
	}
}
