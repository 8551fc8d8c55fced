// ABOUTME: Thread-safe TTL cache for idempotent request replay.
// ABOUTME: Used by the HTTP API so a retried message submission does not start a second turn.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// State describes what Reserve found for a key.
type State int

const (
	// Reserved means the key was new and the caller now owns it.
	Reserved State = iota
	// InFlight means another caller reserved the key and has not finished.
	InFlight
	// Completed means a stored result exists for the key.
	Completed
)

// cacheEntry stores the timestamp, state and list element for a cached key.
type cacheEntry[V any] struct {
	timestamp time.Time
	element   *list.Element
	done      bool
	value     V
}

// Cache is a thread-safe, TTL-based, size-limited cache of request results
// keyed by a client-supplied idempotency key. Keys are reserved when a
// request starts and completed with its result when it succeeds.
// Uses a doubly-linked list to maintain insertion order for O(1) eviction.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry[V]
	order   *list.List // keys in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache with the specified TTL and maximum size.
// A background goroutine periodically cleans up expired entries.
func New[V any](ttl time.Duration, maxSize int) *Cache[V] {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache[V]{
		entries: make(map[string]*cacheEntry[V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Reserve atomically checks a key and claims it if it is unknown or expired.
// For Completed the stored value is returned.
func (c *Cache[V]) Reserve(key string) (State, V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	if entry, ok := c.entries[key]; ok && c.now().Sub(entry.timestamp) < c.ttl {
		if entry.done {
			return Completed, entry.value
		}
		return InFlight, zero
	}

	c.putLocked(key, &cacheEntry[V]{})
	return Reserved, zero
}

// Complete stores the result for a reserved key and restarts its TTL.
func (c *Cache[V]) Complete(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, &cacheEntry[V]{done: true, value: value})
}

// Release forgets a key so a later request may retry it.
func (c *Cache[V]) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		c.order.Remove(entry.element)
		delete(c.entries, key)
	}
}

// Len returns the number of entries, including expired ones not yet cleaned up.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// putLocked inserts or replaces an entry. Must be called with mu held.
func (c *Cache[V]) putLocked(key string, entry *cacheEntry[V]) {
	entry.timestamp = c.now()

	// If key already exists, replace it and move to back
	if existing, ok := c.entries[key]; ok {
		entry.element = existing.element
		c.entries[key] = entry
		c.order.MoveToBack(entry.element)
		return
	}

	// Evict oldest if at capacity
	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	entry.element = c.order.PushBack(key)
	c.entries[key] = entry
}

// evictOldest removes the oldest entry from the cache.
// Must be called with mu held. O(1) operation using linked list.
func (c *Cache[V]) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache[V]) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries from the cache.
func (c *Cache[V]) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, entry := range c.entries {
		if now.Sub(entry.timestamp) > c.ttl {
			c.order.Remove(entry.element)
			delete(c.entries, key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
