// Package dedup suppresses double-processing of messages that arrive through
// more than one path (live push, polled fetch, optimistic local echo).
package dedup

import "sync"

// Default capacity bounds. When the set grows past highWater, the oldest
// insertions are evicted down to retention. Duplicate delivery windows are
// short-lived, so insertion-order FIFO is enough; no LRU, no per-item TTL.
const (
	DefaultHighWater = 2048
	DefaultRetention = 1536
)

// Cache is a bounded set of recently-seen message identifiers, including
// client-generated provisional identifiers.
type Cache struct {
	mu        sync.Mutex
	seen      map[string]struct{}
	order     []string // insertion order, oldest first
	highWater int
	retention int
}

// New creates a cache with the default capacity bounds.
func New() *Cache {
	return NewWithBounds(DefaultHighWater, DefaultRetention)
}

// NewWithBounds creates a cache with explicit bounds. retention must be
// smaller than highWater; values <= 0 fall back to the defaults.
func NewWithBounds(highWater, retention int) *Cache {
	if highWater <= 0 {
		highWater = DefaultHighWater
	}
	if retention <= 0 || retention >= highWater {
		retention = highWater * 3 / 4
	}
	return &Cache{
		seen:      make(map[string]struct{}),
		highWater: highWater,
		retention: retention,
	}
}

// ShouldProcess reports whether a message with the given identifiers has not
// been seen yet. Either identifier may be empty. Callers must skip all state
// mutation when this returns false.
func (c *Cache) ShouldProcess(id, provisionalID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id != "" {
		if _, ok := c.seen[id]; ok {
			return false
		}
	}
	if provisionalID != "" {
		if _, ok := c.seen[provisionalID]; ok {
			return false
		}
	}
	return true
}

// MarkProcessed records the identifiers as seen and trims the set if it
// exceeded the high-water mark.
func (c *Cache) MarkProcessed(id, provisionalID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insert(id)
	c.insert(provisionalID)
	if len(c.order) > c.highWater {
		c.trim()
	}
}

// Len returns the number of tracked identifiers.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

// Reset clears the cache. Called on logout.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = make(map[string]struct{})
	c.order = nil
}

func (c *Cache) insert(id string) {
	if id == "" {
		return
	}
	if _, ok := c.seen[id]; ok {
		return
	}
	c.seen[id] = struct{}{}
	c.order = append(c.order, id)
}

func (c *Cache) trim() {
	evict := len(c.order) - c.retention
	for _, id := range c.order[:evict] {
		delete(c.seen, id)
	}
	c.order = append(c.order[:0:0], c.order[evict:]...)
}
