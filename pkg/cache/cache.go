package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"github.com/engramlabs/engram/pkg/metrics"
)

// Cache is a bounded LRU cache with per-entry TTL. Expired entries are
// evicted lazily on access and eagerly when an insert overflows the size
// ceiling. Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	name    string
	maxSize int
	ttl     time.Duration
	entries map[string]*list.Element
	order   *list.List // front = most recently used
	now     func() time.Time
}

type entry struct {
	key        string
	value      any
	insertedAt time.Time
}

// New creates a cache with the given size ceiling and TTL. The name labels
// the cache in metrics.
func New(name string, maxSize int, ttl time.Duration) *Cache {
	return &Cache{
		name:    name,
		maxSize: maxSize,
		ttl:     ttl,
		entries: make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

// Get returns the cached value for key. A hit is never older than the TTL.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		metrics.CacheMissesTotal.WithLabelValues(c.name).Inc()
		return nil, false
	}

	e := el.Value.(*entry)
	if c.now().Sub(e.insertedAt) >= c.ttl {
		c.removeLocked(el, "expired")
		metrics.CacheMissesTotal.WithLabelValues(c.name).Inc()
		return nil, false
	}

	c.order.MoveToFront(el)
	metrics.CacheHitsTotal.WithLabelValues(c.name).Inc()
	return e.value, true
}

// Set inserts or replaces the value for key, resetting its TTL.
func (c *Cache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		e := el.Value.(*entry)
		e.value = value
		e.insertedAt = c.now()
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&entry{key: key, value: value, insertedAt: c.now()})
	c.entries[key] = el

	if c.order.Len() > c.maxSize {
		c.evictLocked()
	}
}

// evictLocked drops expired entries first, then the least recently used live
// entry if the cache is still over capacity.
func (c *Cache) evictLocked() {
	now := c.now()
	for el := c.order.Back(); el != nil && c.order.Len() > c.maxSize; {
		prev := el.Prev()
		if now.Sub(el.Value.(*entry).insertedAt) >= c.ttl {
			c.removeLocked(el, "expired")
		}
		el = prev
	}
	for c.order.Len() > c.maxSize {
		c.removeLocked(c.order.Back(), "lru")
	}
}

func (c *Cache) removeLocked(el *list.Element, reason string) {
	e := el.Value.(*entry)
	delete(c.entries, e.key)
	c.order.Remove(el)
	metrics.CacheEvictionsTotal.WithLabelValues(c.name, reason).Inc()
}

// Invalidate removes a single key. Missing keys are a no-op.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.removeLocked(el, "invalidated")
	}
}

// InvalidatePrefix removes every key with the given prefix before returning.
func (c *Cache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, el := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.removeLocked(el, "invalidated")
		}
	}
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*list.Element)
	c.order.Init()
}

// Len returns the number of live entries, counting entries that have expired
// but not yet been evicted.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
