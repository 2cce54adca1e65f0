// Package cache implements the content-addressed L1 response cache used
// for request deduplication. Keys are deterministic hashes of
// (tool, canonical params), so identical invocations collapse to one
// entry regardless of JSON key order in the params.
package cache

import (
	"container/list"
	"encoding/json"
	"fmt"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/foundry/internal/codec"
)

// DefaultCapacity bounds the entry count when none is configured.
const DefaultCapacity = 1024

// DefaultTTL applies to Set calls that pass a non-positive ttl.
const DefaultTTL = 5 * time.Minute

// Cache is a fixed-capacity LRU with per-entry TTL. Safe for concurrent
// use. Expired entries are dropped lazily on access and during eviction.
type Cache struct {
	mu         sync.Mutex
	capacity   int
	defaultTTL time.Duration
	items      map[string]*list.Element
	order      *list.List // front = most recent
	clock      func() time.Time

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

type entry struct {
	key       string
	value     json.RawMessage
	expiresAt time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the wall clock for deterministic expiry tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Cache) { c.clock = clock }
}

// New creates a cache. Non-positive capacity or ttl fall back to the
// package defaults.
func New(capacity int, defaultTTL time.Duration, opts ...Option) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	c := &Cache{
		capacity:   capacity,
		defaultTTL: defaultTTL,
		items:      make(map[string]*list.Element),
		order:      list.New(),
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key computes the deterministic cache key for a tool invocation. Params
// may be raw JSON or any JSON-marshalable value.
func Key(tool string, params any) (string, error) {
	raw, ok := params.(json.RawMessage)
	if !ok {
		data, err := json.Marshal(params)
		if err != nil {
			return "", fmt.Errorf("cache key: %w", err)
		}
		raw = data
	}
	return codec.RequestKey(tool, raw)
}

// Get returns the cached value for key, or (nil, false) on miss or
// expiry.
func (c *Cache) Get(key string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}

	e := el.Value.(*entry)
	if c.clock().After(e.expiresAt) {
		c.removeLocked(el)
		c.misses.Add(1)
		return nil, false
	}

	c.order.MoveToFront(el)
	c.hits.Add(1)
	return e.value, true
}

// Has reports whether key is present and unexpired, without touching
// recency or hit/miss counters.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return false
	}
	if c.clock().After(el.Value.(*entry).expiresAt) {
		c.removeLocked(el)
		return false
	}
	return true
}

// Set stores value under key. A non-positive ttl uses the default. An
// existing entry is overwritten and refreshed.
func (c *Cache) Set(key string, value json.RawMessage, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.clock().Add(ttl)
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry)
		e.value = value
		e.expiresAt = expiresAt
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&entry{key: key, value: value, expiresAt: expiresAt})
	c.items[key] = el

	for len(c.items) > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
		c.evictions.Add(1)
	}
}

// Invalidate removes all entries whose key matches pattern (path.Match
// syntax; "*" clears everything). Returns the number removed.
func (c *Cache) Invalidate(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry)
		if ok, err := path.Match(pattern, e.key); err == nil && ok {
			c.removeLocked(el)
			removed++
		}
		el = next
	}
	return removed
}

// Len returns the current entry count, including not-yet-collected
// expired entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Size      int
}

func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      c.Len(),
	}
}

func (c *Cache) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	c.order.Remove(el)
	delete(c.items, e.key)
}
