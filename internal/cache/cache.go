// Package cache holds the per-resource TTL caches that sit in front of the
// Canvas fetcher.
package cache

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"canvasgroups.org/internal/obs"
)

// FetchFunc produces the records for a key on a miss.
type FetchFunc func(ctx context.Context) ([]json.RawMessage, error)

// Entry describes one live key for diagnostics.
type Entry struct {
	Key          string        `json:"key"`
	InsertedAt   time.Time     `json:"inserted_at"`
	TTLRemaining time.Duration `json:"ttl_remaining"`
}

// Stats are cumulative counters since the cache was created.
type Stats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Writes  uint64 `json:"writes"`
	Expired uint64 `json:"expired"`
}

// Reads is hits plus misses.
func (s Stats) Reads() uint64 { return s.Hits + s.Misses }

type item struct {
	value      []json.RawMessage
	insertedAt time.Time
	expiresAt  time.Time
}

// Cache is one named key → records store with a fixed TTL. Entries are
// replaced whole, never mutated in place. Failed fetches are never stored.
type Cache struct {
	name string
	ttl  time.Duration
	now  func() time.Time

	mu    sync.RWMutex
	items map[string]item
	group singleflight.Group

	hits, misses, writes, expired atomic.Uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock injects the time source; tests use it to step past TTLs.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates an empty cache.
func New(name string, ttl time.Duration, opts ...Option) *Cache {
	c := &Cache{
		name:  name,
		ttl:   ttl,
		now:   time.Now,
		items: make(map[string]item),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) Name() string       { return c.name }
func (c *Cache) TTL() time.Duration { return c.ttl }

// Get returns the live value for key. An expired entry is removed and
// reported absent.
func (c *Cache) Get(key string) ([]json.RawMessage, bool) {
	now := c.now()
	c.mu.RLock()
	it, ok := c.items[key]
	c.mu.RUnlock()

	if ok && now.Before(it.expiresAt) {
		c.hits.Add(1)
		obs.CacheLookup(c.name, true)
		return it.value, true
	}
	if ok {
		c.mu.Lock()
		if cur, still := c.items[key]; still && !now.Before(cur.expiresAt) {
			delete(c.items, key)
			c.expiredLocked(key, 1)
		}
		c.mu.Unlock()
	}
	c.misses.Add(1)
	obs.CacheLookup(c.name, false)
	return nil, false
}

// Set stores value under key with the cache TTL, replacing any prior entry.
func (c *Cache) Set(key string, value []json.RawMessage) {
	now := c.now()
	c.mu.Lock()
	c.items[key] = item{value: value, insertedAt: now, expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()
	c.writes.Add(1)
}

// GetOrFetch returns the live entry for key without calling fetch, or
// calls fetch, stores a successful result and returns it. Concurrent
// misses on the same key share one successful fetch; a failure is
// returned only to the caller whose fetch produced it.
func (c *Cache) GetOrFetch(ctx context.Context, key string, fetch FetchFunc) ([]json.RawMessage, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	led := false
	ch := c.group.DoChan(key, func() (any, error) {
		led = true
		// A flight that finished between our miss and DoChan already stored it.
		if v, ok := c.peek(key); ok {
			return v, nil
		}
		return c.fill(ctx, key, fetch)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			// Only values are shared. A failed flight ran with another
			// caller's context and credential, so waiters fetch for themselves.
			if !led && ctx.Err() == nil {
				return c.fill(ctx, key, fetch)
			}
			return nil, res.Err
		}
		return res.Val.([]json.RawMessage), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) peek(key string) ([]json.RawMessage, bool) {
	now := c.now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	it, ok := c.items[key]
	if !ok || !now.Before(it.expiresAt) {
		return nil, false
	}
	return it.value, true
}

func (c *Cache) fill(ctx context.Context, key string, fetch FetchFunc) ([]json.RawMessage, error) {
	v, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	if v == nil {
		v = []json.RawMessage{}
	}
	c.Set(key, v)
	return v, nil
}

// Entries lists live keys sorted by key. Listing never touches TTLs.
func (c *Cache) Entries() []Entry {
	now := c.now()
	c.mu.RLock()
	out := make([]Entry, 0, len(c.items))
	for k, it := range c.items {
		if !now.Before(it.expiresAt) {
			continue
		}
		out = append(out, Entry{Key: k, InsertedAt: it.insertedAt, TTLRemaining: it.expiresAt.Sub(now)})
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Sweep removes every expired entry and returns how many were dropped.
func (c *Cache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, it := range c.items {
		if !now.Before(it.expiresAt) {
			delete(c.items, k)
			c.expiredLocked(k, 1)
			n++
		}
	}
	return n
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.items = make(map[string]item)
	c.mu.Unlock()
}

// Len counts stored entries, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *Cache) Stats() Stats {
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Writes:  c.writes.Load(),
		Expired: c.expired.Load(),
	}
}

func (c *Cache) expiredLocked(key string, n int) {
	c.expired.Add(uint64(n))
	obs.CacheEvicted(c.name, n)
	obs.Info("cache entry expired", map[string]any{"cache": c.name, "key": key})
}
