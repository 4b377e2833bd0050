// Package cache provides the bounded TTL caches and the in-flight request
// coalescer that back remote contact and conversation lookups.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Options configure a Cache.
type Options struct {
	// TTL is the lifetime of values stored with Set.
	TTL time.Duration
	// NegativeTTL is the shorter lifetime of sentinel values stored with
	// SetNegative, so a failing or empty upstream is re-probed soon.
	NegativeTTL time.Duration
	// MaxEntries triggers eviction when an insert finds the cache at or
	// above this size. Zero disables the bound.
	MaxEntries int
	// SweepInterval enables a background expiry sweep when positive. The
	// sweep only bounds memory; reads never depend on it.
	SweepInterval time.Duration
}

type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
	elem      *list.Element
}

// Cache is a bounded, string-keyed TTL cache. Expired entries are treated
// as absent and removed on read. Insertion order is tracked explicitly so
// eviction can drop the oldest entries first.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]*entry[V]
	order   *list.List // of *entry[V], oldest insert first
	opts    Options

	done      chan struct{}
	closeOnce sync.Once
}

// New builds a cache and starts its sweep goroutine when SweepInterval is
// positive. Callers that enable the sweep must Close the cache.
func New[V any](opts Options) *Cache[V] {
	c := &Cache[V]{
		entries: make(map[string]*entry[V]),
		order:   list.New(),
		opts:    opts,
		done:    make(chan struct{}),
	}
	if opts.SweepInterval > 0 {
		go c.sweepLoop()
	}
	return c
}

// Get returns the live value for key. An expired entry is removed and
// reported as absent.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	if !time.Now().Before(e.expiresAt) {
		c.removeLocked(e)
		return zero, false
	}
	return e.value, true
}

// Set stores value under key with the full TTL.
func (c *Cache[V]) Set(key string, value V) {
	c.set(key, value, c.opts.TTL)
}

// SetNegative stores a sentinel value under the shorter negative TTL.
func (c *Cache[V]) SetNegative(key string, value V) {
	c.set(key, value, c.opts.NegativeTTL)
}

func (c *Cache[V]) set(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.entries[key]; ok {
		// Replacing a key is not growth, so it never triggers eviction.
		c.removeLocked(old)
	} else if c.opts.MaxEntries > 0 && len(c.entries) >= c.opts.MaxEntries {
		c.evictLocked()
	}
	e := &entry[V]{key: key, value: value, expiresAt: time.Now().Add(ttl)}
	e.elem = c.order.PushBack(e)
	c.entries[key] = e
}

// evictLocked clears expired entries first, then drops oldest-inserted
// entries until the cache is at or under 80% of MaxEntries.
func (c *Cache[V]) evictLocked() {
	c.expireLocked(time.Now())
	target := c.opts.MaxEntries * 4 / 5
	for len(c.entries) > target {
		front := c.order.Front()
		if front == nil {
			break
		}
		c.removeLocked(front.Value.(*entry[V]))
	}
}

func (c *Cache[V]) expireLocked(now time.Time) {
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry[V])
		if !now.Before(e.expiresAt) {
			c.removeLocked(e)
		}
		el = next
	}
}

func (c *Cache[V]) removeLocked(e *entry[V]) {
	delete(c.entries, e.key)
	if e.elem != nil {
		c.order.Remove(e.elem)
		e.elem = nil
	}
}

// Delete removes key if present.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.removeLocked(e)
	}
}

// Len reports the number of stored entries, including any that expired but
// have not been touched since.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the background sweep. Safe to call more than once.
func (c *Cache[V]) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Cache[V]) sweepLoop() {
	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			c.expireLocked(time.Now())
			c.mu.Unlock()
		case <-c.done:
			return
		}
	}
}
