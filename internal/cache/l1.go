package cache

import (
	"path"
	"sync"
	"time"
)

// Priority orders entries for eviction pressure reporting.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

type l1Entry struct {
	value    any
	expires  time.Time
	priority Priority
}

// L1 is the in-process tier: a bounded TTL map behind a reader/writer lock.
// Eviction removes the oldest-expiring entries first.
type L1 struct {
	mu         sync.RWMutex
	entries    map[string]l1Entry
	maxEntries int
	defaultTTL time.Duration
	now        func() time.Time
}

// NewL1 creates the in-process tier.
func NewL1(maxEntries int, defaultTTL time.Duration) *L1 {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &L1{
		entries:    make(map[string]l1Entry),
		maxEntries: maxEntries,
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// Get returns the value if present and unexpired.
func (c *L1) Get(key string) (any, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || !c.now().Before(entry.expires) {
		return nil, false
	}
	return entry.value, true
}

// Set stores the value with the given TTL (zero means the default).
func (c *L1) Set(key string, value any, ttl time.Duration, priority Priority) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.maxEntries {
		c.evictLocked()
	}
	c.entries[key] = l1Entry{value: value, expires: c.now().Add(ttl), priority: priority}
}

// Delete removes a single key.
func (c *L1) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// InvalidatePattern removes keys matching a glob pattern; returns the count.
func (c *L1) InvalidatePattern(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key := range c.entries {
		if ok, _ := path.Match(pattern, key); ok {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the live entry count (expired entries included until evicted).
func (c *L1) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// evictLocked drops expired entries, then the oldest-expiring tenth.
func (c *L1) evictLocked() {
	now := c.now()
	for key, entry := range c.entries {
		if !now.Before(entry.expires) {
			delete(c.entries, key)
		}
	}
	if len(c.entries) < c.maxEntries {
		return
	}
	// Still full: shed the soonest-to-expire entries.
	toEvict := c.maxEntries / 10
	if toEvict < 1 {
		toEvict = 1
	}
	for i := 0; i < toEvict; i++ {
		var victim string
		var soonest time.Time
		for key, entry := range c.entries {
			if victim == "" || entry.expires.Before(soonest) {
				victim = key
				soonest = entry.expires
			}
		}
		if victim == "" {
			return
		}
		delete(c.entries, victim)
	}
}
