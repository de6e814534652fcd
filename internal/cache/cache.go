// Package cache provides a read-through, TTL-bounded cache over the
// prompt store's active-version lookup. Every write path that moves an
// active pointer (activate, rollback, winner promotion) must call
// Invalidate before reporting success, so readers never observe a
// stale entry after a write has been acknowledged.
package cache

import (
	"log"
	"sync"
	"time"

	"promptlab/internal/db"
)

// ActiveSource is the slice of the prompt store the cache reads through.
type ActiveSource interface {
	GetActive(name string) (*db.ActivePrompt, error)
}

type entry struct {
	value     *db.ActivePrompt
	expiresAt time.Time
}

// VersionCache caches active prompt lookups for a bounded staleness
// window. Concurrent misses for the same name may each hit the source;
// that is acceptable since GetActive is idempotent and cheap.
type VersionCache struct {
	source ActiveSource
	ttl    time.Duration

	// now is replaceable so tests can simulate expiry without sleeping.
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]entry
}

// Stats describes the current cache shape.
type Stats struct {
	Size int           `json:"size"`
	TTL  time.Duration `json:"ttl"`
}

func New(source ActiveSource, ttl time.Duration) *VersionCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &VersionCache{
		source:  source,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]entry),
	}
}

// Get returns the active template and version for name, reading
// through to the store on miss or expiry.
func (c *VersionCache) Get(name string) (*db.ActivePrompt, error) {
	c.mu.RLock()
	e, ok := c.entries[name]
	c.mu.RUnlock()
	if ok && c.now().Before(e.expiresAt) {
		return e.value, nil
	}

	value, err := c.source.GetActive(name)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[name] = entry{value: value, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return value, nil
}

// Invalidate drops any cached entry for name. A missed invalidation
// after a pointer write is a correctness bug (stale routing), not just
// a performance one.
func (c *VersionCache) Invalidate(name string) {
	c.mu.Lock()
	delete(c.entries, name)
	c.mu.Unlock()
}

// Clear drops every cached entry.
func (c *VersionCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
}

// Stats returns the current size and configured TTL.
func (c *VersionCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{Size: len(c.entries), TTL: c.ttl}
}

func (c *VersionCache) sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for name, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, name)
			removed++
		}
	}
	return removed
}

// StartSweeper launches a background goroutine that periodically drops
// expired entries so the map does not grow with dead names. Expiry is
// already enforced on read; the sweeper only bounds memory.
func (c *VersionCache) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = c.ttl
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			if removed := c.sweep(); removed > 0 {
				log.Printf("version cache sweep removed %d expired entries", removed)
			}
		}
	}()
}
