// Package local provides an in-process lock store.
//
// Cache is a map of string values with per-key deadlines implementing
// lock.KV. Locks held through it only exclude goroutines of the same
// process, which makes it suitable for single-instance deployments and for
// tests.
package local

import (
	"context"
	"sync"
	"time"

	"github.com/kalbasit/dlock/pkg/lock"
)

// timeNow allows mocking time.Now for testing purposes
//
//nolint:gochecknoglobals // This is used for testing purposes
var timeNow = time.Now

// purgeEvery is the number of writes between two sweeps of expired entries.
const purgeEvery = 1024

type entry struct {
	value     string
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool { return !now.Before(e.expiresAt) }

// Cache is an in-memory key-value map with expiry. It is safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	writes  int
}

// NewCache returns an empty Cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]entry)}
}

// NewStore returns a lock.Store backed by a new Cache.
//
// The compare operations go through lock.NewFallbackStore. Within a single
// process they cannot interleave with another writer in a harmful way as
// long as a handle's own operations are not run concurrently.
func NewStore() *lock.FallbackStore {
	return lock.NewFallbackStore(NewCache())
}

// SetNX implements lock.KV.
func (c *Cache) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := timeNow()

	if e, ok := c.entries[key]; ok && !e.expired(now) {
		return false, nil
	}

	c.write(now, key, value, ttl)

	return true, nil
}

// Get implements lock.KV.
func (c *Cache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return "", false, nil
	}

	if e.expired(timeNow()) {
		delete(c.entries, key)

		return "", false, nil
	}

	return e.value, true, nil
}

// Set implements lock.KV.
func (c *Cache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.write(timeNow(), key, value, ttl)

	return nil
}

// Delete implements lock.KV.
func (c *Cache) Delete(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false, nil
	}

	delete(c.entries, key)

	return !e.expired(timeNow()), nil
}

// TTL returns the remaining time-to-live of key.
func (c *Cache) TTL(key string) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := timeNow()

	e, ok := c.entries[key]
	if !ok || e.expired(now) {
		return 0, false
	}

	return e.expiresAt.Sub(now), true
}

// Len returns the number of entries, expired or not, currently in the map.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

// Purge removes every expired entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purge(timeNow())
}

func (c *Cache) write(now time.Time, key, value string, ttl time.Duration) {
	c.entries[key] = entry{value: value, expiresAt: now.Add(ttl)}

	c.writes++
	if c.writes%purgeEvery == 0 {
		c.purge(now)
	}
}

func (c *Cache) purge(now time.Time) {
	for key, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, key)
		}
	}
}
