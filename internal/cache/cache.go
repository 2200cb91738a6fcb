// Package cache is a small concurrency-safe TTL cache with a size bound.
package cache

import (
	"sync"
	"time"
)

type Entry[T any] struct {
	Value     T
	ExpiresAt time.Time
	storedAt  time.Time
}

// IsExpired reports whether the entry outlived its TTL. A zero ExpiresAt never expires.
func (e Entry[T]) IsExpired(now time.Time) bool {
	if e.ExpiresAt.IsZero() {
		return false
	}
	return now.After(e.ExpiresAt)
}

type Cache[T any] struct {
	mu         sync.RWMutex
	entries    map[string]Entry[T]
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

// New creates a cache. ttl <= 0 disables expiry, maxEntries <= 0 disables the bound.
func New[T any](ttl time.Duration, maxEntries int) *Cache[T] {
	return &Cache[T]{
		entries:    make(map[string]Entry[T]),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (c *Cache[T]) Get(key string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.entries[key]
	if !exists || entry.IsExpired(c.now()) {
		var zero T
		return zero, false
	}
	return entry.Value, true
}

// Set stores value, evicting expired entries and then the oldest one when full
func (c *Cache[T]) Set(key string, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = now.Add(c.ttl)
	}

	if _, exists := c.entries[key]; !exists && c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.cleanExpiredLocked(now)
		if len(c.entries) >= c.maxEntries {
			c.evictOldestLocked()
		}
	}

	c.entries[key] = Entry[T]{Value: value, ExpiresAt: expiresAt, storedAt: now}
}

func (c *Cache[T]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *Cache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache[T]) CleanExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanExpiredLocked(c.now())
}

func (c *Cache[T]) cleanExpiredLocked(now time.Time) {
	for key, entry := range c.entries {
		if entry.IsExpired(now) {
			delete(c.entries, key)
		}
	}
}

func (c *Cache[T]) evictOldestLocked() {
	var (
		oldestKey string
		oldest    time.Time
		found     bool
	)
	for key, entry := range c.entries {
		if !found || entry.storedAt.Before(oldest) {
			oldestKey, oldest, found = key, entry.storedAt, true
		}
	}
	if found {
		delete(c.entries, oldestKey)
	}
}
