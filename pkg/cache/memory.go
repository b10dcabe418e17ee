package cache

import (
	"context"
	"sync"
	"time"

	sserr "github.com/helixmed/authgate/pkg/errors"
)

// defaultMemoryMaxSize caps the in-memory cache so a burst of distinct
// users cannot grow it without bound.
const defaultMemoryMaxSize = 10000

type memoryEntry struct {
	entry     *Entry
	expiresAt time.Time
}

// MemoryCache is an in-process Cache for single-instance deployments.
// Safe for concurrent use.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache creates a MemoryCache. Non-positive ttl and maxSize
// fall back to DefaultTTL and an internal cap.
func NewMemoryCache(ttl time.Duration, maxSize int) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = defaultMemoryMaxSize
	}
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Get loads the snapshot for an email. Returns CodeNotFound on a miss
// or when the snapshot has expired.
func (c *MemoryCache) Get(_ context.Context, email string) (*Entry, error) {
	key := cacheKey(email)

	c.mu.Lock()
	defer c.mu.Unlock()

	stored, ok := c.entries[key]
	if !ok || c.now().After(stored.expiresAt) {
		delete(c.entries, key)
		return nil, sserr.New(sserr.CodeNotFound, "cache: no snapshot for email")
	}
	return stored.entry, nil
}

// Put stores the snapshot under the email with the configured TTL.
func (c *MemoryCache) Put(_ context.Context, email string, entry *Entry) error {
	key := cacheKey(email)

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxSize {
		c.evictExpiredLocked()
		if len(c.entries) >= c.maxSize {
			c.evictOldestLocked()
		}
	}

	c.entries[key] = memoryEntry{
		entry:     entry,
		expiresAt: c.now().Add(c.ttl),
	}
	return nil
}

// Invalidate removes the snapshot for an email.
func (c *MemoryCache) Invalidate(_ context.Context, email string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey(email))
	return nil
}

// Health always succeeds; the in-memory backend has no dependency.
func (c *MemoryCache) Health(context.Context) error { return nil }

// Close drops all snapshots.
func (c *MemoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]memoryEntry)
	return nil
}

// evictExpiredLocked removes expired snapshots. Caller holds the lock.
func (c *MemoryCache) evictExpiredLocked() {
	now := c.now()
	for key, stored := range c.entries {
		if now.After(stored.expiresAt) {
			delete(c.entries, key)
		}
	}
}

// evictOldestLocked removes the snapshot closest to expiry. Caller
// holds the lock.
func (c *MemoryCache) evictOldestLocked() {
	var (
		oldestKey  string
		oldestTime time.Time
		first      = true
	)
	for key, stored := range c.entries {
		if first || stored.expiresAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = stored.expiresAt
			first = false
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
