package tokens

import (
	"sync"
	"time"
)

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// memoryCache is the in-process token tier, keyed by (connectionID, direction).
// It is explicitly constructed and handed to the Service rather than living as
// package state. Growth is bounded by the number of active connections times
// two directions; expired entries are evicted opportunistically on writes.
type memoryCache struct {
	mu      sync.Mutex
	entries map[string]cachedToken
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string]cachedToken)}
}

// get returns a token that remains valid past the given instant.
func (c *memoryCache) get(key string, validUntil time.Time) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || !entry.expiresAt.After(validUntil) {
		delete(c.entries, key)
		return "", false
	}
	return entry.token, true
}

func (c *memoryCache) put(key, token string, expiresAt time.Time, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if !e.expiresAt.After(now) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = cachedToken{token: token, expiresAt: expiresAt}
}

func (c *memoryCache) drop(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}
