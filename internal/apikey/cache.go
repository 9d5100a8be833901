package apikey

import (
	"sync"
	"time"
)

// cacheTTL bounds how long a validated key is served without a store read.
// Revocation is still immediate for the process that performed it because
// Revoke writes the sentinel directly.
const cacheTTL = 5 * time.Minute

type cacheEntry struct {
	key     *ValidatedKey // nil when revoked sentinel
	revoked bool
	expires time.Time
}

// validationCache maps lookupHash → ValidatedApiKey with a revoked sentinel.
// The cache is consulted before the persistent store; a sentinel hit returns
// without any store read.
type validationCache struct {
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

func newValidationCache(now func() time.Time) *validationCache {
	return &validationCache{now: now, entries: make(map[string]cacheEntry)}
}

func (c *validationCache) get(lookupHash string) (entry cacheEntry, ok bool) {
	c.mu.RLock()
	entry, ok = c.entries[lookupHash]
	c.mu.RUnlock()
	if !ok || c.now().After(entry.expires) {
		return cacheEntry{}, false
	}
	return entry, true
}

func (c *validationCache) putValid(lookupHash string, key *ValidatedKey) {
	c.mu.Lock()
	c.entries[lookupHash] = cacheEntry{key: key, expires: c.now().Add(cacheTTL)}
	c.mu.Unlock()
}

func (c *validationCache) putRevoked(lookupHash string) {
	c.mu.Lock()
	c.entries[lookupHash] = cacheEntry{revoked: true, expires: c.now().Add(cacheTTL)}
	c.mu.Unlock()
}

func (c *validationCache) invalidate(lookupHash string) {
	c.mu.Lock()
	delete(c.entries, lookupHash)
	c.mu.Unlock()
}

// Sweep drops expired entries; the scheduler runs it periodically.
func (c *validationCache) sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for hash, entry := range c.entries {
		if now.After(entry.expires) {
			delete(c.entries, hash)
			removed++
		}
	}
	return removed
}
