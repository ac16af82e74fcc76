package auth

import (
	"sync"
	"time"
)

// AuthCache is a TTL cache of verified principals. Uses sync.Map for
// lock-free reads on the hot path.
type AuthCache struct {
	store sync.Map // map[string]*cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	principal *Principal
	expiresAt time.Time
}

// NewAuthCache creates a cache with the given TTL.
func NewAuthCache(ttl time.Duration) *AuthCache {
	return &AuthCache{ttl: ttl, now: time.Now}
}

// Get returns the cached principal for key if it has not expired. Expired
// entries are removed.
func (c *AuthCache) Get(key string) (*Principal, bool) {
	val, ok := c.store.Load(key)
	if !ok {
		return nil, false
	}
	entry := val.(*cacheEntry)
	if c.now().Before(entry.expiresAt) {
		return entry.principal, true
	}
	c.store.CompareAndDelete(key, entry)
	return nil, false
}

// Set stores a principal with the configured TTL.
func (c *AuthCache) Set(key string, p *Principal) {
	c.store.Store(key, &cacheEntry{
		principal: p,
		expiresAt: c.now().Add(c.ttl),
	})
}

// Delete removes an entry from the cache.
func (c *AuthCache) Delete(key string) {
	c.store.Delete(key)
}
