package engine

import (
	"sort"
	"sync"
	"time"
)

// Cache defaults.
const (
	DefaultCacheTTL     = time.Hour
	DefaultCacheMaxSize = 5000
)

// AnalysisCache maps action fingerprints to assessments with a TTL and a
// hard size cap. Expired entries are purged opportunistically on Set, at
// most once per quarter TTL or whenever the cap is exceeded; when the cap is
// still exceeded the oldest entries are dropped first.
type AnalysisCache struct {
	mu        sync.RWMutex
	entries   map[string]cacheEntry
	ttl       time.Duration
	maxSize   int
	lastSweep time.Time
	now       func() time.Time
}

type cacheEntry struct {
	assessment RiskAssessment
	storedAt   time.Time
}

// CacheGetResult holds the result of a cache lookup.
type CacheGetResult struct {
	Assessment RiskAssessment
	Hit        bool
}

// NewAnalysisCache creates a cache. Zero values select the defaults.
func NewAnalysisCache(ttl time.Duration, maxSize int) *AnalysisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultCacheMaxSize
	}
	return &AnalysisCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Get returns a copy of the cached assessment for fp, tagged Cached=true.
// Entries older than the TTL are treated as misses.
func (c *AnalysisCache) Get(fp string) CacheGetResult {
	c.mu.RLock()
	e, ok := c.entries[fp]
	c.mu.RUnlock()
	if !ok || c.now().Sub(e.storedAt) >= c.ttl {
		return CacheGetResult{}
	}
	a := e.assessment.Clone()
	a.Cached = true
	return CacheGetResult{Assessment: a, Hit: true}
}

// Set stores a copy of a under fp. Last write wins.
func (c *AnalysisCache) Set(fp string, a RiskAssessment) {
	a = a.Clone()
	a.Cached = false

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.entries[fp] = cacheEntry{assessment: a, storedAt: now}
	switch {
	case len(c.entries) > c.maxSize:
		c.evictLocked()
	case now.Sub(c.lastSweep) >= c.ttl/4:
		c.sweepLocked(now)
	}
}

// Delete removes fp. Deleting a missing key is a no-op.
func (c *AnalysisCache) Delete(fp string) {
	c.mu.Lock()
	delete(c.entries, fp)
	c.mu.Unlock()
}

// Purge drops every entry.
func (c *AnalysisCache) Purge() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

// Len returns the number of stored entries, expired ones included.
func (c *AnalysisCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *AnalysisCache) sweepLocked(now time.Time) {
	c.lastSweep = now
	for fp, e := range c.entries {
		if now.Sub(e.storedAt) >= c.ttl {
			delete(c.entries, fp)
		}
	}
}

func (c *AnalysisCache) evictLocked() {
	c.sweepLocked(c.now())
	excess := len(c.entries) - c.maxSize
	if excess <= 0 {
		return
	}

	type aged struct {
		fp       string
		storedAt time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for fp, e := range c.entries {
		all = append(all, aged{fp: fp, storedAt: e.storedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].storedAt.Before(all[j].storedAt) })
	for _, a := range all[:excess] {
		delete(c.entries, a.fp)
	}
}
