package packs

import (
	"sync"
	"time"
)

// Cache is an in-memory TTL cache for generated subgraph packs, keyed by
// (pack type, subject id). Each pack type carries its own TTL, reflecting
// how quickly that view of the graph goes stale.
//
// The cache is process-local by design: packs tolerate staleness up to
// their TTL, so cross-instance invalidation buys nothing. Construct one per
// service and inject it; there is no package-level singleton.
type Cache struct {
	mu      sync.RWMutex
	entries map[cacheKey]cacheEntry
	done    chan struct{}
	once    sync.Once
}

type cacheKey struct {
	packType  PackType
	subjectID string
}

type cacheEntry struct {
	pack      Pack
	expiresAt time.Time
}

// NewCache creates a Cache and starts its background eviction goroutine.
// Call Close to stop it.
func NewCache() *Cache {
	c := &Cache{
		entries: make(map[cacheKey]cacheEntry),
		done:    make(chan struct{}),
	}
	go c.evictLoop()
	return c
}

// Get returns the cached pack and true if a live entry exists.
// Expired entries are never served, even before eviction runs.
func (c *Cache) Get(packType PackType, subjectID string) (Pack, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[cacheKey{packType: packType, subjectID: subjectID}]
	if !ok || time.Now().After(entry.expiresAt) {
		return Pack{}, false
	}
	return entry.pack, true
}

// Set stores a pack under its type's TTL.
func (c *Cache) Set(pack Pack) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[cacheKey{packType: pack.Type, subjectID: pack.SubjectID}] = cacheEntry{
		pack:      pack,
		expiresAt: time.Now().Add(pack.Type.TTL()),
	}
}

// ClearSubject removes all pack types cached for one subject.
func (c *Cache) ClearSubject(subjectID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k := range c.entries {
		if k.subjectID == subjectID {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// ClearAll empties the cache.
func (c *Cache) ClearAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := len(c.entries)
	c.entries = make(map[cacheKey]cacheEntry)
	return removed
}

// Len returns the number of entries, including not-yet-evicted expired ones.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the background eviction goroutine. Safe to call multiple times.
func (c *Cache) Close() {
	c.once.Do(func() { close(c.done) })
}

// evictLoop removes expired entries every minute.
func (c *Cache) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *Cache) evictExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range c.entries {
		if now.After(v.expiresAt) {
			delete(c.entries, k)
		}
	}
}
