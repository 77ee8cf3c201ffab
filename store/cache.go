package store

import (
	"sync"
	"time"
)

// Cache is a small in-process TTL cache used for hot dashboard lookups
// (group lists, stats). The cache-refresh job repopulates it; reads
// past the TTL miss and fall through to the store.
type Cache struct {
	mu   sync.RWMutex
	ttl  time.Duration
	data map[string]cacheEntry
	now  func() time.Time
}

type cacheEntry struct {
	value     interface{}
	expiresAt time.Time
}

// TicketKey is the cache key convention for a single envelope. The
// change-feed consumer invalidates with the same key the read path
// populates.
func TicketKey(table, sysID string) string {
	return table + "/" + sysID
}

// NewCache creates a cache with the given entry TTL.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		ttl:  ttl,
		data: make(map[string]cacheEntry),
		now:  time.Now,
	}
}

// Get returns the cached value and whether it is still fresh.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	entry, ok := c.data[key]
	c.mu.RUnlock()
	if !ok || c.now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.value, true
}

// Set stores a value under key for the cache TTL.
func (c *Cache) Set(key string, value interface{}) {
	c.mu.Lock()
	c.data[key] = cacheEntry{value: value, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Invalidate drops a single key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()
}

// Flush drops every entry and returns how many were evicted.
func (c *Cache) Flush() int {
	c.mu.Lock()
	n := len(c.data)
	c.data = make(map[string]cacheEntry)
	c.mu.Unlock()
	return n
}

// Len reports the number of entries, including expired ones not yet
// overwritten.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
