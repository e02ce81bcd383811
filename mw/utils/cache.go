package utils

import (
	"sync"
	"time"
)

type cacheItem struct {
	value      any
	expiration time.Time
}

// Cache is a small in-memory TTL cache used for data that is expensive to
// re-fetch but safe to lose on restart: contract metadata, resolved price-API
// ids, wallet chain categorization.
type Cache struct {
	data sync.Map
}

func NewCache() *Cache {
	return &Cache{}
}

// Set stores value under key. A ttl of zero means the entry never expires.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	expiration := time.Time{}
	if ttl > 0 {
		expiration = time.Now().Add(ttl)
	}
	c.data.Store(key, cacheItem{value: value, expiration: expiration})
}

// Get returns the cached value if present and not expired. Expired entries are
// removed on access.
func (c *Cache) Get(key string) (any, bool) {
	item, ok := c.data.Load(key)
	if !ok {
		return nil, false
	}
	ci := item.(cacheItem)
	if !ci.expiration.IsZero() && ci.expiration.Before(time.Now()) {
		c.data.Delete(key)
		return nil, false
	}
	return ci.value, true
}

// GetString is Get for the common string-valued case.
func (c *Cache) GetString(key string) (string, bool) {
	v, ok := c.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (c *Cache) Delete(key string) {
	c.data.Delete(key)
}

// Cleanup drops every expired entry. Callers that keep a cache for the process
// lifetime should run this periodically.
func (c *Cache) Cleanup() {
	c.data.Range(func(key, value any) bool {
		ci := value.(cacheItem)
		if !ci.expiration.IsZero() && ci.expiration.Before(time.Now()) {
			c.data.Delete(key)
		}
		return true
	})
}

// Size counts the entries that have not expired.
func (c *Cache) Size() int {
	count := 0
	c.data.Range(func(_, value any) bool {
		ci := value.(cacheItem)
		if ci.expiration.IsZero() || ci.expiration.After(time.Now()) {
			count++
		}
		return true
	})
	return count
}
