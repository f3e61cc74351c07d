package fhir

import (
	"context"
	"sync"
	"time"
)

// DefaultCacheTTL is how long MemoryCache keeps a read result.
const DefaultCacheTTL = 5 * time.Minute

// Cache is a read-through cache consulted before FHIR reads. Entries are
// invalidated on update and delete through the same Client.
type Cache interface {
	Get(ctx context.Context, resourceType, id string) (Resource, bool, error)
	Put(ctx context.Context, resourceType, id string, resource Resource) error
	Invalidate(ctx context.Context, resourceType, id string) error
}

type cacheEntry struct {
	resource  Resource
	expiresAt time.Time
}

// MemoryCache is an in-process Cache with a fixed TTL. Cached resources
// are cloned on the way in and out.
type MemoryCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]cacheEntry
	now     func() time.Time
}

// NewMemoryCache creates a cache; a non-positive ttl uses DefaultCacheTTL.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &MemoryCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

func cacheKey(resourceType, id string) string {
	return resourceType + "/" + id
}

func (c *MemoryCache) Get(_ context.Context, resourceType, id string) (Resource, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[cacheKey(resourceType, id)]
	c.mu.RUnlock()
	if !ok || !c.now().Before(e.expiresAt) {
		return nil, false, nil
	}
	return e.resource.Clone(), true, nil
}

func (c *MemoryCache) Put(_ context.Context, resourceType, id string, resource Resource) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(resourceType, id)] = cacheEntry{
		resource:  resource.Clone(),
		expiresAt: c.now().Add(c.ttl),
	}
	return nil
}

func (c *MemoryCache) Invalidate(_ context.Context, resourceType, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey(resourceType, id))
	return nil
}

// Cleanup drops expired entries and returns how many were removed.
func (c *MemoryCache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}
