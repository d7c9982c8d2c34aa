// Package cache provides caching implementations for Heron.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/opensource-finance/heron/internal/domain"
)

const (
	defaultLocalMaxSize = 10000
	defaultLocalTTL     = 5 * time.Minute
)

// LRUCache is a thread-safe LRU cache with TTL support.
// Used as the Community tier cache and as L1 in two-phase caching.
// Entries never outlive maxTTL, whatever TTL they were set with.
type LRUCache struct {
	items   *expirable.LRU[string, cacheEntry]
	maxSize int
	maxTTL  time.Duration
}

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewLRUCache creates a new LRU cache with the specified max size and TTL ceiling.
func NewLRUCache(maxSize int, maxTTL time.Duration) *LRUCache {
	if maxSize <= 0 {
		maxSize = defaultLocalMaxSize
	}
	if maxTTL <= 0 {
		maxTTL = defaultLocalTTL
	}
	return &LRUCache{
		items:   expirable.NewLRU[string, cacheEntry](maxSize, nil, maxTTL),
		maxSize: maxSize,
		maxTTL:  maxTTL,
	}
}

// Get retrieves a value from cache.
func (c *LRUCache) Get(ctx context.Context, namespace string, key string) ([]byte, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace is required")
	}

	fullKey := c.makeKey(namespace, key)
	entry, ok := c.items.Get(fullKey)
	if !ok {
		return nil, nil
	}
	if time.Now().After(entry.expiresAt) {
		c.items.Remove(fullKey)
		return nil, nil
	}
	return entry.value, nil
}

// Set stores a value in cache with TTL.
func (c *LRUCache) Set(ctx context.Context, namespace string, key string, value []byte, ttl time.Duration) error {
	if namespace == "" {
		return fmt.Errorf("namespace is required")
	}
	if ttl <= 0 || ttl > c.maxTTL {
		ttl = c.maxTTL
	}

	c.items.Add(c.makeKey(namespace, key), cacheEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	})
	return nil
}

// Delete removes a value from cache.
func (c *LRUCache) Delete(ctx context.Context, namespace string, key string) error {
	if namespace == "" {
		return fmt.Errorf("namespace is required")
	}
	c.items.Remove(c.makeKey(namespace, key))
	return nil
}

// GetDataset retrieves a cached dataset.
func (c *LRUCache) GetDataset(ctx context.Context, namespace string, key string) (*domain.Dataset, error) {
	return getDataset(ctx, c, namespace, key)
}

// SetDataset caches a dataset.
func (c *LRUCache) SetDataset(ctx context.Context, namespace string, key string, ds *domain.Dataset, ttl time.Duration) error {
	return setDataset(ctx, c, namespace, key, ds, ttl)
}

// Ping checks cache health.
func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close cleans up the cache.
func (c *LRUCache) Close() error {
	c.items.Purge()
	return nil
}

// Stats returns cache statistics.
func (c *LRUCache) Stats() (size int, capacity int) {
	return c.items.Len(), c.maxSize
}

func (c *LRUCache) makeKey(namespace, key string) string {
	return namespace + ":" + key
}
