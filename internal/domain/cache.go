package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching fetched datasets.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
// All methods require a namespace; keys never collide across namespaces.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, namespace string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, namespace string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, namespace string, key string) error

	// GetDataset retrieves a cached dataset.
	GetDataset(ctx context.Context, namespace string, key string) (*Dataset, error)

	// SetDataset caches a dataset.
	SetDataset(ctx context.Context, namespace string, key string, ds *Dataset, ttl time.Duration) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `koanf:"type" json:"type"`

	// Local LRU cache settings (Community tier)
	LocalMaxSize int           `koanf:"local_max_size" json:"localMaxSize"`
	LocalTTL     time.Duration `koanf:"local_ttl" json:"localTtl"`

	// Redis settings (Pro tier)
	RedisAddr     string `koanf:"redis_addr" json:"redisAddr"`
	RedisPassword string `koanf:"redis_password" json:"-"`
	RedisDB       int    `koanf:"redis_db" json:"redisDb"`

	// Two-phase settings
	EnableTwoPhase bool `koanf:"enable_two_phase" json:"enableTwoPhase"` // If true, check local first, then Redis
}
