package warehouse

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

// CachedProvider memoizes fetched datasets in a domain.Cache.
// Cache failures are logged and fall through to the wrapped provider.
type CachedProvider struct {
	next      domain.DataProvider
	cache     domain.Cache
	namespace string
	ttl       time.Duration
	logger    *slog.Logger
}

// NewCachedProvider wraps next. namespace isolates entries per target.
func NewCachedProvider(next domain.DataProvider, cache domain.Cache, namespace string, ttl time.Duration, logger *slog.Logger) *CachedProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedProvider{
		next:      next,
		cache:     cache,
		namespace: namespace,
		ttl:       ttl,
		logger:    logger,
	}
}

// Fetch implements domain.DataProvider.
func (c *CachedProvider) Fetch(ctx context.Context, intent domain.QueryIntent) (*domain.Dataset, error) {
	key, err := IntentKey(intent)
	if err != nil {
		return c.next.Fetch(ctx, intent)
	}

	ds, err := c.cache.GetDataset(ctx, c.namespace, key)
	if err != nil {
		c.logger.Warn("dataset cache read failed", "model", intent.Model, "error", err)
	} else if ds != nil {
		c.logger.Debug("dataset cache hit", "model", intent.Model, "key", key)
		return ds, nil
	}

	ds, err = c.next.Fetch(ctx, intent)
	if err != nil {
		return nil, err
	}

	if err := c.cache.SetDataset(ctx, c.namespace, key, ds, c.ttl); err != nil {
		c.logger.Warn("dataset cache write failed", "model", intent.Model, "error", err)
	}
	return ds, nil
}

// IntentKey hashes the canonical JSON form of an intent.
func IntentKey(intent domain.QueryIntent) (string, error) {
	data, err := json.Marshal(intent)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return "dataset:" + intent.Model + ":" + hex.EncodeToString(sum[:16]), nil
}
