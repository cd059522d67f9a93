package catalog

import (
	"context"
	"log/slog"
	"time"

	"github.com/felipepmaragno/model-arbiter/internal/cache"
	"github.com/felipepmaragno/model-arbiter/internal/domain"
)

const DefaultCacheTTL = 30 * time.Second

// Cached serves listings from a cache and falls through to the backing
// catalog on a miss. Cache write failures are logged and ignored.
type Cached struct {
	next  Catalog
	cache cache.Cache
	ttl   time.Duration
}

func NewCached(next Catalog, c cache.Cache, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cached{next: next, cache: c, ttl: ttl}
}

func (c *Cached) ListActiveModels(ctx context.Context, filter Filter) ([]domain.ModelCatalogEntry, error) {
	key := cache.Key("catalog", filter)
	if models, ok := c.cache.Get(ctx, key); ok {
		return models, nil
	}

	models, err := c.next.ListActiveModels(ctx, filter)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Set(ctx, key, models, c.ttl); err != nil {
		slog.Warn("catalog cache write failed", "error", err)
	}
	return models, nil
}
