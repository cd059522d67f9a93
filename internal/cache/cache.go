// Package cache holds catalog listings for a short TTL so candidate building
// does not query the catalog backend on every request. The in-memory backend
// serves a single instance; Redis shares listings across instances.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/model-arbiter/internal/domain"
	"github.com/felipepmaragno/model-arbiter/internal/metrics"
)

// Cache stores catalog listings by key. A backend failure on Get is a miss.
type Cache interface {
	Get(ctx context.Context, key string) ([]domain.ModelCatalogEntry, bool)
	Set(ctx context.Context, key string, models []domain.ModelCatalogEntry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Key hashes the JSON form of v, so equal filters share an entry.
func Key(prefix string, v any) string {
	data, _ := json.Marshal(v)
	sum := sha256.Sum256(data)
	return prefix + ":" + hex.EncodeToString(sum[:16])
}

func lookup(backend string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	metrics.RecordCacheLookup(backend, result)
}

func cloneModels(in []domain.ModelCatalogEntry) []domain.ModelCatalogEntry {
	out := make([]domain.ModelCatalogEntry, len(in))
	copy(out, in)
	return out
}

type entry struct {
	models  []domain.ModelCatalogEntry
	expires time.Time
}

// InMemoryCache drops expired entries when they are read or overwritten, and
// sweeps the rest on Set once the map passes sweepThreshold.
type InMemoryCache struct {
	mu      sync.RWMutex
	entries map[string]entry
	clock   clock.Clock
}

const sweepThreshold = 1024

type Option func(*InMemoryCache)

func WithClock(clk clock.Clock) Option {
	return func(c *InMemoryCache) { c.clock = clk }
}

func NewInMemoryCache(opts ...Option) *InMemoryCache {
	c := &InMemoryCache{
		entries: make(map[string]entry),
		clock:   clock.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *InMemoryCache) Get(_ context.Context, key string) ([]domain.ModelCatalogEntry, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if ok && !c.clock.Now().Before(e.expires) {
		c.mu.Lock()
		if cur, still := c.entries[key]; still && cur.expires.Equal(e.expires) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		ok = false
	}
	lookup("memory", ok)
	if !ok {
		return nil, false
	}
	return cloneModels(e.models), true
}

func (c *InMemoryCache) Set(_ context.Context, key string, models []domain.ModelCatalogEntry, ttl time.Duration) error {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= sweepThreshold {
		for k, e := range c.entries {
			if !now.Before(e.expires) {
				delete(c.entries, k)
			}
		}
	}
	c.entries[key] = entry{models: cloneModels(models), expires: now.Add(ttl)}
	return nil
}

func (c *InMemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

func (c *InMemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

const redisNamespace = "arbiter:cache:"

// RedisCache stores listings as JSON under the arbiter:cache: namespace.
type RedisCache struct {
	client redis.UniversalClient
}

func NewRedisCacheWithClient(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]domain.ModelCatalogEntry, bool) {
	data, err := c.client.Get(ctx, redisNamespace+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("catalog cache read failed", "key", key, "error", err)
		}
		lookup("redis", false)
		return nil, false
	}
	var models []domain.ModelCatalogEntry
	if err := json.Unmarshal(data, &models); err != nil {
		slog.Warn("catalog cache entry unreadable", "key", key, "error", err)
		lookup("redis", false)
		return nil, false
	}
	lookup("redis", true)
	return models, true
}

func (c *RedisCache) Set(ctx context.Context, key string, models []domain.ModelCatalogEntry, ttl time.Duration) error {
	data, err := json.Marshal(models)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, redisNamespace+key, data, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, redisNamespace+key).Err()
}
