package budget

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// AlertDeduplicator keeps several arbiter instances from reporting the same
// threshold crossing. Keys identify a scope and period, so a new period
// starts with a clean slate. Levels escalate: once critical has gone out for
// a key, a late warning for the same key is suppressed.
type AlertDeduplicator interface {
	// ShouldAlert reports whether level is higher than anything already
	// reported for key, and records it if so.
	ShouldAlert(ctx context.Context, key string, level AlertLevel) bool

	// ClearAlert forgets what was reported for key.
	ClearAlert(ctx context.Context, key string)
}

func (l AlertLevel) rank() int {
	switch l {
	case AlertLevelWarning:
		return 1
	case AlertLevelCritical:
		return 2
	case AlertLevelExceeded:
		return 3
	}
	return 0
}

// InMemoryDeduplicator only coordinates ledgers within one process.
type InMemoryDeduplicator struct {
	mu      sync.Mutex
	highest map[string]int
}

func NewInMemoryDeduplicator() *InMemoryDeduplicator {
	return &InMemoryDeduplicator{highest: make(map[string]int)}
}

func (d *InMemoryDeduplicator) ShouldAlert(_ context.Context, key string, level AlertLevel) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if level.rank() <= d.highest[key] {
		return false
	}
	d.highest[key] = level.rank()
	return true
}

func (d *InMemoryDeduplicator) ClearAlert(_ context.Context, key string) {
	d.mu.Lock()
	delete(d.highest, key)
	d.mu.Unlock()
}

// escalate raises the stored rank and reports whether it did.
var escalate = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current >= tonumber(ARGV[1]) then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return 1
`)

// RedisDeduplicator stores the highest reported level per key in Redis.
// Entries expire after ttl, which should cover the longest budget period in
// use.
type RedisDeduplicator struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisDeduplicatorWithClient(client redis.UniversalClient, ttl time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{client: client, ttl: ttl}
}

func (d *RedisDeduplicator) key(key string) string {
	return "arbiter:budget:alert:" + key
}

// ShouldAlert fails open: if Redis is unreachable the alert is sent and may
// be duplicated across instances.
func (d *RedisDeduplicator) ShouldAlert(ctx context.Context, key string, level AlertLevel) bool {
	won, err := escalate.Run(ctx, d.client, []string{d.key(key)}, level.rank(), d.ttl.Milliseconds()).Int()
	if err != nil {
		slog.Warn("alert dedup unavailable", "key", key, "level", level, "error", err)
		return true
	}
	return won == 1
}

func (d *RedisDeduplicator) ClearAlert(ctx context.Context, key string) {
	if err := d.client.Del(ctx, d.key(key)).Err(); err != nil {
		slog.Warn("alert dedup clear failed", "key", key, "error", err)
	}
}
