package circuitbreaker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Checkpointer persists circuit snapshots outside the process so a restarted
// instance does not forget which providers were failing.
type Checkpointer interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context, id string) (Snapshot, bool, error)
}

// saveScript writes a snapshot only when it is at least as recent as the one
// stored, so instances racing on the same circuit cannot roll state back.
// Keys: [circuit_key]
// Args: [state, consecutive_failures, last_state_change, last_success, last_failure, ttl_seconds]
// Returns: 1 if written, 0 if the stored snapshot is newer
var saveScript = redis.NewScript(`
local stored = tonumber(redis.call('HGET', KEYS[1], 'last_state_change') or '0')
local incoming = tonumber(ARGV[3])

if stored > incoming then
    return 0
end

redis.call('HSET', KEYS[1],
    'state', ARGV[1],
    'consecutive_failures', ARGV[2],
    'last_state_change', ARGV[3],
    'last_success', ARGV[4],
    'last_failure', ARGV[5])

local ttl = tonumber(ARGV[6])
if ttl > 0 then
    redis.call('EXPIRE', KEYS[1], ttl)
end
return 1
`)

// RedisCheckpointer stores one hash per circuit under "cb:<id>".
type RedisCheckpointer struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisCheckpointer creates a checkpointer from a Redis URL.
func NewRedisCheckpointer(redisURL string, ttl time.Duration) (*RedisCheckpointer, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return NewRedisCheckpointerWithClient(client, ttl), nil
}

// NewRedisCheckpointerWithClient shares an existing connection pool.
func NewRedisCheckpointerWithClient(client *redis.Client, ttl time.Duration) *RedisCheckpointer {
	return &RedisCheckpointer{
		client:    client,
		keyPrefix: "cb:",
		ttl:       ttl,
	}
}

func (cp *RedisCheckpointer) key(id string) string {
	return cp.keyPrefix + id
}

func (cp *RedisCheckpointer) Save(ctx context.Context, snap Snapshot) error {
	args := []interface{}{
		snap.State.String(),
		snap.ConsecutiveFailures,
		snap.LastStateChange.UnixNano(),
		unixNano(snap.LastSuccess),
		unixNano(snap.LastFailure),
		int(cp.ttl.Seconds()),
	}

	if err := saveScript.Run(ctx, cp.client, []string{cp.key(snap.ID)}, args...).Err(); err != nil {
		return fmt.Errorf("save circuit %s: %w", snap.ID, err)
	}
	return nil
}

func (cp *RedisCheckpointer) Load(ctx context.Context, id string) (Snapshot, bool, error) {
	fields, err := cp.client.HGetAll(ctx, cp.key(id)).Result()
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("load circuit %s: %w", id, err)
	}
	if len(fields) == 0 {
		return Snapshot{}, false, nil
	}

	state := parseState(fields["state"])
	failures, _ := strconv.Atoi(fields["consecutive_failures"])

	return Snapshot{
		ID:                  id,
		State:               state,
		StateName:           state.String(),
		ConsecutiveFailures: failures,
		LastStateChange:     parseUnixNano(fields["last_state_change"]),
		LastSuccess:         parseUnixNano(fields["last_success"]),
		LastFailure:         parseUnixNano(fields["last_failure"]),
	}, true, nil
}

// Delete removes a stored snapshot.
func (cp *RedisCheckpointer) Delete(ctx context.Context, id string) error {
	return cp.client.Del(ctx, cp.key(id)).Err()
}

// Close closes the Redis client connection.
func (cp *RedisCheckpointer) Close() error {
	return cp.client.Close()
}

func parseState(s string) State {
	switch s {
	case "open":
		return StateOpen
	case "half-open":
		return StateHalfOpen
	default:
		return StateClosed
	}
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func parseUnixNano(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
