package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Shared by every script. now is set by the caller script.
const luaHelpers = `
local function fixed(key, window)
  local state = redis.call('HMGET', key, 'start', 'count')
  local start = tonumber(state[1])
  local count = tonumber(state[2]) or 0
  if start == nil or now >= start + window then
    return now, 0
  end
  return start, count
end

local function sliding(key, window)
  redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
  local entries = redis.call('ZRANGE', key, 0, -1, 'WITHSCORES')
  local used = 0
  for j = 1, #entries, 2 do
    used = used + tonumber(string.match(entries[j], ':(%d+)$'))
  end
  return used, entries
end

local function bucket(key, max, window)
  local state = redis.call('HMGET', key, 'tokens', 'last')
  local tokens = tonumber(state[1])
  local last = tonumber(state[2])
  if tokens == nil then
    return max, now
  end
  local elapsed = now - last
  if elapsed > 0 then
    tokens = math.min(max, tokens + elapsed * (max / window))
    last = now
  end
  return tokens, last
end
`

// ARGV: now_ms, member, mode, then algo/max/window_ms/amount per key.
// Returns {1, 0, 0, 0, start...} on success or {0, index, current, retry_ms}.
var reserveScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local member = ARGV[2]
local mode = ARGV[3]
` + luaHelpers + `
local function limit_at(i)
  local base = 4 + (i - 1) * 4
  return ARGV[base], tonumber(ARGV[base + 1]), tonumber(ARGV[base + 2]), tonumber(ARGV[base + 3])
end

for i = 1, #KEYS do
  local algo, max, window, amount = limit_at(i)
  local key = KEYS[i]
  if algo == 'sliding_window' then
    local used, entries = sliding(key, window)
    if used + amount > max then
      local need = used + amount - max
      local freed = 0
      local retry = window
      for j = 1, #entries, 2 do
        freed = freed + tonumber(string.match(entries[j], ':(%d+)$'))
        if freed >= need then
          retry = tonumber(entries[j + 1]) + window - now
          break
        end
      end
      return {0, i, used, retry}
    end
  elseif algo == 'token_bucket' then
    local tokens = bucket(key, max, window)
    if amount > tokens then
      local retry = window
      if amount <= max then
        retry = math.ceil((amount - tokens) / (max / window))
      end
      return {0, i, max - math.floor(tokens), retry}
    end
  else
    local start, count = fixed(key, window)
    if count + amount > max then
      return {0, i, count, start + window - now}
    end
  end
end

if mode == 'peek' then
  return {1, 0, 0, 0}
end

local result = {1, 0, 0, 0}
for i = 1, #KEYS do
  local algo, max, window, amount = limit_at(i)
  local key = KEYS[i]
  if algo == 'sliding_window' then
    redis.call('ZADD', key, now, member .. ':' .. amount)
    redis.call('PEXPIRE', key, window)
    result[4 + i] = now
  elseif algo == 'token_bucket' then
    local tokens, last = bucket(key, max, window)
    redis.call('HSET', key, 'tokens', tostring(tokens - amount), 'last', last)
    redis.call('PEXPIRE', key, window)
    result[4 + i] = last
  else
    local start, count = fixed(key, window)
    redis.call('HSET', key, 'start', start, 'count', count + amount)
    redis.call('PEXPIRE', key, start + window - now)
    result[4 + i] = start
  end
end
return result
`)

// ARGV: member, then algo/max/window_ms/amount/start_ms per key.
var releaseScript = redis.NewScript(`
local member = ARGV[1]
for i = 1, #KEYS do
  local base = 2 + (i - 1) * 5
  local algo = ARGV[base]
  local max = tonumber(ARGV[base + 1])
  local amount = tonumber(ARGV[base + 3])
  local start = tonumber(ARGV[base + 4])
  local key = KEYS[i]
  if algo == 'sliding_window' then
    redis.call('ZREM', key, member .. ':' .. amount)
  elseif algo == 'token_bucket' then
    local tokens = tonumber(redis.call('HGET', key, 'tokens'))
    if tokens then
      redis.call('HSET', key, 'tokens', tostring(math.min(max, tokens + amount)))
    end
  else
    if tonumber(redis.call('HGET', key, 'start')) == start then
      local count = redis.call('HINCRBY', key, 'count', -amount)
      if count < 0 then
        redis.call('HSET', key, 'count', 0)
      end
    end
  end
end
return 1
`)

// ARGV: now_ms, then algo/max/window_ms per key. Returns count/start/end triples.
var stateScript = redis.NewScript(`
local now = tonumber(ARGV[1])
` + luaHelpers + `
local result = {}
for i = 1, #KEYS do
  local base = 2 + (i - 1) * 3
  local algo = ARGV[base]
  local max = tonumber(ARGV[base + 1])
  local window = tonumber(ARGV[base + 2])
  local key = KEYS[i]
  if algo == 'sliding_window' then
    local used = sliding(key, window)
    table.insert(result, used)
    table.insert(result, now - window)
    table.insert(result, now)
  elseif algo == 'token_bucket' then
    local tokens, last = bucket(key, max, window)
    table.insert(result, max - math.floor(tokens))
    table.insert(result, last)
    table.insert(result, now + math.floor((max - tokens) / (max / window)))
  else
    local start, count = fixed(key, window)
    table.insert(result, count)
    table.insert(result, start)
    table.insert(result, start + window)
  end
end
return result
`)

// RedisEnforcer keeps quota windows in Redis so every instance shares them.
// Each check runs as one Lua script, which makes the multi-limit reservation
// atomic across instances.
type RedisEnforcer struct {
	client *redis.Client
	limits []Limit
	clock  clock.Clock
}

func NewRedisEnforcer(redisURL string, limits []Limit) (*RedisEnforcer, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return NewRedisEnforcerWithClient(client, limits), nil
}

func NewRedisEnforcerWithClient(client *redis.Client, limits []Limit) *RedisEnforcer {
	e := &RedisEnforcer{client: client, clock: clock.New()}
	for _, l := range limits {
		e.limits = append(e.limits, l.normalized())
	}
	return e
}

func quotaKey(identifier, limit string) string {
	// Hash tag keeps one identifier's keys in the same cluster slot.
	return "quota:{" + identifier + "}:" + limit
}

func (e *RedisEnforcer) CheckAndReserve(ctx context.Context, identifier, item string, cost Cost) (*Reservation, error) {
	res := &Reservation{
		ID:         uuid.New().String(),
		Identifier: identifier,
		Item:       item,
		release:    e.release,
	}
	limits := matchingLimits(e.limits, identifier, item, cost)
	if len(limits) == 0 {
		return res, nil
	}

	now := e.clock.Now()
	result, err := e.run(ctx, identifier, res.ID, "reserve", now, limits, cost)
	if err != nil {
		return nil, err
	}
	if denied, err := e.denial(identifier, limits, result); denied {
		return nil, err
	}

	res.ReservedAt = now
	for i, l := range limits {
		amount := cost.amountFor(l.Kind)
		var start time.Time
		if len(result) > 4+i {
			start = time.UnixMilli(result[4+i])
		}
		res.entries = append(res.entries, reservedEntry{limit: l.Limit, index: l.index, amount: amount, start: start})
	}
	return res, nil
}

func (e *RedisEnforcer) Peek(ctx context.Context, identifier, item string, cost Cost) error {
	limits := matchingLimits(e.limits, identifier, item, cost)
	if len(limits) == 0 {
		return nil
	}

	result, err := e.run(ctx, identifier, "", "peek", e.clock.Now(), limits, cost)
	if err != nil {
		return err
	}
	_, err = e.denial(identifier, limits, result)
	return err
}

func (e *RedisEnforcer) run(ctx context.Context, identifier, member, mode string, now time.Time, limits []indexedLimit, cost Cost) ([]int64, error) {
	keys := make([]string, 0, len(limits))
	args := []any{now.UnixMilli(), member, mode}
	for _, l := range limits {
		keys = append(keys, quotaKey(identifier, l.Name))
		args = append(args, string(l.Algorithm), l.Max, l.Window.Milliseconds(), cost.amountFor(l.Kind))
	}

	result, err := reserveScript.Run(ctx, e.client, keys, args...).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("quota script: %w", err)
	}
	if len(result) < 4 {
		return nil, fmt.Errorf("quota script: unexpected reply length %d", len(result))
	}
	return result, nil
}

func (e *RedisEnforcer) denial(identifier string, limits []indexedLimit, result []int64) (bool, error) {
	if result[0] == 1 {
		return false, nil
	}
	idx := int(result[1]) - 1
	if idx < 0 || idx >= len(limits) {
		return true, fmt.Errorf("quota script: limit index %d out of range", idx)
	}
	return true, denial(identifier, limits[idx].Limit, result[2], time.Duration(result[3])*time.Millisecond)
}

func (e *RedisEnforcer) release(ctx context.Context, r *Reservation) error {
	keys := make([]string, 0, len(r.entries))
	args := []any{r.ID}
	for _, entry := range r.entries {
		keys = append(keys, quotaKey(r.Identifier, entry.limit.Name))
		args = append(args,
			string(entry.limit.Algorithm),
			entry.limit.Max,
			entry.limit.Window.Milliseconds(),
			entry.amount,
			strconv.FormatInt(entry.start.UnixMilli(), 10),
		)
	}
	if err := releaseScript.Run(ctx, e.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("release quota: %w", err)
	}
	return nil
}

func (e *RedisEnforcer) Windows(ctx context.Context, identifier string) ([]WindowState, error) {
	var applicable []Limit
	var keys []string
	args := []any{e.clock.Now().UnixMilli()}
	for _, l := range e.limits {
		if !l.appliesTo(identifier, "") {
			continue
		}
		applicable = append(applicable, l)
		keys = append(keys, quotaKey(identifier, l.Name))
		args = append(args, string(l.Algorithm), l.Max, l.Window.Milliseconds())
	}
	if len(keys) == 0 {
		return nil, nil
	}

	result, err := stateScript.Run(ctx, e.client, keys, args...).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("quota state script: %w", err)
	}
	if len(result) != 3*len(applicable) {
		return nil, fmt.Errorf("quota state script: unexpected reply length %d", len(result))
	}

	out := make([]WindowState, 0, len(applicable))
	for i, l := range applicable {
		out = append(out, WindowState{
			Identifier: identifier,
			Limit:      l.Name,
			Algorithm:  l.Algorithm,
			Count:      result[3*i],
			Max:        l.Max,
			Start:      time.UnixMilli(result[3*i+1]),
			End:        time.UnixMilli(result[3*i+2]),
		})
	}
	return out, nil
}

func (e *RedisEnforcer) Close() error {
	return e.client.Close()
}
