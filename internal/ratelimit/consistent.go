package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/keygate/keygate/internal/cache"
	"github.com/keygate/keygate/internal/models"
)

// Lua script for an atomic token bucket check-and-consume. Redis
// executes scripts for one key serially, which makes it the single
// authority per key: no two concurrent checks can observe the same
// pre-consume token count.
// Returns: {allowed, remaining, reset_ms}
const luaCheckBucket = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local interval = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'last')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil then
    tokens = limit
    last = now
end

-- Instance clocks differ. A slow caller must not roll the refill
-- clock backward, or the next fast-clocked caller would mint the
-- difference as fresh tokens.
if now < last then
    now = last
end

local elapsed = now - last
tokens = tokens + (elapsed / interval) * rate
if tokens > limit then
    tokens = limit
end

local allowed = 0
local reset
if tokens >= 1 then
    allowed = 1
    tokens = tokens - 1
    reset = now + math.ceil(((limit - tokens) / rate) * interval)
else
    reset = now + math.ceil(((1 - tokens) / rate) * interval)
end

redis.call('HMSET', key, 'tokens', tokens, 'last', now)
redis.call('PEXPIRE', key, math.ceil((limit / rate) * interval) * 2)

return {allowed, math.floor(tokens), reset}
`

// ConsistentLimiter implements consistent-mode rate limiting: every
// check for a key is routed to the same Redis authority and applied
// atomically, so the count is globally exact.
type ConsistentLimiter struct {
	redis *cache.Redis

	// now is replaceable in tests
	now func() time.Time
}

// NewConsistentLimiter creates a consistent-mode limiter.
func NewConsistentLimiter(redis *cache.Redis) *ConsistentLimiter {
	return &ConsistentLimiter{redis: redis, now: time.Now}
}

// Check consumes one token for the key if available. Errors indicate
// the authority was unreachable; the caller applies the configured
// fail-open/fail-closed policy.
func (c *ConsistentLimiter) Check(ctx context.Context, keyID string, cfg *models.Ratelimit) (Result, error) {
	key := fmt.Sprintf("ratelimit:bucket:%s", keyID)
	now := c.now()
	rate := refillRate(cfg)

	values, err := c.redis.Client.Eval(ctx, luaCheckBucket,
		[]string{key},
		cfg.Limit, rate, cfg.RefillInterval, now.UnixMilli(),
	).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit authority: %w", err)
	}
	if len(values) != 3 {
		return Result{}, fmt.Errorf("ratelimit authority: unexpected result length %d", len(values))
	}

	return Result{
		Allowed:   values[0] == 1,
		Limit:     cfg.Limit,
		Remaining: values[1],
		Reset:     time.UnixMilli(values[2]),
	}, nil
}
