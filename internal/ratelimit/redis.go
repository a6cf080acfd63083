package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and consumes one bucket atomically.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = now (unix seconds, microsecond precision)
// ARGV[4] = idle expiry (seconds)
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, ttl)
return allowed
`)

// RedisLimiter implements Limiter with a token bucket per key stored in
// Redis, so every instance draws from the same buckets.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	rate   float64
	burst  int
	owned  bool
}

// NewRedisLimiter connects to url (redis://host:port/db) and returns a
// limiter refilling rate tokens per second up to burst.
func NewRedisLimiter(ctx context.Context, url string, rate float64, burst int) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ratelimit: ping redis: %w", err)
	}
	l := NewRedisLimiterWithClient(client, rate, burst)
	l.owned = true
	return l, nil
}

// NewRedisLimiterWithClient uses an existing client. Close leaves the
// client open.
func NewRedisLimiterWithClient(client redis.UniversalClient, rate float64, burst int) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: "shugo:ratelimit:", rate: rate, burst: burst}
}

// WithPrefix returns a copy of l whose keys live under prefix.
func (l *RedisLimiter) WithPrefix(prefix string) *RedisLimiter {
	cp := *l
	cp.prefix = prefix
	cp.owned = false
	return &cp
}

// idleTTL is how long a bucket survives untouched: long enough to refill.
func (l *RedisLimiter) idleTTL() int64 {
	secs := int64(float64(l.burst)/l.rate) + 1
	return max(secs, 1)
}

// Allow consumes one token from key's bucket.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := float64(time.Now().UnixMicro()) / 1e6
	res, err := tokenBucketScript.Run(ctx, l.client, []string{l.prefix + key}, l.rate, l.burst, now, l.idleTTL()).Int64()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis script: %w", err)
	}
	return res == 1, nil
}

// Close closes the client if the limiter created it.
func (l *RedisLimiter) Close() error {
	if !l.owned {
		return nil
	}
	return l.client.Close()
}
