package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alertforge/notify-core/internal/ratelimit"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// The three admission algorithms run as single Lua round-trips so the
// check and the state mutation cannot interleave across dispatch workers.

// ARGV: capacity, refillRate, nowMillis, ttlMillis
// Returns {allowed, remainingTokens, retryAfterMillis}.
var tokenBucketScript = goredis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local tokens = tonumber(redis.call("HGET", KEYS[1], "tokens"))
local ts = tonumber(redis.call("HGET", KEYS[1], "ts"))
if tokens == nil or ts == nil then
  tokens = capacity
  ts = now
end

local elapsed = (now - ts) / 1000
if elapsed > 0 then
  tokens = math.min(capacity, tokens + elapsed * rate)
end

local allowed = 0
local retry = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  retry = math.ceil((1 - tokens) / rate * 1000)
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], ARGV[4])
return {allowed, math.floor(tokens), retry}
`)

// ARGV: maxRequests, windowMillis, nowMillis, member
// Returns {allowed, remaining, retryAfterMillis}.
var slidingWindowScript = goredis.NewScript(`
local max = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
local count = redis.call("ZCARD", KEYS[1])
if count < max then
  redis.call("ZADD", KEYS[1], now, ARGV[4])
  redis.call("PEXPIRE", KEYS[1], window)
  return {1, max - count - 1, 0}
end

local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
local retry = 0
if oldest[2] then
  retry = tonumber(oldest[2]) + window - now
  if retry < 0 then retry = 0 end
end
return {0, 0, retry}
`)

// ARGV: maxRequests, windowTTLMillis, retryAfterMillis
// Returns {allowed, remaining, retryAfterMillis}.
var fixedWindowScript = goredis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
  return {0, 0, tonumber(ARGV[3])}
end
return {1, tonumber(ARGV[1]) - current, 0}
`)

var _ ratelimit.Limiter = (*Limiter)(nil)

// Limiter is a distributed admission controller backed by Redis. One
// instance serves one channel; state is keyed per caller-supplied key so
// every dispatch worker sharing the store sees the same counters.
type Limiter struct {
	client *goredis.Client
	cfg    ratelimit.Config
	prefix string
	now    func() time.Time
	member func() string
}

func NewLimiter(client *goredis.Client, prefix string, cfg ratelimit.Config) (*Limiter, error) {
	return newLimiter(client, prefix, cfg, time.Now, uuid.NewString)
}

func newLimiter(
	client *goredis.Client,
	prefix string,
	cfg ratelimit.Config,
	nowFn func() time.Time,
	memberFn func() string,
) (*Limiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = "ratelimit"
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if memberFn == nil {
		memberFn = uuid.NewString
	}

	return &Limiter{
		client: client,
		cfg:    cfg,
		prefix: prefix,
		now:    nowFn,
		member: memberFn,
	}, nil
}

// NewLimiterFactory adapts the Redis backend to the manager's factory
// contract so per-channel configs can pick it via configuration.
func NewLimiterFactory(client *goredis.Client, prefix string) ratelimit.Factory {
	return func(cfg ratelimit.Config) (ratelimit.Limiter, error) {
		return NewLimiter(client, prefix, cfg)
	}
}

func (l *Limiter) Allow(ctx context.Context, key string) (ratelimit.Decision, error) {
	if l == nil || l.client == nil {
		return ratelimit.Decision{}, fmt.Errorf("rate limiter is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return ratelimit.Decision{}, fmt.Errorf("rate limit key is required")
	}

	now := l.now().UTC()

	switch l.cfg.Algorithm {
	case ratelimit.AlgorithmTokenBucket:
		return l.runScript(ctx, tokenBucketScript, now,
			fmt.Sprintf("%s:bucket:%s", l.prefix, key),
			l.cfg.Capacity,
			l.cfg.RefillRate,
			now.UnixMilli(),
			bucketTTLMillis(l.cfg),
		)
	case ratelimit.AlgorithmSlidingWindow:
		return l.runScript(ctx, slidingWindowScript, now,
			fmt.Sprintf("%s:window:%s", l.prefix, key),
			l.cfg.MaxRequests,
			l.cfg.WindowSize.Milliseconds(),
			now.UnixMilli(),
			l.member(),
		)
	case ratelimit.AlgorithmFixedWindow:
		windowStart := now.Truncate(l.cfg.WindowSize)
		resetAt := windowStart.Add(l.cfg.WindowSize)
		return l.runScript(ctx, fixedWindowScript, now,
			fmt.Sprintf("%s:counter:%s:%d", l.prefix, key, windowStart.UnixMilli()),
			l.cfg.MaxRequests,
			l.cfg.WindowSize.Milliseconds(),
			resetAt.Sub(now).Milliseconds(),
		)
	}

	return ratelimit.Decision{}, fmt.Errorf("invalid rate limit algorithm %q", l.cfg.Algorithm)
}

func (l *Limiter) runScript(
	ctx context.Context,
	script *goredis.Script,
	now time.Time,
	key string,
	args ...any,
) (ratelimit.Decision, error) {
	result, err := script.Run(ctx, l.client, []string{key}, args...).Int64Slice()
	if err != nil {
		return ratelimit.Decision{}, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}
	if len(result) != 3 {
		return ratelimit.Decision{}, fmt.Errorf("unexpected rate limit script result %v", result)
	}

	retryAfter := time.Duration(result[2]) * time.Millisecond
	return ratelimit.Decision{
		Allowed:    result[0] == 1,
		Remaining:  int(result[1]),
		ResetAt:    now.Add(retryAfter),
		RetryAfter: retryAfter,
	}, nil
}

// bucketTTLMillis keeps idle bucket state around long enough to refill
// completely, floored at the configured state TTL.
func bucketTTLMillis(cfg ratelimit.Config) int64 {
	refillFull := time.Duration(float64(cfg.Capacity) / cfg.RefillRate * float64(time.Second))
	ttl := cfg.StateTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if refillFull > ttl {
		ttl = refillFull
	}
	return ttl.Milliseconds()
}
