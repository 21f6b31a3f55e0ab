package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces limiter keys in a shared Redis.
const DefaultRedisPrefix = "keygate"

const quotaKeyTTL = 48 * time.Hour

// takeScript performs refill, quota check, bucket deduct and counter
// increment in one server-side step so concurrent instances never
// interleave. Tokens are returned as a string because Redis truncates Lua
// numbers to integers.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local quota = tonumber(ARGV[5])
local bucket_ttl = tonumber(ARGV[6])
local quota_ttl = tonumber(ARGV[7])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil then tokens = capacity end
if ts == nil then ts = now end

local elapsed = now - ts
if elapsed > 0 then
  tokens = math.min(capacity, tokens + elapsed * rate)
  ts = now
end

local used = tonumber(redis.call('GET', KEYS[2]) or '0')
local allowed = 0
local reason = 0
if quota > 0 and used >= quota then
  reason = 2
elseif tokens < cost then
  reason = 1
else
  tokens = tokens - cost
  used = redis.call('INCR', KEYS[2])
  if used == 1 then
    redis.call('EXPIRE', KEYS[2], quota_ttl)
  end
  allowed = 1
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', tostring(ts))
redis.call('EXPIRE', KEYS[1], bucket_ttl)
return {allowed, tostring(tokens), used, reason}
`)

// Redis is a Limiter whose state lives in a shared Redis, so every gateway
// instance enforces the same buckets and counters.
type Redis struct {
	client redis.UniversalClient
	cfg    Config
	prefix string
	now    func() time.Time
}

var _ Limiter = (*Redis)(nil)

// NewRedis creates a Redis-backed limiter. An empty prefix uses
// DefaultRedisPrefix.
func NewRedis(client redis.UniversalClient, cfg Config, prefix string, opts ...Option) *Redis {
	o := buildOptions(opts)
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{client: client, cfg: cfg.withDefaults(), prefix: prefix, now: o.now}
}

// bucketKey and quotaKey share a hash tag so both land in one cluster slot.
func (r *Redis) bucketKey(k Key) string {
	return fmt.Sprintf("%s:bucket:{%s}", r.prefix, k)
}

func (r *Redis) quotaKey(k Key, day string) string {
	return fmt.Sprintf("%s:quota:{%s}:%s", r.prefix, k, day)
}

// bucketTTL outlives a full refill so idle keys expire only once they would
// be indistinguishable from a fresh bucket.
func (r *Redis) bucketTTL() int64 {
	refill := 2 * r.cfg.Capacity / r.cfg.RefillRate
	return int64(max(60, math.Ceil(refill)))
}

// Take atomically refills, checks and deducts cost tokens for key.
func (r *Redis) Take(ctx context.Context, key Key, cost float64) (Result, error) {
	if cost > r.cfg.Capacity {
		return Result{}, fmt.Errorf("%w: %v > %v", ErrCostTooLarge, cost, r.cfg.Capacity)
	}
	now := r.now()
	nowSec := float64(now.UnixNano()) / float64(time.Second)

	vals, err := takeScript.Run(ctx, r.client,
		[]string{r.bucketKey(key), r.quotaKey(key, r.cfg.day(now))},
		strconv.FormatFloat(r.cfg.Capacity, 'f', -1, 64),
		strconv.FormatFloat(r.cfg.RefillRate, 'f', -1, 64),
		strconv.FormatFloat(nowSec, 'f', 6, 64),
		strconv.FormatFloat(cost, 'f', -1, 64),
		r.cfg.DailyQuota,
		r.bucketTTL(),
		int64(quotaKeyTTL/time.Second),
	).Slice()
	if err != nil {
		return Result{}, fmt.Errorf("redis take: %w", err)
	}
	if len(vals) != 4 {
		return Result{}, fmt.Errorf("redis take: unexpected reply length %d", len(vals))
	}

	allowed, _ := vals[0].(int64)
	tokensStr, _ := vals[1].(string)
	used, _ := vals[2].(int64)
	reason, _ := vals[3].(int64)
	tokens, err := strconv.ParseFloat(tokensStr, 64)
	if err != nil {
		return Result{}, fmt.Errorf("redis take: parse tokens %q: %w", tokensStr, err)
	}

	res := Result{Allowed: allowed == 1, Remaining: tokens, DailyUsed: used}
	switch reason {
	case 1:
		res.Reason = ReasonBucket
		res.RetryAfter = seconds((cost - tokens) / r.cfg.RefillRate)
	case 2:
		res.Reason = ReasonDailyQuota
		res.RetryAfter = r.cfg.untilNextDay(now)
	}
	return res, nil
}

// Ping checks connectivity to Redis.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
