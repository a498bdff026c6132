package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"medgate/core"
	"medgate/metrics"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// slidingLogScript prunes, counts and conditionally appends in one round
// trip. Scores are microseconds since the epoch and all arithmetic happens
// in Go: Lua number formatting loses precision at this magnitude.
// Returns {allowed, count, oldest score}.
var slidingLogScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
local count = redis.call('ZCARD', KEYS[1])
if count >= tonumber(ARGV[3]) then
  local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
  return {0, count, oldest[2]}
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return {1, count + 1, ''}
`)

// RedisStore keeps sliding logs in sorted sets so several instances share
// one budget
type RedisStore struct {
	client redis.UniversalClient
	logger *zap.SugaredLogger
}

// NewRedisStore creates a store on top of the shared cache connection
func NewRedisStore(cache *core.RedisCache, logger *zap.SugaredLogger) *RedisStore {
	return &RedisStore{client: cache.Client(), logger: logger}
}

// Hit runs the sliding-log script atomically on the server
func (r *RedisStore) Hit(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error) {
	nowMicros := now.UnixMicro()
	windowMicros := window.Microseconds()
	ttlMillis := window.Milliseconds() + 1

	res, err := slidingLogScript.Run(ctx, r.client, []string{key},
		strconv.FormatInt(nowMicros, 10),
		strconv.FormatInt(nowMicros-windowMicros, 10),
		limit,
		uuid.NewString(),
		strconv.FormatInt(ttlMillis, 10),
	).Slice()
	if err != nil {
		metrics.RedisErrors.WithLabelValues("ratelimit").Inc()
		return Decision{}, fmt.Errorf("sliding log script: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("sliding log script returned %d values", len(res))
	}
	allowed, _ := res[0].(int64)
	count, _ := res[1].(int64)

	if allowed == 1 {
		return Decision{Allowed: true, Limit: limit, Remaining: limit - int(count)}, nil
	}

	oldestRaw, _ := res[2].(string)
	oldest, err := strconv.ParseFloat(oldestRaw, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("sliding log oldest score %q: %w", oldestRaw, err)
	}
	retry := time.Duration(int64(oldest)+windowMicros-nowMicros) * time.Microsecond
	if retry <= 0 {
		retry = time.Microsecond
	}
	return Decision{Allowed: false, Limit: limit, RetryAfter: retry}, nil
}

// FallbackStore serves from primary and degrades to fallback when primary
// errors or its breaker is open. The request never fails open because of a
// store outage.
type FallbackStore struct {
	primary  Store
	fallback Store
	breaker  *core.CircuitBreaker
	logger   *zap.SugaredLogger
}

// NewFallbackStore wraps primary with a circuit breaker
func NewFallbackStore(primary, fallback Store, breaker *core.CircuitBreaker, logger *zap.SugaredLogger) *FallbackStore {
	return &FallbackStore{primary: primary, fallback: fallback, breaker: breaker, logger: logger}
}

// Hit implements Store
func (f *FallbackStore) Hit(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error) {
	var d Decision
	err := f.breaker.Execute(func() error {
		var hitErr error
		d, hitErr = f.primary.Hit(ctx, key, limit, window, now)
		return hitErr
	})
	if err == nil {
		return d, nil
	}

	metrics.RateLimitStoreFallbacks.Inc()
	f.logger.Warnw("Rate limit store unavailable, using in-memory fallback",
		"breaker_state", string(f.breaker.State()),
		"error", err)
	return f.fallback.Hit(ctx, key, limit, window, now)
}
