package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"medgate/metrics"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// RedisCache wraps a Redis client shared by the distributed rate limiter and
// lockout tracker. Values are msgpack encoded.
type RedisCache struct {
	client redis.UniversalClient
	logger *zap.SugaredLogger
}

// NewRedisCache creates a new Redis cache instance
func NewRedisCache(addr, password string, db, poolSize int, logger *zap.SugaredLogger) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})
	return &RedisCache{client: client, logger: logger}
}

// NewRedisCacheFromClient wraps an existing client (used by tests with miniredis)
func NewRedisCacheFromClient(client redis.UniversalClient, logger *zap.SugaredLogger) *RedisCache {
	return &RedisCache{client: client, logger: logger}
}

// Client exposes the underlying client for scripted operations
func (rc *RedisCache) Client() redis.UniversalClient {
	return rc.client
}

// Ping tests the Redis connection
func (rc *RedisCache) Ping(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (rc *RedisCache) Close() error {
	return rc.client.Close()
}

// maxValueSize bounds a single cached value
const maxValueSize = 64 * 1024

// Set stores a value with expiration
func (rc *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := msgpack.Marshal(value)
	if err != nil {
		rc.logger.Errorf("Failed to encode cache value for key %s: %v", key, err)
		metrics.RedisErrors.WithLabelValues("encode").Inc()
		return err
	}
	if len(data) > maxValueSize {
		metrics.RedisErrors.WithLabelValues("size_limit").Inc()
		return fmt.Errorf("cache value size %d bytes exceeds maximum allowed size %d bytes", len(data), maxValueSize)
	}
	if err := rc.client.Set(ctx, key, data, expiration).Err(); err != nil {
		metrics.RedisErrors.WithLabelValues("set").Inc()
		return err
	}
	return nil
}

// Get loads a value into dest. The bool is false when the key does not exist.
func (rc *RedisCache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := rc.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		rc.logger.Errorf("Failed to get cache value for key %s: %v", key, err)
		metrics.RedisErrors.WithLabelValues("get").Inc()
		return false, err
	}
	if err := msgpack.Unmarshal(data, dest); err != nil {
		rc.logger.Errorf("Failed to decode cache value for key %s: %v", key, err)
		metrics.RedisErrors.WithLabelValues("decode").Inc()
		return false, err
	}
	return true, nil
}

// Delete removes a key
func (rc *RedisCache) Delete(ctx context.Context, key string) error {
	return rc.client.Del(ctx, key).Err()
}

// GetTTL returns the remaining TTL for a key
func (rc *RedisCache) GetTTL(ctx context.Context, key string) (time.Duration, error) {
	return rc.client.TTL(ctx, key).Result()
}

// Key prefixes
const (
	CacheKeyRateLimitPrefix = "medgate:rl:"
	CacheKeyLockoutPrefix   = "medgate:lockout:"
)

// RateLimitCacheKey builds the sliding-log key for a (scope, class) bucket
func RateLimitCacheKey(class RouteClass, scope string) string {
	return CacheKeyRateLimitPrefix + string(class) + ":" + scope
}

// LockoutCacheKey builds the lockout state key for an account
func LockoutCacheKey(account string) string {
	return CacheKeyLockoutPrefix + account
}
