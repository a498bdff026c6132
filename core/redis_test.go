package core

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRedisCache_SetGet(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := NewRedisCache(mr.Addr(), "", 0, 10, zaptest.NewLogger(t).Sugar())
	defer cache.Close()

	ctx := context.Background()
	type state struct {
		Failures    int
		LockedUntil time.Time
	}
	until := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, cache.Set(ctx, LockoutCacheKey("alice"), state{Failures: 5, LockedUntil: until}, time.Minute))

	var got state
	found, err := cache.Get(ctx, LockoutCacheKey("alice"), &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 5, got.Failures)
	assert.True(t, got.LockedUntil.Equal(until))

	ttl, err := cache.GetTTL(ctx, LockoutCacheKey("alice"))
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestRedisCache_GetMissing(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := NewRedisCache(mr.Addr(), "", 0, 10, zaptest.NewLogger(t).Sugar())
	defer cache.Close()

	var v int
	found, err := cache.Get(context.Background(), "nope", &v)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisCache_Delete(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := NewRedisCache(mr.Addr(), "", 0, 10, zaptest.NewLogger(t).Sugar())
	defer cache.Close()

	ctx := context.Background()
	require.NoError(t, cache.Set(ctx, "k", "v", time.Minute))
	require.NoError(t, cache.Delete(ctx, "k"))
	assert.False(t, mr.Exists("k"))
}

func TestCacheKeys(t *testing.T) {
	assert.Equal(t, "medgate:rl:auth:10.0.0.1", RateLimitCacheKey(RouteClassAuth, "10.0.0.1"))
	assert.Equal(t, "medgate:lockout:bob", LockoutCacheKey("bob"))
}
