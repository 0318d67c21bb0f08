package collector

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trendlens/internal/cache"
)

func TestMemoryRateLimiterEnforcesHourlyLimit(t *testing.T) {
	limiter := NewMemoryRateLimiter()
	ctx := context.Background()
	const limit = 5

	granted := 0
	for i := 0; i < 20; i++ {
		allowed, err := limiter.CheckAllowed(ctx, "feed-a", limit)
		require.NoError(t, err)
		if allowed {
			granted++
		}
	}
	assert.Equal(t, limit, granted)

	// Other plugins keep independent counters.
	allowed, err := limiter.CheckAllowed(ctx, "feed-b", limit)
	require.NoError(t, err)
	assert.True(t, allowed)

	usage, err := limiter.Usage(ctx, "feed-a")
	require.NoError(t, err)
	assert.Equal(t, int64(limit), usage)
}

func TestMemoryRateLimiterZeroLimitMeansUnlimited(t *testing.T) {
	limiter := NewMemoryRateLimiter()
	for i := 0; i < 100; i++ {
		allowed, err := limiter.CheckAllowed(context.Background(), "feed", 0)
		require.NoError(t, err)
		assert.True(t, allowed)
	}
}

func TestCacheRateLimiterWithRedis(t *testing.T) {
	server := miniredis.RunT(t)
	backend := cache.NewRedisCache(server.Addr(), 0)
	defer backend.Close()

	limiter := NewCacheRateLimiter(backend)
	ctx := context.Background()
	const limit = 3

	granted := 0
	for i := 0; i < 10; i++ {
		allowed, err := limiter.CheckAllowed(ctx, "feed", limit)
		require.NoError(t, err)
		if allowed {
			granted++
		}
	}
	assert.Equal(t, limit, granted)

	usage, err := limiter.Usage(ctx, "feed")
	require.NoError(t, err)
	assert.Equal(t, int64(10), usage)
}
