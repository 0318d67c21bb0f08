package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedisCacheFromClient(client)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func newTestSQLite(t *testing.T) *SQLiteCache {
	t.Helper()
	c, err := NewSQLiteCache(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// backends returns both implementations so the shared contract is
// exercised against each.
func backends(t *testing.T) map[string]Cache {
	rc, _ := newTestRedis(t)
	return map[string]Cache{
		"redis":  rc,
		"sqlite": newTestSQLite(t),
	}
}

func TestSetGet(t *testing.T) {
	ctx := context.Background()
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, c.Set(ctx, "k", "v", time.Minute))

			got, err := c.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, "v", got)

			_, err = c.Get(ctx, "absent")
			assert.ErrorIs(t, err, ErrMiss)
		})
	}
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()

	t.Run("redis", func(t *testing.T) {
		c, mr := newTestRedis(t)
		require.NoError(t, c.Set(ctx, "k", "v", time.Second))
		mr.FastForward(2 * time.Second)
		_, err := c.Get(ctx, "k")
		assert.ErrorIs(t, err, ErrMiss)
	})

	t.Run("sqlite", func(t *testing.T) {
		c := newTestSQLite(t)
		require.NoError(t, c.Set(ctx, "k", "v", -time.Second))
		_, err := c.Get(ctx, "k")
		assert.ErrorIs(t, err, ErrMiss)
	})
}

func TestIncr(t *testing.T) {
	ctx := context.Background()
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for want := int64(1); want <= 5; want++ {
				got, err := c.Incr(ctx, "counter", time.Hour)
				require.NoError(t, err)
				assert.Equal(t, want, got)
			}

			val, err := c.GetCounter(ctx, "counter")
			require.NoError(t, err)
			assert.Equal(t, int64(5), val)

			val, err = c.GetCounter(ctx, "absent")
			require.NoError(t, err)
			assert.Equal(t, int64(0), val)
		})
	}
}

func TestDeletePattern(t *testing.T) {
	ctx := context.Background()
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, c.Set(ctx, "trends:list:a", "1", time.Minute))
			require.NoError(t, c.Set(ctx, "trends:detail:b", "2", time.Minute))
			require.NoError(t, c.Set(ctx, "topics:items:c", "3", time.Minute))

			n, err := c.DeletePattern(ctx, "trends:*")
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			_, err = c.Get(ctx, "trends:list:a")
			assert.ErrorIs(t, err, ErrMiss)

			got, err := c.Get(ctx, "topics:items:c")
			require.NoError(t, err)
			assert.Equal(t, "3", got)
		})
	}
}

func TestHash(t *testing.T) {
	ctx := context.Background()
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, c.HSet(ctx, "h", "f1", "v1", time.Minute))
			require.NoError(t, c.HSet(ctx, "h", "f2", "v2", time.Minute))

			fields, err := c.HGetAll(ctx, "h")
			require.NoError(t, err)
			assert.Equal(t, map[string]string{"f1": "v1", "f2": "v2"}, fields)

			fields, err = c.HGetAll(ctx, "absent")
			require.NoError(t, err)
			assert.Empty(t, fields)
		})
	}
}

func TestList(t *testing.T) {
	ctx := context.Background()
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, c.LPush(ctx, "l", time.Minute, "a", "b", "c"))

			// LPush semantics: last pushed value is the head.
			got, err := c.LRange(ctx, "l", 0, -1)
			require.NoError(t, err)
			assert.Equal(t, []string{"c", "b", "a"}, got)

			got, err = c.LRange(ctx, "l", 0, 1)
			require.NoError(t, err)
			assert.Equal(t, []string{"c", "b"}, got)
		})
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, c.Set(ctx, "k1", "v", time.Minute))
			require.NoError(t, c.Set(ctx, "k2", "v", time.Minute))

			stats, err := c.Stats(ctx)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, stats.Keys, int64(2))
		})
	}
}

func TestRateLimitKeyBuckets(t *testing.T) {
	t1 := time.Date(2025, 3, 1, 14, 5, 0, 0, time.UTC)
	t2 := time.Date(2025, 3, 1, 14, 59, 0, 0, time.UTC)
	t3 := time.Date(2025, 3, 1, 15, 0, 0, 0, time.UTC)

	assert.Equal(t, RateLimitKey("hn", t1), RateLimitKey("hn", t2))
	assert.NotEqual(t, RateLimitKey("hn", t1), RateLimitKey("hn", t3))
}
