package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"trendlens/internal/core"
)

// RedisCache implements Cache on a shared redis instance. All
// operations are safe under concurrent multi-node access; counters use
// redis atomic INCR so rate-limit windows hold across processes.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to the given redis address.
func NewRedisCache(addr string, db int) *RedisCache {
	return &RedisCache{
		client: redis.NewClient(&redis.Options{
			Addr: addr,
			DB:   db,
		}),
	}
}

// NewRedisCacheFromClient wraps an existing client (used by tests).
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (r *RedisCache) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	if err != nil {
		return "", core.WrapError(core.KindUnavailable, "redis get", err)
	}
	return val, nil
}

func (r *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return core.WrapError(core.KindUnavailable, "redis set", err)
	}
	return nil
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return core.WrapError(core.KindUnavailable, "redis del", err)
	}
	return nil
}

func (r *RedisCache) DeletePattern(ctx context.Context, pattern string) (int, error) {
	var deleted int
	iter := r.client.Scan(ctx, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return deleted, core.WrapError(core.KindUnavailable, "redis del", err)
		}
		deleted++
	}
	if err := iter.Err(); err != nil {
		return deleted, core.WrapError(core.KindUnavailable, "redis scan", err)
	}
	return deleted, nil
}

func (r *RedisCache) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	// NX so only the first increment of a window sets the expiry.
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, core.WrapError(core.KindUnavailable, "redis incr", err)
	}
	return incr.Val(), nil
}

func (r *RedisCache) GetCounter(ctx context.Context, key string) (int64, error) {
	val, err := r.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, core.WrapError(core.KindUnavailable, "redis get counter", err)
	}
	return val, nil
}

func (r *RedisCache) HSet(ctx context.Context, key, field, value string, ttl time.Duration) error {
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, field, value)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return core.WrapError(core.KindUnavailable, "redis hset", err)
	}
	return nil
}

func (r *RedisCache) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	val, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, core.WrapError(core.KindUnavailable, "redis hgetall", err)
	}
	return val, nil
}

func (r *RedisCache) LPush(ctx context.Context, key string, ttl time.Duration, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, key, args...)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return core.WrapError(core.KindUnavailable, "redis lpush", err)
	}
	return nil
}

func (r *RedisCache) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	val, err := r.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, core.WrapError(core.KindUnavailable, "redis lrange", err)
	}
	return val, nil
}

func (r *RedisCache) Stats(ctx context.Context) (*core.CacheStats, error) {
	keys, err := r.client.DBSize(ctx).Result()
	if err != nil {
		return nil, core.WrapError(core.KindUnavailable, "redis dbsize", err)
	}
	return &core.CacheStats{
		Keys:        keys,
		LastUpdated: time.Now().UTC(),
	}, nil
}

func (r *RedisCache) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return core.WrapError(core.KindUnavailable, "redis ping", err)
	}
	return nil
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}
