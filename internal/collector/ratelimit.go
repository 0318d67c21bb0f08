package collector

import (
	"context"
	"sync"
	"time"

	"trendlens/internal/cache"
)

// RateLimiter bounds collector runs per plugin per UTC hour bucket.
// Two backends exist behind this interface: a process-local counter
// for single-node deployments and a cache-backed one whose increments
// are atomic across nodes.
type RateLimiter interface {
	// CheckAllowed consumes one slot for the plugin if its hourly
	// count is below limit, returning whether the slot was granted.
	CheckAllowed(ctx context.Context, plugin string, limit int) (bool, error)

	// Usage reports the consumed count for the current hour bucket.
	Usage(ctx context.Context, plugin string) (int64, error)
}

// MemoryRateLimiter keeps hourly counters in process memory.
type MemoryRateLimiter struct {
	mu      sync.Mutex
	buckets map[string]int64
}

func NewMemoryRateLimiter() *MemoryRateLimiter {
	return &MemoryRateLimiter{buckets: make(map[string]int64)}
}

func (l *MemoryRateLimiter) CheckAllowed(_ context.Context, plugin string, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	key := cache.RateLimitKey(plugin, time.Now())
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropStale(key, plugin)
	if l.buckets[key] >= int64(limit) {
		return false, nil
	}
	l.buckets[key]++
	return true, nil
}

func (l *MemoryRateLimiter) Usage(_ context.Context, plugin string) (int64, error) {
	key := cache.RateLimitKey(plugin, time.Now())
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buckets[key], nil
}

// dropStale removes this plugin's counters from previous hour buckets
// so the map does not grow without bound.
func (l *MemoryRateLimiter) dropStale(current, plugin string) {
	prefix := "ratelimit:" + plugin + ":"
	for key := range l.buckets {
		if key != current && len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(l.buckets, key)
		}
	}
}

// CacheRateLimiter stores counters in the shared cache; with the redis
// backend the increment is atomic across nodes. Counters expire with
// the hour bucket.
type CacheRateLimiter struct {
	cache cache.Cache
}

func NewCacheRateLimiter(c cache.Cache) *CacheRateLimiter {
	return &CacheRateLimiter{cache: c}
}

func (l *CacheRateLimiter) CheckAllowed(ctx context.Context, plugin string, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	key := cache.RateLimitKey(plugin, time.Now())
	count, err := l.cache.Incr(ctx, key, time.Hour)
	if err != nil {
		return false, err
	}
	return count <= int64(limit), nil
}

func (l *CacheRateLimiter) Usage(ctx context.Context, plugin string) (int64, error) {
	return l.cache.GetCounter(ctx, cache.RateLimitKey(plugin, time.Now()))
}
