// Package cache provides the TTL-bounded key-value store used for hot
// reads, rate-limit counters, and embedding fingerprints. Two backends
// implement the same contract: redis for multi-node deployments and a
// local SQLite store for single-node setups.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trendlens/internal/config"
	"trendlens/internal/core"
)

// ErrMiss is returned when a key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Cache is the repository contract for the caching tier. Serialization
// is the caller's concern; values are opaque strings.
type Cache interface {
	// Get retrieves a string value. Returns ErrMiss when absent.
	Get(ctx context.Context, key string) (string, error)

	// Set stores a string value with a TTL. ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes a single key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// DeletePattern removes all keys matching a glob pattern and
	// returns the number of keys removed.
	DeletePattern(ctx context.Context, pattern string) (int, error)

	// Incr atomically increments a counter, creating it at 1 with the
	// given TTL if absent. The TTL is only applied on creation.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// GetCounter reads a counter value, returning 0 when absent.
	GetCounter(ctx context.Context, key string) (int64, error)

	// HSet stores a field in a hash, applying the TTL to the whole hash.
	HSet(ctx context.Context, key, field, value string, ttl time.Duration) error

	// HGetAll returns all fields of a hash. Empty map when absent.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// LPush prepends values to a list, applying the TTL to the whole list.
	LPush(ctx context.Context, key string, ttl time.Duration, values ...string) error

	// LRange returns list elements in [start, stop], inclusive,
	// following redis semantics (-1 means the last element).
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Stats reports backend statistics.
	Stats(ctx context.Context) (*core.CacheStats, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// New builds a cache from configuration.
func New(cfg config.Cache) (Cache, error) {
	switch cfg.Backend {
	case "redis":
		return NewRedisCache(cfg.RedisAddr, cfg.RedisDB), nil
	case "sqlite":
		return NewSQLiteCache(cfg.Directory)
	default:
		return nil, fmt.Errorf("unknown cache backend: %s", cfg.Backend)
	}
}

// Key builders for the documented key families.

// EmbeddingKey is the cache key for a query-embedding fingerprint.
func EmbeddingKey(fingerprint string) string {
	return "emb:" + fingerprint
}

// RateLimitKey is the hourly rate-limit counter key for a plugin.
func RateLimitKey(plugin string, t time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%s", plugin, t.UTC().Format("2006010215"))
}

// TrendListKey caches a filtered trend listing.
func TrendListKey(fingerprint string) string {
	return "trends:list:" + fingerprint
}

// TrendDetailKey caches a single trend read.
func TrendDetailKey(id string) string {
	return "trends:detail:" + id
}

// TrendSimilarKey caches a similar-trends query.
func TrendSimilarKey(id string, limit int, minSim float64) string {
	return fmt.Sprintf("trends:similar:%s:%d:%g", id, limit, minSim)
}

// TopicItemsKey caches a topic's item page.
func TopicItemsKey(id string, limit, offset int) string {
	return fmt.Sprintf("topics:items:%s:%d:%d", id, limit, offset)
}
