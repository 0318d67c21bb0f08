package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"trendlens/internal/core"
)

// SQLiteCache implements Cache on a local SQLite file. Suitable for
// single-node deployments; counters are atomic within the process and
// database but rate-limit windows do not span nodes.
type SQLiteCache struct {
	db   *sql.DB
	path string
}

// NewSQLiteCache creates a cache database under dataDir.
func NewSQLiteCache(dataDir string) (*SQLiteCache, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "cache.db")
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	c := &SQLiteCache{db: db, path: dbPath}
	if err := c.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize cache database: %w", err)
	}
	return c, nil
}

func (c *SQLiteCache) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cache_entries (
		key TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		value TEXT NOT NULL,
		expires_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache_entries (expires_at);`

	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create cache table: %w", err)
	}
	return nil
}

func expiry(ttl time.Duration) any {
	if ttl <= 0 {
		return nil
	}
	return time.Now().UTC().Add(ttl)
}

// get fetches a live row of the expected kind, expiring lazily.
func (c *SQLiteCache) get(ctx context.Context, key, kind string) (string, error) {
	var value string
	var rowKind string
	var expiresAt sql.NullTime
	err := c.db.QueryRowContext(ctx,
		`SELECT kind, value, expires_at FROM cache_entries WHERE key = ?`, key,
	).Scan(&rowKind, &value, &expiresAt)
	if err == sql.ErrNoRows {
		return "", ErrMiss
	}
	if err != nil {
		return "", core.WrapError(core.KindUnavailable, "sqlite cache read", err)
	}
	if expiresAt.Valid && expiresAt.Time.Before(time.Now().UTC()) {
		_, _ = c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
		return "", ErrMiss
	}
	if rowKind != kind {
		return "", ErrMiss
	}
	return value, nil
}

func (c *SQLiteCache) put(ctx context.Context, key, kind, value string, ttl time.Duration) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO cache_entries (key, kind, value, expires_at)
		VALUES (?, ?, ?, ?)`,
		key, kind, value, expiry(ttl))
	if err != nil {
		return core.WrapError(core.KindUnavailable, "sqlite cache write", err)
	}
	return nil
}

func (c *SQLiteCache) Get(ctx context.Context, key string) (string, error) {
	return c.get(ctx, key, "string")
}

func (c *SQLiteCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.put(ctx, key, "string", value, ttl)
}

func (c *SQLiteCache) Delete(ctx context.Context, key string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return core.WrapError(core.KindUnavailable, "sqlite cache delete", err)
	}
	return nil
}

func (c *SQLiteCache) DeletePattern(ctx context.Context, pattern string) (int, error) {
	// SQLite's GLOB operator matches the same * and ? syntax redis uses.
	res, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key GLOB ?`, pattern)
	if err != nil {
		return 0, core.WrapError(core.KindUnavailable, "sqlite cache delete pattern", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (c *SQLiteCache) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, core.WrapError(core.KindUnavailable, "sqlite cache incr", err)
	}
	defer func() { _ = tx.Rollback() }()

	var value string
	var expiresAt sql.NullTime
	var current int64
	err = tx.QueryRowContext(ctx,
		`SELECT value, expires_at FROM cache_entries WHERE key = ? AND kind = 'counter'`, key,
	).Scan(&value, &expiresAt)
	switch {
	case err == sql.ErrNoRows:
		current = 0
	case err != nil:
		return 0, core.WrapError(core.KindUnavailable, "sqlite cache incr", err)
	case expiresAt.Valid && expiresAt.Time.Before(time.Now().UTC()):
		current = 0
	default:
		fmt.Sscanf(value, "%d", &current)
		// Keep the existing window expiry.
		if expiresAt.Valid {
			ttl = time.Until(expiresAt.Time)
		}
	}

	current++
	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO cache_entries (key, kind, value, expires_at)
		VALUES (?, 'counter', ?, ?)`,
		key, fmt.Sprintf("%d", current), expiry(ttl))
	if err != nil {
		return 0, core.WrapError(core.KindUnavailable, "sqlite cache incr", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, core.WrapError(core.KindUnavailable, "sqlite cache incr", err)
	}
	return current, nil
}

func (c *SQLiteCache) GetCounter(ctx context.Context, key string) (int64, error) {
	value, err := c.get(ctx, key, "counter")
	if err == ErrMiss {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n int64
	fmt.Sscanf(value, "%d", &n)
	return n, nil
}

func (c *SQLiteCache) HSet(ctx context.Context, key, field, value string, ttl time.Duration) error {
	existing, err := c.get(ctx, key, "hash")
	fields := map[string]string{}
	if err == nil {
		if uerr := json.Unmarshal([]byte(existing), &fields); uerr != nil {
			fields = map[string]string{}
		}
	} else if err != ErrMiss {
		return err
	}
	fields[field] = value
	encoded, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to encode hash: %w", err)
	}
	return c.put(ctx, key, "hash", string(encoded), ttl)
}

func (c *SQLiteCache) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	value, err := c.get(ctx, key, "hash")
	if err == ErrMiss {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	fields := map[string]string{}
	if err := json.Unmarshal([]byte(value), &fields); err != nil {
		return nil, fmt.Errorf("failed to decode hash: %w", err)
	}
	return fields, nil
}

func (c *SQLiteCache) LPush(ctx context.Context, key string, ttl time.Duration, values ...string) error {
	existing, err := c.get(ctx, key, "list")
	var list []string
	if err == nil {
		if uerr := json.Unmarshal([]byte(existing), &list); uerr != nil {
			list = nil
		}
	} else if err != ErrMiss {
		return err
	}
	// LPush prepends, so later values end up closer to the head.
	for _, v := range values {
		list = append([]string{v}, list...)
	}
	encoded, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("failed to encode list: %w", err)
	}
	return c.put(ctx, key, "list", string(encoded), ttl)
}

func (c *SQLiteCache) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	value, err := c.get(ctx, key, "list")
	if err == ErrMiss {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	var list []string
	if err := json.Unmarshal([]byte(value), &list); err != nil {
		return nil, fmt.Errorf("failed to decode list: %w", err)
	}
	n := int64(len(list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return []string{}, nil
	}
	return list[start : stop+1], nil
}

func (c *SQLiteCache) Stats(ctx context.Context) (*core.CacheStats, error) {
	var keys int64
	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM cache_entries
		WHERE expires_at IS NULL OR expires_at > ?`, time.Now().UTC(),
	).Scan(&keys)
	if err != nil {
		return nil, core.WrapError(core.KindUnavailable, "sqlite cache stats", err)
	}

	var size int64
	if info, err := os.Stat(c.path); err == nil {
		size = info.Size()
	}
	return &core.CacheStats{
		Keys:        keys,
		SizeBytes:   size,
		LastUpdated: time.Now().UTC(),
	}, nil
}

func (c *SQLiteCache) Ping(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return core.WrapError(core.KindUnavailable, "sqlite cache ping", err)
	}
	return nil
}

func (c *SQLiteCache) Close() error {
	return c.db.Close()
}
