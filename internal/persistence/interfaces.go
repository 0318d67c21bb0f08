// Package persistence provides database abstraction interfaces for
// storing items, topics, trends, collector sources, plugin health, and
// pipeline runs.
package persistence

import (
	"context"
	"time"

	"trendlens/internal/core"
)

// Filter narrows listing operations. Zero values mean "no constraint".
type Filter struct {
	Category core.Category   // Exact category match
	State    core.TrendState // Exact trend state match
	Sources  []string        // Any-of source tags
	Language string          // Exact language match
	MinScore float64         // Minimum score (trends) or engagement (items)
	Since    time.Time       // published_at / created_at lower bound
	Until    time.Time       // published_at / created_at upper bound
	Limit    int             // Maximum results (0 applies a default)
	Offset   int             // Results to skip
}

// ItemRepository handles processed item persistence.
type ItemRepository interface {
	// Save upserts an item; identity is the UUID, with a unique
	// constraint on (source, source_id).
	Save(ctx context.Context, item *core.ProcessedItem) error

	// SaveBatch upserts many items in one transaction.
	SaveBatch(ctx context.Context, items []core.ProcessedItem) error

	// Get retrieves an item by ID.
	Get(ctx context.Context, id string) (*core.ProcessedItem, error)

	// GetBySourceKey retrieves an item by its (source, source_id) identity.
	GetBySourceKey(ctx context.Context, source, sourceID string) (*core.ProcessedItem, error)

	// List retrieves items matching a filter, ordered by published_at
	// descending then id ascending.
	List(ctx context.Context, f Filter) ([]core.ProcessedItem, error)

	// Count returns the number of items matching a filter.
	Count(ctx context.Context, f Filter) (int, error)

	// GetByTopic retrieves the items joined to a topic in one query.
	GetByTopic(ctx context.Context, topicID string, limit, offset int) ([]core.ProcessedItem, error)

	// GetWithoutEmbeddings retrieves items not yet written to the
	// vector index.
	GetWithoutEmbeddings(ctx context.Context, limit int) ([]core.ProcessedItem, error)

	// MarkEmbedded flags items as present in the vector index.
	MarkEmbedded(ctx context.Context, ids []string) error

	// Delete removes an item. Junction rows cascade; the vector entry
	// is left as a tombstone until the next sweep.
	Delete(ctx context.Context, id string) error

	// Sweep deletes items older than the cutoff and returns the count.
	Sweep(ctx context.Context, olderThan time.Time) (int, error)
}

// TopicRepository handles topic persistence.
type TopicRepository interface {
	// Save upserts a topic and rewrites its item junction rows so that
	// item_count always matches the junction table.
	Save(ctx context.Context, topic *core.Topic) error

	// Get retrieves a topic by ID.
	Get(ctx context.Context, id string) (*core.Topic, error)

	// List retrieves topics matching a filter, ordered by last_updated
	// descending then id ascending.
	List(ctx context.Context, f Filter) ([]core.Topic, error)

	// Count returns the number of topics matching a filter.
	Count(ctx context.Context, f Filter) (int, error)

	// Search performs a full-text search over title and summary.
	Search(ctx context.Context, keywords string, limit int) ([]core.Topic, error)

	// Delete removes a topic and its junction rows.
	Delete(ctx context.Context, id string) error
}

// TrendRepository handles trend persistence.
type TrendRepository interface {
	// Save upserts a trend by ID.
	Save(ctx context.Context, trend *core.Trend) error

	// SaveBatch upserts many trends in one transaction.
	SaveBatch(ctx context.Context, trends []core.Trend) error

	// Get retrieves a trend by ID.
	Get(ctx context.Context, id string) (*core.Trend, error)

	// List retrieves trends matching a filter under the stable order
	// score descending then id ascending.
	List(ctx context.Context, f Filter) ([]core.Trend, error)

	// Count returns the number of trends matching a filter.
	Count(ctx context.Context, f Filter) (int, error)

	// Top retrieves the highest-scored trends, optionally within one
	// category.
	Top(ctx context.Context, limit int, category core.Category) ([]core.Trend, error)

	// Search performs a full-text search over title and summary.
	Search(ctx context.Context, keywords string, limit int) ([]core.Trend, error)

	// Delete removes a trend. The vector entry is left as a tombstone
	// until the next sweep.
	Delete(ctx context.Context, id string) error
}

// SourceRepository handles DB-defined collector source persistence.
type SourceRepository interface {
	// Create inserts a new source; Name is unique.
	Create(ctx context.Context, src *core.CollectorSource) error

	// Get retrieves a source by numeric ID.
	Get(ctx context.Context, id int64) (*core.CollectorSource, error)

	// GetByName retrieves a source by its unique name.
	GetByName(ctx context.Context, name string) (*core.CollectorSource, error)

	// List retrieves sources, optionally only enabled ones.
	List(ctx context.Context, enabledOnly bool) ([]core.CollectorSource, error)

	// Update rewrites a source record.
	Update(ctx context.Context, src *core.CollectorSource) error

	// SetEnabled toggles a source without rewriting the whole record.
	SetEnabled(ctx context.Context, name string, enabled bool) error

	// RecordFetchState persists conditional-fetch headers and the
	// consecutive error count after a collector run.
	RecordFetchState(ctx context.Context, name, etag, lastModified string, errorCount int, lastError string) error

	// Delete removes a source by ID.
	Delete(ctx context.Context, id int64) error
}

// PluginHealthRepository handles durable collector health records.
type PluginHealthRepository interface {
	// Get retrieves the health record for a plugin name.
	Get(ctx context.Context, name string) (*core.PluginHealth, error)

	// GetAll retrieves all health records.
	GetAll(ctx context.Context) ([]core.PluginHealth, error)

	// Upsert atomically inserts or updates a health record.
	Upsert(ctx context.Context, health *core.PluginHealth) error

	// Delete removes a health record.
	Delete(ctx context.Context, name string) error
}

// RunRepository handles pipeline run accounting records.
type RunRepository interface {
	// Create inserts a new run record.
	Create(ctx context.Context, run *core.PipelineRun) error

	// Update rewrites a run record (status, counts, errors).
	Update(ctx context.Context, run *core.PipelineRun) error

	// Get retrieves a run by ID.
	Get(ctx context.Context, id string) (*core.PipelineRun, error)

	// ListRecent retrieves the most recent runs.
	ListRecent(ctx context.Context, limit int) ([]core.PipelineRun, error)
}

// Database aggregates all repositories over one connection.
type Database interface {
	// Items returns the processed item repository.
	Items() ItemRepository

	// Topics returns the topic repository.
	Topics() TopicRepository

	// Trends returns the trend repository.
	Trends() TrendRepository

	// Sources returns the collector source repository.
	Sources() SourceRepository

	// PluginHealth returns the plugin health repository.
	PluginHealth() PluginHealthRepository

	// Runs returns the pipeline run repository.
	Runs() RunRepository

	// Close closes the database connection.
	Close() error

	// Ping verifies the database connection.
	Ping(ctx context.Context) error

	// BeginTx starts a new transaction.
	BeginTx(ctx context.Context) (Transaction, error)
}

// Transaction exposes the repositories within one database transaction.
type Transaction interface {
	// Commit commits the transaction.
	Commit() error

	// Rollback rolls back the transaction.
	Rollback() error

	// Items returns the item repository within this transaction.
	Items() ItemRepository

	// Topics returns the topic repository within this transaction.
	Topics() TopicRepository

	// Trends returns the trend repository within this transaction.
	Trends() TrendRepository
}
