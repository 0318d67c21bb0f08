// Package vectorstore provides approximate nearest neighbor search for
// item and trend embeddings, backed by pgvector with cosine distance.
package vectorstore

import (
	"context"
	"time"
)

// Entity distinguishes the kinds of records in the index.
type Entity string

const (
	EntityItem  Entity = "item"
	EntityTrend Entity = "trend"
)

// Key builds the index key for an entity and its UUID.
func Key(entity Entity, id string) string {
	return string(entity) + ":" + id
}

// Entry is one indexed vector with its filterable payload.
type Entry struct {
	// ID is the index key ("item:{uuid}" or "trend:{uuid}").
	ID string

	// Entity is the record kind.
	Entity Entity

	// Embedding is the vector (768-dim for Gemini).
	Embedding []float64

	// Payload fields; only these are filterable at search time.
	Category    string
	State       string
	Language    string
	Sources     []string
	Score       float64
	PublishedAt time.Time
}

// Query configures a similarity search.
type Query struct {
	// Embedding is the query vector.
	Embedding []float64

	// Limit is the maximum number of results (default 10).
	Limit int

	// SimilarityThreshold is the minimum cosine similarity in [0,1]
	// (default 0.7). Higher is stricter.
	SimilarityThreshold float64

	// Entity restricts results to one record kind when set.
	Entity Entity

	// Payload filters; zero values mean unconstrained.
	Category       string
	State          string
	Language       string
	Sources        []string
	MinScore       float64
	PublishedSince time.Time

	// ExcludeIDs drops specific index keys, used by similar-to-X
	// queries to exclude the anchor itself.
	ExcludeIDs []string
}

// Result is one similarity hit, ordered by similarity descending.
type Result struct {
	// ID is the index key of the hit.
	ID string

	// Entity is the record kind.
	Entity Entity

	// Similarity is 1 - cosine distance, in [0,1].
	Similarity float64

	// Distance is the raw cosine distance.
	Distance float64
}

// Stats reports index size and configuration.
type Stats struct {
	TotalVectors int64
	Dimensions   int
	IndexType    string
}

// Store is the vector index contract. Writes are upserts keyed on ID;
// deletes of missing keys are not errors.
type Store interface {
	// Upsert writes one entry.
	Upsert(ctx context.Context, entry Entry) error

	// UpsertBatch writes many entries in one transaction.
	UpsertBatch(ctx context.Context, entries []Entry) error

	// Search returns hits above the similarity threshold, ordered by
	// similarity descending.
	Search(ctx context.Context, q Query) ([]Result, error)

	// Get retrieves one entry by index key.
	Get(ctx context.Context, id string) (*Entry, error)

	// Delete removes an entry by index key.
	Delete(ctx context.Context, id string) error

	// DeleteMissing removes index entries of the given entity whose
	// UUIDs are not in keep. Used by the retention sweep to clear
	// tombstones.
	DeleteMissing(ctx context.Context, entity Entity, keep []string) (int, error)

	// Stats reports index size and configuration.
	Stats(ctx context.Context) (*Stats, error)
}
