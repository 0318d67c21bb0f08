package vectorstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"trendlens/internal/core"
)

// PgVectorStore implements Store on PostgreSQL with the pgvector
// extension, using cosine distance (the <=> operator).
type PgVectorStore struct {
	db *sql.DB
}

// NewPgVectorStore creates a vector store over an existing connection.
// The vectors table and its HNSW index come from the schema migrations.
func NewPgVectorStore(db *sql.DB) *PgVectorStore {
	return &PgVectorStore{db: db}
}

func (p *PgVectorStore) upsertOne(ctx context.Context, q interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}, entry Entry) error {
	if len(entry.Embedding) == 0 {
		return core.NewError(core.KindValidation, "empty embedding")
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO vectors (id, entity, embedding, category, state, language,
			sources, score, published_at)
		VALUES ($1, $2, $3::vector, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			category = EXCLUDED.category,
			state = EXCLUDED.state,
			language = EXCLUDED.language,
			sources = EXCLUDED.sources,
			score = EXCLUDED.score,
			published_at = EXCLUDED.published_at`,
		entry.ID, string(entry.Entity), formatVector(entry.Embedding),
		entry.Category, entry.State, entry.Language,
		pq.Array(entry.Sources), entry.Score, nullableTime(entry))
	if err != nil {
		return core.WrapError(core.KindUnavailable, "failed to upsert vector", err)
	}
	return nil
}

func nullableTime(entry Entry) interface{} {
	if entry.PublishedAt.IsZero() {
		return nil
	}
	return entry.PublishedAt
}

func (p *PgVectorStore) Upsert(ctx context.Context, entry Entry) error {
	return p.upsertOne(ctx, p.db, entry)
}

func (p *PgVectorStore) UpsertBatch(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return core.WrapError(core.KindUnavailable, "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, entry := range entries {
		if err := p.upsertOne(ctx, tx, entry); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return core.WrapError(core.KindUnavailable, "failed to commit vectors", err)
	}
	return nil
}

func (p *PgVectorStore) Search(ctx context.Context, q Query) ([]Result, error) {
	if len(q.Embedding) == 0 {
		return nil, core.NewError(core.KindValidation, "empty query embedding")
	}
	if q.Limit <= 0 {
		q.Limit = 10
	}
	if q.SimilarityThreshold == 0 {
		q.SimilarityThreshold = 0.7
	}

	args := []interface{}{formatVector(q.Embedding), q.SimilarityThreshold}
	conds := []string{"1 - (embedding <=> $1::vector) >= $2"}
	addCond := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, strings.Replace(cond, "?", "$"+strconv.Itoa(len(args)), 1))
	}

	if q.Entity != "" {
		addCond("entity = ?", string(q.Entity))
	}
	if q.Category != "" {
		addCond("category = ?", q.Category)
	}
	if q.State != "" {
		addCond("state = ?", q.State)
	}
	if q.Language != "" {
		addCond("language = ?", q.Language)
	}
	if len(q.Sources) > 0 {
		addCond("sources && ?", pq.Array(q.Sources))
	}
	if q.MinScore > 0 {
		addCond("score >= ?", q.MinScore)
	}
	if !q.PublishedSince.IsZero() {
		addCond("published_at >= ?", q.PublishedSince)
	}
	if len(q.ExcludeIDs) > 0 {
		addCond("NOT (id = ANY(?))", pq.Array(q.ExcludeIDs))
	}

	args = append(args, q.Limit)
	query := fmt.Sprintf(`
		SELECT id, entity,
			1 - (embedding <=> $1::vector) AS similarity,
			embedding <=> $1::vector AS distance
		FROM vectors
		WHERE %s
		ORDER BY embedding <=> $1::vector
		LIMIT $%d`, strings.Join(conds, " AND "), len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.WrapError(core.KindUnavailable, "vector search failed", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var entity string
		if err := rows.Scan(&r.ID, &entity, &r.Similarity, &r.Distance); err != nil {
			return nil, core.WrapError(core.KindUnavailable, "failed to scan vector result", err)
		}
		r.Entity = Entity(entity)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, core.WrapError(core.KindUnavailable, "vector search failed", err)
	}
	return results, nil
}

func (p *PgVectorStore) Get(ctx context.Context, id string) (*Entry, error) {
	var entry Entry
	var entity, vectorStr string
	var sources pq.StringArray
	var publishedAt sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT id, entity, embedding::text, category, state, language,
			sources, score, published_at
		FROM vectors WHERE id = $1`, id,
	).Scan(&entry.ID, &entity, &vectorStr, &entry.Category, &entry.State,
		&entry.Language, &sources, &entry.Score, &publishedAt)
	if err == sql.ErrNoRows {
		return nil, core.Errorf(core.KindNotFound, "vector %s not found", id)
	}
	if err != nil {
		return nil, core.WrapError(core.KindUnavailable, "failed to get vector", err)
	}
	entry.Entity = Entity(entity)
	entry.Sources = sources
	if publishedAt.Valid {
		entry.PublishedAt = publishedAt.Time
	}
	entry.Embedding, err = parseVector(vectorStr)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (p *PgVectorStore) Delete(ctx context.Context, id string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM vectors WHERE id = $1`, id); err != nil {
		return core.WrapError(core.KindUnavailable, "failed to delete vector", err)
	}
	return nil
}

func (p *PgVectorStore) DeleteMissing(ctx context.Context, entity Entity, keep []string) (int, error) {
	keys := make([]string, len(keep))
	for i, id := range keep {
		keys[i] = Key(entity, id)
	}
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM vectors WHERE entity = $1 AND NOT (id = ANY($2))`,
		string(entity), pq.Array(keys))
	if err != nil {
		return 0, core.WrapError(core.KindUnavailable, "failed to sweep vectors", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *PgVectorStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Dimensions: 768, IndexType: "hnsw"}
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vectors`).Scan(&stats.TotalVectors)
	if err != nil {
		return nil, core.WrapError(core.KindUnavailable, "failed to count vectors", err)
	}
	return stats, nil
}

// formatVector renders a []float64 in pgvector text form: [0.1,0.2].
func formatVector(embedding []float64) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range embedding {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
	}
	b.WriteByte(']')
	return b.String()
}

// parseVector reads the pgvector text form back into a []float64.
func parseVector(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float64, len(parts))
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, core.WrapError(core.KindParse, "malformed vector literal", err)
		}
		out[i] = v
	}
	return out, nil
}
