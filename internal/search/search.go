// Package search implements embedding-backed semantic search over
// trends: fingerprint-cached query embedding, filtered vector search
// with overfetch, and metadata hydration with tombstone drop.
package search

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"trendlens/internal/config"
	"trendlens/internal/core"
	"trendlens/internal/llm"
	"trendlens/internal/logger"
	"trendlens/internal/persistence"
	"trendlens/internal/vectorstore"
)

// Request is one semantic search. Either Query or Embedding must be
// set; filters are optional.
type Request struct {
	Query         string          `json:"query"`
	Embedding     []float64       `json:"-"`
	Limit         int             `json:"limit"`
	MinSimilarity float64         `json:"min_similarity"`
	Category      core.Category   `json:"category"`
	State         core.TrendState `json:"state"`
	Language      string          `json:"language"`
	Sources       []string        `json:"sources"`
	MinScore      float64         `json:"min_score"`
	Since         time.Time       `json:"since"`
}

// Match is one hit: the hydrated trend plus its cosine similarity.
type Match struct {
	Trend      core.Trend `json:"trend"`
	Similarity float64    `json:"similarity"`
}

// Service wires the embedder, the vector index, and the trend
// metadata repository.
type Service struct {
	embed  llm.Embedder
	store  vectorstore.Store
	trends persistence.TrendRepository
	cfg    config.Search
	log    *slog.Logger
}

func NewService(embed llm.Embedder, store vectorstore.Store, trends persistence.TrendRepository, cfg config.Search) *Service {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 10
	}
	if cfg.MinSimilarity <= 0 {
		cfg.MinSimilarity = 0.7
	}
	if cfg.Overfetch <= 0 {
		cfg.Overfetch = 2
	}
	return &Service{
		embed:  embed,
		store:  store,
		trends: trends,
		cfg:    cfg,
		log:    logger.Get(),
	}
}

// Search embeds the query (or uses the supplied embedding), runs a
// filtered vector search overfetched to absorb post-filter drop, and
// hydrates the surviving trends in similarity order. A vector backend
// failure surfaces as ServiceUnavailable; there is no silent keyword
// fallback.
func (s *Service) Search(ctx context.Context, req Request) ([]Match, error) {
	embedding := req.Embedding
	if len(embedding) == 0 {
		query := strings.TrimSpace(req.Query)
		if query == "" {
			return nil, core.NewError(core.KindValidation, "search needs a query or an embedding")
		}
		var err error
		embedding, err = s.embed.EmbedText(ctx, query)
		if err != nil {
			return nil, err
		}
	}

	limit := req.Limit
	if limit <= 0 {
		limit = s.cfg.DefaultLimit
	}
	minSim := req.MinSimilarity
	if minSim <= 0 {
		minSim = s.cfg.MinSimilarity
	}

	return s.run(ctx, vectorstore.Query{
		Embedding:           embedding,
		Limit:               limit * s.cfg.Overfetch,
		SimilarityThreshold: minSim,
		Entity:              vectorstore.EntityTrend,
		Category:            string(req.Category),
		State:               string(req.State),
		Language:            req.Language,
		Sources:             req.Sources,
		MinScore:            req.MinScore,
		PublishedSince:      req.Since,
	}, limit)
}

// Similar finds trends near an existing one, excluding the anchor
// itself.
func (s *Service) Similar(ctx context.Context, trendID string, limit int, minSimilarity float64) ([]Match, error) {
	if limit <= 0 {
		limit = s.cfg.DefaultLimit
	}
	if minSimilarity <= 0 {
		minSimilarity = s.cfg.MinSimilarity
	}

	anchor := vectorstore.Key(vectorstore.EntityTrend, trendID)
	entry, err := s.store.Get(ctx, anchor)
	if err != nil {
		return nil, err
	}

	return s.run(ctx, vectorstore.Query{
		Embedding:           entry.Embedding,
		Limit:               limit * s.cfg.Overfetch,
		SimilarityThreshold: minSimilarity,
		Entity:              vectorstore.EntityTrend,
		ExcludeIDs:          []string{anchor},
	}, limit)
}

// run executes the vector query and hydrates hits from the metadata
// repository, dropping tombstones whose entity is already deleted.
func (s *Service) run(ctx context.Context, query vectorstore.Query, limit int) ([]Match, error) {
	hits, err := s.store.Search(ctx, query)
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, limit)
	for _, hit := range hits {
		if len(matches) == limit {
			break
		}
		id := strings.TrimPrefix(hit.ID, string(vectorstore.EntityTrend)+":")
		trend, err := s.trends.Get(ctx, id)
		if err != nil {
			if core.IsKind(err, core.KindNotFound) {
				s.log.Debug("Dropping tombstoned search hit", "id", hit.ID)
				continue
			}
			return nil, err
		}
		matches = append(matches, Match{Trend: *trend, Similarity: hit.Similarity})
	}
	return matches, nil
}
