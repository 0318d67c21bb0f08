// Package pipeline turns raw collector output into ranked trends.
// Stages run serially: normalize, language detection, optional
// sentiment, embedding, deduplication, clustering, ranking. A fatal
// stage error fails the whole run; per-item problems are logged and
// recorded on the run without aborting it.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"trendlens/internal/config"
	"trendlens/internal/core"
	"trendlens/internal/llm"
	"trendlens/internal/logger"
)

// Result is the output of one pipeline run.
type Result struct {
	Items  []core.ProcessedItem // Deduplicated processed items
	Topics []core.Topic         // Clusters over the items
	Trends []core.Trend         // Ranked projections of the topics
	Errors []string             // Per-item errors collected along the way
}

// Runner executes the stage sequence.
type Runner struct {
	cfg     config.Pipeline
	ranking config.Ranking
	embed   llm.Embedder
	log     *slog.Logger
}

func NewRunner(cfg config.Pipeline, ranking config.Ranking, embed llm.Embedder) *Runner {
	return &Runner{
		cfg:     cfg,
		ranking: ranking,
		embed:   embed,
		log:     logger.Get(),
	}
}

// Run processes one batch of raw items end to end.
func (r *Runner) Run(ctx context.Context, raw []core.RawItem) (*Result, error) {
	result := &Result{}

	items, errs := Normalize(raw)
	result.Errors = append(result.Errors, errs...)
	r.log.Info("Normalized items", "in", len(raw), "out", len(items))

	DetectLanguages(items)

	if r.cfg.SentimentEnabled {
		ScoreSentiment(items)
	}

	if err := r.embedItems(ctx, items); err != nil {
		return nil, fmt.Errorf("embedding stage failed: %w", err)
	}

	dedup := NewDeduplicator(r.cfg)
	kept, dropped, err := dedup.Apply(ctx, items)
	if err != nil {
		return nil, fmt.Errorf("deduplication stage failed: %w", err)
	}
	for _, d := range dropped {
		r.log.Debug("Dropped duplicate item", "source", d.Source, "title", d.Title)
	}
	result.Items = kept
	r.log.Info("Deduplicated items", "kept", len(kept), "dropped", len(dropped))

	topics, err := BuildTopics(kept, r.cfg)
	if err != nil {
		return nil, fmt.Errorf("clustering stage failed: %w", err)
	}
	result.Topics = topics
	r.log.Info("Clustered topics", "topics", len(topics))

	result.Trends = Rank(topics, kept, r.ranking)
	r.log.Info("Ranked trends", "trends", len(result.Trends))

	return result, nil
}

// embedItems fills in missing embeddings in provider-sized batches.
func (r *Runner) embedItems(ctx context.Context, items []core.ProcessedItem) error {
	var texts []string
	var indices []int
	for i := range items {
		if len(items[i].Embedding) == 0 {
			texts = append(texts, embeddingText(items[i]))
			indices = append(indices, i)
		}
	}
	if len(texts) == 0 {
		return nil
	}

	const batchSize = 100
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vectors, err := r.embed.EmbedBatch(ctx, texts[start:end])
		if err != nil {
			return err
		}
		for j, vec := range vectors {
			items[indices[start+j]].Embedding = vec
		}
	}
	return nil
}

func embeddingText(item core.ProcessedItem) string {
	text := item.NormalizedTitle
	if item.Body != "" {
		text += "\n" + item.Body
	}
	return text
}
