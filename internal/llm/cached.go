package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"trendlens/internal/cache"
	"trendlens/internal/logger"
)

// CachedEmbedder wraps an Embedder with a cache keyed on the SHA-256 of
// the input text, so identical titles never hit the API twice.
type CachedEmbedder struct {
	inner Embedder
	cache cache.Cache
	ttl   time.Duration
}

func NewCachedEmbedder(inner Embedder, c cache.Cache, ttl time.Duration) *CachedEmbedder {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &CachedEmbedder{inner: inner, cache: c, ttl: ttl}
}

func embeddingKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return cache.EmbeddingKey(hex.EncodeToString(sum[:]))
}

func (e *CachedEmbedder) lookup(ctx context.Context, text string) ([]float64, bool) {
	raw, err := e.cache.Get(ctx, embeddingKey(text))
	if err != nil {
		return nil, false
	}
	var vec []float64
	if err := json.Unmarshal([]byte(raw), &vec); err != nil {
		return nil, false
	}
	return vec, true
}

func (e *CachedEmbedder) store(ctx context.Context, text string, vec []float64) {
	encoded, err := json.Marshal(vec)
	if err != nil {
		return
	}
	if err := e.cache.Set(ctx, embeddingKey(text), string(encoded), e.ttl); err != nil {
		logger.Debug("Failed to cache embedding", "error", err)
	}
}

func (e *CachedEmbedder) EmbedText(ctx context.Context, text string) ([]float64, error) {
	if vec, ok := e.lookup(ctx, text); ok {
		return vec, nil
	}
	vec, err := e.inner.EmbedText(ctx, text)
	if err != nil {
		return nil, err
	}
	e.store(ctx, text, vec)
	return vec, nil
}

func (e *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	vectors := make([][]float64, len(texts))

	// Collect cache misses so only those go to the API.
	var missing []string
	var missingIdx []int
	for i, text := range texts {
		if vec, ok := e.lookup(ctx, text); ok {
			vectors[i] = vec
			continue
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return vectors, nil
	}

	fresh, err := e.inner.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, vec := range fresh {
		vectors[missingIdx[j]] = vec
		e.store(ctx, missing[j], vec)
	}
	return vectors, nil
}
