package llm

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trendlens/internal/cache"
)

type countingEmbedder struct {
	calls int
	texts []string
}

func (f *countingEmbedder) EmbedText(ctx context.Context, text string) ([]float64, error) {
	vecs, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	f.calls++
	f.texts = append(f.texts, texts...)
	out := make([][]float64, len(texts))
	for i, text := range texts {
		out[i] = []float64{float64(len(text)), 1, 0}
	}
	return out, nil
}

func newTestCache(t *testing.T) cache.Cache {
	t.Helper()
	c, err := cache.NewSQLiteCache(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCachedEmbedderHit(t *testing.T) {
	ctx := context.Background()
	inner := &countingEmbedder{}
	e := NewCachedEmbedder(inner, newTestCache(t), time.Hour)

	first, err := e.EmbedText(ctx, "hello world")
	require.NoError(t, err)

	second, err := e.EmbedText(ctx, "hello world")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, inner.calls)
}

func TestCachedEmbedderBatchPartialMiss(t *testing.T) {
	ctx := context.Background()
	inner := &countingEmbedder{}
	e := NewCachedEmbedder(inner, newTestCache(t), time.Hour)

	_, err := e.EmbedText(ctx, "cached")
	require.NoError(t, err)

	vectors, err := e.EmbedBatch(ctx, []string{"cached", "fresh"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)

	// Only the miss goes to the API.
	assert.Equal(t, 2, inner.calls)
	assert.Equal(t, []string{"cached", "fresh"}, inner.texts)
	assert.Equal(t, []float64{6, 1, 0}, vectors[0])
	assert.Equal(t, []float64{5, 1, 0}, vectors[1])
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float64
		want float64
	}{
		{"identical", []float64{1, 2, 3}, []float64{1, 2, 3}, 1},
		{"orthogonal", []float64{1, 0}, []float64{0, 1}, 0},
		{"opposite", []float64{1, 0}, []float64{-1, 0}, -1},
		{"mismatched length", []float64{1, 2}, []float64{1}, 0},
		{"zero vector", []float64{0, 0}, []float64{1, 1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineSimilarity(tt.a, tt.b)
			assert.InDelta(t, tt.want, got, 1e-9)
			if math.Abs(got) > 1+1e-9 {
				t.Errorf("similarity out of range: %v", got)
			}
		})
	}
}
