// Package llm wraps the Gemini API for text embeddings.
package llm

import (
	"context"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"google.golang.org/genai"

	"trendlens/internal/core"
)

const (
	// DefaultEmbeddingModel is the Gemini embedding model.
	DefaultEmbeddingModel = "gemini-embedding-001"
	// DefaultEmbeddingDimensions is the Matryoshka output dimension.
	DefaultEmbeddingDimensions = int32(768)
	// maxEmbedChars is a conservative input limit for the embedding model.
	maxEmbedChars = 8000
	// batchTimeout bounds one EmbedBatch call.
	batchTimeout = 120 * time.Second
)

// Embedder produces vector embeddings for text.
type Embedder interface {
	// EmbedText embeds one text. The result has 768 dimensions.
	EmbedText(ctx context.Context, text string) ([]float64, error)

	// EmbedBatch embeds many texts, preserving order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)
}

// Client is a Gemini-backed Embedder.
type Client struct {
	model   string
	gClient *genai.Client
}

// NewClient creates a Gemini client. The API key comes from the
// GEMINI_API_KEY environment variable.
func NewClient(model string) (*Client, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, core.NewError(core.KindAuthRequired, "GEMINI_API_KEY not set")
	}
	if model == "" {
		model = DefaultEmbeddingModel
	}

	gClient, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &Client{model: model, gClient: gClient}, nil
}

func (c *Client) EmbedText(ctx context.Context, text string) ([]float64, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, batchTimeout)
	defer cancel()

	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		if len(text) > maxEmbedChars {
			text = text[:maxEmbedChars]
		}
		contents[i] = &genai.Content{
			Parts: []*genai.Part{{Text: text}},
			Role:  "user",
		}
	}

	dims := DefaultEmbeddingDimensions
	resp, err := c.gClient.Models.EmbedContent(ctx, c.model, contents, &genai.EmbedContentConfig{
		OutputDimensionality: &dims,
	})
	if err != nil {
		return nil, classifyAPIError(err)
	}
	if resp == nil || len(resp.Embeddings) != len(texts) {
		return nil, core.NewError(core.KindUnavailable, "embedding API returned incomplete response")
	}

	vectors := make([][]float64, len(texts))
	for i, emb := range resp.Embeddings {
		if emb == nil || len(emb.Values) == 0 {
			return nil, core.Errorf(core.KindUnavailable, "no embedding values for input %d", i)
		}
		vec := make([]float64, len(emb.Values))
		for j, v := range emb.Values {
			vec[j] = float64(v)
		}
		vectors[i] = vec
	}
	return vectors, nil
}

// classifyAPIError maps Gemini API failures onto retryable and
// non-retryable error kinds.
func classifyAPIError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "resource_exhausted") ||
		strings.Contains(msg, "quota"):
		return core.WrapError(core.KindRateLimited, "embedding API rate limited", err)
	case strings.Contains(msg, "context deadline exceeded") || strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "unavailable") || strings.Contains(msg, "503"):
		return core.WrapError(core.KindTransient, "embedding API unreachable", err)
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(msg, "api key"):
		return core.WrapError(core.KindAuthRequired, "embedding API rejected credentials", err)
	default:
		return core.WrapError(core.KindUnavailable, "embedding API error", err)
	}
}

// CosineSimilarity computes the cosine similarity of two vectors.
// Returns 0 for mismatched lengths or zero vectors.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
