// Embedding-backed verb and attribute discovery. The embedding model
// itself is an external collaborator behind the EmbeddingClient
// interface: GeminiEmbeddingClient is the production implementation,
// HashEmbeddingClient the deterministic no-network fallback for tests
// and offline development.
package lexicon

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"

	genai "github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// EmbeddingClient turns text into a vector usable for similarity
// search.
type EmbeddingClient interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// HashEmbeddingClient is a deterministic, no-network fallback for
// tests and offline development.
// It is not a real embedding space — cosine similarity over its output
// only ever means "identical normalized text", never semantic
// similarity — callers that need real discovery should use
// GeminiEmbeddingClient.
type HashEmbeddingClient struct{}

func (HashEmbeddingClient) Embed(_ context.Context, text string) ([]float32, error) {
	normalized := strings.ToLower(strings.TrimSpace(text))
	sum := sha256.Sum256([]byte(normalized))
	hexStr := hex.EncodeToString(sum[:])

	vec := make([]float32, len(hexStr))
	for i, r := range hexStr {
		vec[i] = float32(r)
	}
	return vec, nil
}

// GeminiEmbeddingClient calls Gemini's embedding model through
// generative-ai-go.
type GeminiEmbeddingClient struct {
	client *genai.Client
	model  string
}

func NewGeminiEmbeddingClient(ctx context.Context, apiKey string) (*GeminiEmbeddingClient, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("lexicon: create genai client: %w", err)
	}
	return &GeminiEmbeddingClient{client: client, model: "embedding-001"}, nil
}

func (g *GeminiEmbeddingClient) Embed(ctx context.Context, text string) ([]float32, error) {
	em := g.client.EmbeddingModel(g.model)
	res, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("lexicon: embed content: %w", err)
	}
	if res.Embedding == nil {
		return nil, fmt.Errorf("lexicon: empty embedding response")
	}
	return res.Embedding.Values, nil
}

func (g *GeminiEmbeddingClient) Close() error { return g.client.Close() }

// CosineSimilarity scores two equal-length embedding vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
