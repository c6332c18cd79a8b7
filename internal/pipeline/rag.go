package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hubenschmidt/voicechat-gateway/internal/metrics"
)

// Embedder produces one vector per input text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// VectorSearcher finds stored passages near a vector.
type VectorSearcher interface {
	Search(ctx context.Context, collection string, vector []float64, topK int, scoreThreshold float64) ([]SearchResult, error)
}

// RAGClient retrieves relevant context from a vector knowledge base.
type RAGClient struct {
	embedder       Embedder
	searcher       VectorSearcher
	collection     string
	topK           int
	scoreThreshold float64
}

// RAGConfig holds configuration for the RAG client.
type RAGConfig struct {
	Embedder       Embedder
	Searcher       VectorSearcher
	Collection     string
	TopK           int
	ScoreThreshold float64
}

func NewRAGClient(cfg RAGConfig) *RAGClient {
	return &RAGClient{
		embedder:       cfg.Embedder,
		searcher:       cfg.Searcher,
		collection:     cfg.Collection,
		topK:           max(cfg.TopK, 1),
		scoreThreshold: cfg.ScoreThreshold,
	}
}

// RetrieveContext embeds the query, searches the knowledge base, and returns
// the matching passages joined by separators. No hits yields "".
func (r *RAGClient) RetrieveContext(ctx context.Context, query string) (string, error) {
	start := time.Now()

	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return "", fmt.Errorf("embed query: %w", err)
	}

	results, err := r.searcher.Search(ctx, r.collection, vector, r.topK, r.scoreThreshold)
	if err != nil {
		return "", fmt.Errorf("qdrant search: %w", err)
	}

	metrics.RAGDuration.Observe(time.Since(start).Seconds())
	return formatResults(results), nil
}

func formatResults(results []SearchResult) string {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		text, ok := r.Payload["text"].(string)
		if !ok || text == "" {
			continue
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, "\n---\n")
}

// ChunkText splits text on blank lines and packs paragraphs into chunks of
// at most maxChars. A single paragraph longer than maxChars becomes its own chunk.
func ChunkText(text string, maxChars int) []string {
	var chunks []string
	var current strings.Builder

	for _, p := range strings.Split(text, "\n\n") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if current.Len() > 0 && current.Len()+len(p)+2 > maxChars {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(p)
	}

	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}
