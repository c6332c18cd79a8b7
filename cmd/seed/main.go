package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hubenschmidt/voicechat-gateway/internal/env"
	"github.com/hubenschmidt/voicechat-gateway/internal/pipeline"
)

func main() {
	dir := flag.String("dir", "", "directory containing .txt files to seed")
	embedURL := flag.String("embed-url", env.Str("EMBED_URL", "http://localhost:11434"), "Ollama URL")
	model := flag.String("model", env.Str("EMBEDDING_MODEL", "nomic-embed-text"), "embedding model")
	qdrantURL := flag.String("qdrant-url", env.Str("QDRANT_URL", "http://localhost:6333"), "Qdrant URL")
	collection := flag.String("collection", env.Str("RAG_COLLECTION", "knowledge_base"), "Qdrant collection name")
	vectorSize := flag.Int("vector-size", env.Int("VECTOR_SIZE", 768), "embedding vector dimension")
	chunkSize := flag.Int("chunk-size", 500, "max characters per chunk")
	parallel := flag.Int("parallel", 4, "files embedded concurrently")
	force := flag.Bool("force", false, "seed even if the collection already has points")
	flag.Parse()

	if *dir == "" {
		fmt.Fprintln(os.Stderr, "usage: seed --dir ./samples/knowledge/")
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	httpClient := pipeline.NewPooledHTTPClient(*parallel, 60*time.Second)
	embedder := pipeline.NewEmbeddingClient(*embedURL, *model, httpClient)
	qdrant := pipeline.NewQdrantClient(*qdrantURL, httpClient)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := qdrant.EnsureCollection(ctx, *collection, *vectorSize); err != nil {
		slog.Error("ensure collection", "error", err)
		os.Exit(1)
	}

	count, err := qdrant.CollectionPointCount(ctx, *collection)
	if err == nil && count > 0 && !*force {
		slog.Info("collection already seeded, skipping", "collection", *collection, "points", count)
		return
	}

	files, err := filepath.Glob(filepath.Join(*dir, "*.txt"))
	if err != nil {
		slog.Error("glob files", "error", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no .txt files found in", *dir)
		os.Exit(1)
	}

	var total atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(*parallel, 1))
	for _, f := range files {
		g.Go(func() error {
			n, seedErr := seedFile(gctx, f, *chunkSize, embedder, qdrant, *collection)
			if seedErr != nil {
				slog.Error("seed file", "file", f, "error", seedErr)
				return nil
			}
			total.Add(int64(n))
			slog.Info("seeded", "file", f, "chunks", n)
			return nil
		})
	}
	_ = g.Wait()

	slog.Info("done", "total_chunks", total.Load(), "files", len(files))
}

func seedFile(ctx context.Context, path string, chunkSize int, embedder *pipeline.EmbeddingClient, qdrant *pipeline.QdrantClient, collection string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	chunks := pipeline.ChunkText(string(data), chunkSize)
	if len(chunks) == 0 {
		return 0, nil
	}
	vectors, err := embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return 0, fmt.Errorf("embed chunks: %w", err)
	}

	points := make([]pipeline.QdrantPoint, len(chunks))
	for i, chunk := range chunks {
		points[i] = pipeline.QdrantPoint{
			ID:     uuid.NewString(),
			Vector: vectors[i],
			Payload: map[string]any{
				"text":   chunk,
				"source": filepath.Base(path),
			},
		}
	}

	if err := qdrant.Upsert(ctx, collection, points); err != nil {
		return 0, fmt.Errorf("upsert: %w", err)
	}
	return len(points), nil
}
