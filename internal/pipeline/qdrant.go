package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// QdrantClient talks to Qdrant's REST API.
type QdrantClient struct {
	url    string
	client *http.Client
}

func NewQdrantClient(url string, client *http.Client) *QdrantClient {
	return &QdrantClient{url: url, client: client}
}

// QdrantPoint is a vector with its payload.
type QdrantPoint struct {
	ID      string         `json:"id"`
	Vector  []float64      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

// SearchResult is a single search hit.
type SearchResult struct {
	ID      string         `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// do sends body as JSON and decodes the response into dst when dst is
// non-nil. Any status in ok counts as success.
func (q *QdrantClient) do(ctx context.Context, method, path string, body, dst any, ok ...int) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, q.url+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	accepted := resp.StatusCode == http.StatusOK
	for _, code := range ok {
		accepted = accepted || resp.StatusCode == code
	}
	if !accepted {
		return statusError("qdrant", resp)
	}
	if dst == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

// EnsureCollection creates a cosine collection unless it already exists.
func (q *QdrantClient) EnsureCollection(ctx context.Context, name string, vectorSize int) error {
	req := qdrantCreateCollection{Vectors: qdrantVectorConfig{Size: vectorSize, Distance: "Cosine"}}
	if err := q.do(ctx, http.MethodPut, "/collections/"+name, req, nil, http.StatusConflict); err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	return nil
}

// Upsert inserts or updates points in a collection.
func (q *QdrantClient) Upsert(ctx context.Context, collection string, points []QdrantPoint) error {
	if err := q.do(ctx, http.MethodPut, "/collections/"+collection+"/points", qdrantUpsertRequest{Points: points}, nil); err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	return nil
}

// Search finds nearest neighbours in a collection.
func (q *QdrantClient) Search(ctx context.Context, collection string, vector []float64, topK int, scoreThreshold float64) ([]SearchResult, error) {
	req := qdrantSearchRequest{Vector: vector, Limit: topK, ScoreThreshold: scoreThreshold, WithPayload: true}
	var out qdrantSearchResponse
	if err := q.do(ctx, http.MethodPost, "/collections/"+collection+"/points/search", req, &out); err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	return out.Result, nil
}

// CollectionPointCount returns the number of points stored in collection.
func (q *QdrantClient) CollectionPointCount(ctx context.Context, collection string) (int, error) {
	var out qdrantCollectionInfo
	if err := q.do(ctx, http.MethodGet, "/collections/"+collection, nil, &out); err != nil {
		return 0, fmt.Errorf("collection info: %w", err)
	}
	return out.Result.PointsCount, nil
}

type qdrantCreateCollection struct {
	Vectors qdrantVectorConfig `json:"vectors"`
}

type qdrantVectorConfig struct {
	Size     int    `json:"size"`
	Distance string `json:"distance"`
}

type qdrantUpsertRequest struct {
	Points []QdrantPoint `json:"points"`
}

type qdrantSearchRequest struct {
	Vector         []float64 `json:"vector"`
	Limit          int       `json:"limit"`
	ScoreThreshold float64   `json:"score_threshold"`
	WithPayload    bool      `json:"with_payload"`
}

type qdrantSearchResponse struct {
	Result []SearchResult `json:"result"`
}

type qdrantCollectionInfo struct {
	Result struct {
		PointsCount int `json:"points_count"`
	} `json:"result"`
}
