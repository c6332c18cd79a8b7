package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hubenschmidt/voicechat-gateway/internal/metrics"
)

// Tool names understood by ProductClient.
const (
	ToolSearchProducts = "search_products"
	ToolGetProduct     = "get_product_by_id"
)

const defaultSearchLimit = 10

var ErrUnknownTool = errors.New("unknown tool")

// ProductClient runs product lookups against the marketplace catalog API.
// Requests share one rate limiter so a chatty dialog agent cannot flood it.
type ProductClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
}

// NewProductClient allows rps requests per second with the given burst.
// Non-positive rps disables limiting.
func NewProductClient(baseURL, apiKey string, rps float64, burst int, client *http.Client) *ProductClient {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &ProductClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
		limiter: rate.NewLimiter(limit, max(burst, 1)),
	}
}

// ProductSearch is the result of search_products.
type ProductSearch struct {
	Products []map[string]any `json:"products"`
	Count    int              `json:"count"`
}

// Invoke dispatches a tool call by name.
func (c *ProductClient) Invoke(ctx context.Context, name string, params map[string]any) (any, error) {
	switch name {
	case ToolSearchProducts:
		return c.SearchProducts(ctx, params)
	case ToolGetProduct:
		id := stringParam(params, "product_id")
		if id == "" {
			id = stringParam(params, "id")
		}
		return c.GetProduct(ctx, id)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
}

// SearchProducts accepts q (or query), category, min_price, max_price and limit.
func (c *ProductClient) SearchProducts(ctx context.Context, params map[string]any) (*ProductSearch, error) {
	q := url.Values{}
	if v := stringParam(params, "q"); v != "" {
		q.Set("q", v)
	} else if v := stringParam(params, "query"); v != "" {
		q.Set("q", v)
	}
	if v := stringParam(params, "category"); v != "" {
		q.Set("category", v)
	}
	for _, key := range []string{"min_price", "max_price"} {
		if v := stringParam(params, key); v != "" {
			q.Set(key, v)
		}
	}
	limit := stringParam(params, "limit")
	if limit == "" {
		limit = strconv.Itoa(defaultSearchLimit)
	}
	q.Set("limit", limit)

	var out struct {
		Products []map[string]any `json:"products"`
	}
	if err := c.get(ctx, "/products?"+q.Encode(), &out); err != nil {
		return nil, fmt.Errorf("search products: %w", err)
	}
	if out.Products == nil {
		out.Products = []map[string]any{}
	}
	return &ProductSearch{Products: out.Products, Count: len(out.Products)}, nil
}

// GetProduct fetches one product by id.
func (c *ProductClient) GetProduct(ctx context.Context, id string) (map[string]any, error) {
	if id == "" {
		return nil, fmt.Errorf("get product: missing product_id")
	}
	var out map[string]any
	if err := c.get(ctx, "/products/"+url.PathEscape(id), &out); err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	return out, nil
}

func (c *ProductClient) get(ctx context.Context, path string, dst any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("tool", "http").Inc()
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.Errors.WithLabelValues("tool", "status").Inc()
		return statusError("catalog", resp)
	}
	if err = json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	metrics.StageDuration.WithLabelValues("tool").Observe(time.Since(start).Seconds())
	return nil
}

// stringParam renders scalar parameters the way they appear in a query string.
func stringParam(params map[string]any, key string) string {
	switch v := params[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case json.Number:
		return v.String()
	}
	return ""
}
