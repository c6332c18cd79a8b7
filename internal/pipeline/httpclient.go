package pipeline

import (
	"fmt"
	"io"
	"net/http"
	"time"
)

// NewPooledHTTPClient creates an http.Client with connection pooling. timeout
// bounds every collaborator request made through it.
func NewPooledHTTPClient(poolSize int, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:          poolSize,
			MaxIdleConnsPerHost:   poolSize,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: timeout,
			ForceAttemptHTTP2:     true,
		},
	}
}

// statusError reads a short prefix of a failed response body into the error.
func statusError(label string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if len(body) == 0 {
		return fmt.Errorf("%s status %d", label, resp.StatusCode)
	}
	return fmt.Errorf("%s status %d: %s", label, resp.StatusCode, body)
}
