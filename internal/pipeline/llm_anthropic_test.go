package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseServer(t *testing.T, events string, check func(r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			check(r)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(events))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAnthropicLLMComplete(t *testing.T) {
	events := strings.Join([]string{
		"event: message_start",
		`data: {"type":"message_start"}`,
		"",
		"event: content_block_delta",
		`data: {"type":"content_block_delta","delta":{"type":"thinking_delta","thinking":"hmm"}}`,
		"",
		"event: content_block_delta",
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":" Olá, "}}`,
		"",
		"event: content_block_delta",
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"tudo bem? "}}`,
		"",
		"event: message_stop",
		`data: {"type":"message_stop"}`,
		"",
	}, "\n")

	srv := sseServer(t, events, func(r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "k", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))

		var req messagesRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "sys", req.System)
		assert.Equal(t, 512, req.MaxTokens)
		assert.Nil(t, req.Temperature)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "oi", req.Messages[0].Content)
	})

	llm := NewAnthropicLLM(AnthropicConfig{BaseURL: srv.URL + "/", APIKey: "k", Model: "m"}, testClient())
	text, err := llm.Complete(context.Background(), "sys", "oi")
	require.NoError(t, err)
	assert.Equal(t, "Olá, tudo bem?", text)
}

func TestAnthropicLLMErrors(t *testing.T) {
	t.Run("error event", func(t *testing.T) {
		srv := sseServer(t, "event: error\ndata: {\"error\":{\"type\":\"overloaded_error\",\"message\":\"busy\"}}\n\n", nil)
		_, err := NewAnthropicLLM(AnthropicConfig{BaseURL: srv.URL}, testClient()).Complete(context.Background(), "", "oi")
		require.ErrorContains(t, err, "overloaded_error: busy")
	})

	t.Run("truncated", func(t *testing.T) {
		srv := sseServer(t, "event: content_block_delta\ndata: {\"delta\":{\"type\":\"text_delta\",\"text\":\"x\"}}\n\n", nil)
		_, err := NewAnthropicLLM(AnthropicConfig{BaseURL: srv.URL}, testClient()).Complete(context.Background(), "", "oi")
		require.ErrorIs(t, err, errStreamTruncated)
	})

	t.Run("status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "bad key", http.StatusUnauthorized)
		}))
		defer srv.Close()
		_, err := NewAnthropicLLM(AnthropicConfig{BaseURL: srv.URL}, testClient()).Complete(context.Background(), "", "oi")
		require.ErrorContains(t, err, "messages status 401")
	})
}
