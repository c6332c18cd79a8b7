package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hubenschmidt/voicechat-gateway/internal/metrics"
)

const anthropicVersion = "2023-06-01"

// AnthropicLLM completes prompts against the Anthropic Messages API using
// server-sent events.
type AnthropicLLM struct {
	url         string
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	client      *http.Client
}

// AnthropicConfig configures an AnthropicLLM. MaxTokens defaults to 512.
type AnthropicConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
}

func NewAnthropicLLM(cfg AnthropicConfig, client *http.Client) *AnthropicLLM {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	return &AnthropicLLM{
		url:         strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		client:      client,
	}
}

// Complete sends one user turn and returns the streamed text deltas joined.
func (a *AnthropicLLM) Complete(ctx context.Context, instructions, input string) (string, error) {
	start := time.Now()

	req := messagesRequest{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		Stream:    true,
		System:    instructions,
		Messages:  []messagesTurn{{Role: "user", Content: input}},
	}
	if a.temperature > 0 {
		req.Temperature = &a.temperature
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal messages request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create messages request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		metrics.Errors.WithLabelValues("llm", "http").Inc()
		return "", fmt.Errorf("messages request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.Errors.WithLabelValues("llm", "status").Inc()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("messages status %d: %s", resp.StatusCode, errBody)
	}

	text, err := readMessageEvents(resp.Body)
	if err != nil {
		metrics.Errors.WithLabelValues("llm", "stream").Inc()
		return "", fmt.Errorf("messages stream: %w", err)
	}

	metrics.StageDuration.WithLabelValues("llm").Observe(time.Since(start).Seconds())
	return strings.TrimSpace(text), nil
}

var errStreamTruncated = errors.New("stream ended before message_stop")

// readMessageEvents collects text_delta payloads until message_stop. An
// error event aborts the read.
func readMessageEvents(r io.Reader) (string, error) {
	var (
		text  strings.Builder
		event string
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			event = name
			continue
		}
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}

		switch event {
		case "message_stop":
			return text.String(), nil
		case "error":
			var ev messagesErrorEvent
			_ = json.Unmarshal([]byte(data), &ev)
			return "", fmt.Errorf("%s: %s", ev.Error.Type, ev.Error.Message)
		case "content_block_delta":
			var ev messagesDeltaEvent
			if json.Unmarshal([]byte(data), &ev) != nil || ev.Delta.Type != "text_delta" {
				continue
			}
			text.WriteString(ev.Delta.Text)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", errStreamTruncated
}

type messagesRequest struct {
	Model       string         `json:"model"`
	MaxTokens   int            `json:"max_tokens"`
	Stream      bool           `json:"stream"`
	System      string         `json:"system,omitempty"`
	Temperature *float64       `json:"temperature,omitempty"`
	Messages    []messagesTurn `json:"messages"`
}

type messagesTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesDeltaEvent struct {
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

type messagesErrorEvent struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
