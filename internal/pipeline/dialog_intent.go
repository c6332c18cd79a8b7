package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hubenschmidt/voicechat-gateway/internal/metrics"
)

// IntentConfig points at a detect-intent REST agent, e.g.
// BaseURL "https://us-central1-dialogflow.googleapis.com/v3" and
// AgentPath "projects/p/locations/us-central1/agents/a".
type IntentConfig struct {
	BaseURL      string
	AgentPath    string
	LanguageCode string
	Token        string
}

// IntentClient is the intent-driven dialog strategy. Each voice session maps
// onto one remote agent session, which carries the conversation state, so
// local history is not sent.
type IntentClient struct {
	cfg    IntentConfig
	client *http.Client
}

func NewIntentClient(cfg IntentConfig, client *http.Client) *IntentClient {
	if cfg.LanguageCode == "" {
		cfg.LanguageCode = "pt-BR"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &IntentClient{cfg: cfg, client: client}
}

// Open binds a backend to the remote session for sessionID.
func (c *IntentClient) Open(_ context.Context, sessionID string) (DialogBackend, error) {
	if c.cfg.BaseURL == "" || c.cfg.AgentPath == "" {
		return nil, fmt.Errorf("intent dialog: agent not configured")
	}
	return &intentSession{client: c, sessionPath: c.cfg.AgentPath + "/sessions/" + url.PathEscape(sessionID)}, nil
}

type intentSession struct {
	client      *IntentClient
	sessionPath string
}

type detectIntentRequest struct {
	QueryInput struct {
		Text struct {
			Text string `json:"text"`
		} `json:"text"`
		LanguageCode string `json:"languageCode"`
	} `json:"queryInput"`
}

type detectIntentResponse struct {
	QueryResult struct {
		ResponseMessages []struct {
			Text *struct {
				Text []string `json:"text"`
			} `json:"text,omitempty"`
			Payload map[string]any `json:"payload,omitempty"`
		} `json:"responseMessages"`
		Intent *struct {
			DisplayName string `json:"displayName"`
		} `json:"intent,omitempty"`
		IntentDetectionConfidence float64 `json:"intentDetectionConfidence"`
	} `json:"queryResult"`
}

func (s *intentSession) Converse(ctx context.Context, text string, _ []HistoryEntry) (*DialogResult, error) {
	start := time.Now()
	cfg := s.client.cfg

	var reqBody detectIntentRequest
	reqBody.QueryInput.Text.Text = text
	reqBody.QueryInput.LanguageCode = cfg.LanguageCode
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal detect intent: %w", err)
	}

	endpoint := cfg.BaseURL + "/" + s.sessionPath + ":detectIntent"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create detect intent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Token)
	}

	resp, err := s.client.client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("dialog", "http").Inc()
		return nil, fmt.Errorf("detect intent request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.Errors.WithLabelValues("dialog", "status").Inc()
		return nil, statusError("detect intent", resp)
	}

	var out detectIntentResponse
	if err = json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode detect intent response: %w", err)
	}

	result := &DialogResult{LatencyMs: float64(time.Since(start).Milliseconds())}
	var texts []string
	for _, m := range out.QueryResult.ResponseMessages {
		if m.Text != nil && len(m.Text.Text) > 0 {
			texts = append(texts, m.Text.Text[0])
		}
		if m.Payload != nil {
			result.ToolCalls = append(result.ToolCalls, parseToolCalls(m.Payload)...)
		}
	}
	result.Text = strings.Join(texts, " ")
	if in := out.QueryResult.Intent; in != nil && in.DisplayName != "" {
		result.Intent = &Intent{Name: in.DisplayName, Confidence: out.QueryResult.IntentDetectionConfidence}
	}
	return result, nil
}

// parseToolCalls reads payload.tool_calls[{name, parameters}], skipping
// malformed entries.
func parseToolCalls(payload map[string]any) []ToolCall {
	raw, ok := payload["tool_calls"].([]any)
	if !ok {
		return nil
	}
	calls := make([]ToolCall, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		if name == "" {
			continue
		}
		params, _ := m["parameters"].(map[string]any)
		calls = append(calls, ToolCall{Name: name, Parameters: params})
	}
	return calls
}
