package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nlpodyssey/openai-agents-go/agents"
	"github.com/nlpodyssey/openai-agents-go/modelsettings"
	"github.com/openai/openai-go/v2/packages/param"

	"github.com/hubenschmidt/voicechat-gateway/internal/metrics"
)

// Completer produces a single assistant reply for a prompt.
type Completer interface {
	Complete(ctx context.Context, instructions, input string) (string, error)
}

// NewOpenAICompatibleProvider builds a chat-completions provider for any
// OpenAI-compatible server (OpenAI, Ollama, vLLM).
func NewOpenAICompatibleProvider(baseURL, apiKey string) agents.ModelProvider {
	params := agents.OpenAIProviderParams{UseResponses: param.NewOpt(false)}
	if baseURL != "" {
		params.BaseURL = param.NewOpt(baseURL)
	}
	if apiKey != "" {
		params.APIKey = param.NewOpt(apiKey)
	}
	return agents.NewOpenAIProvider(params)
}

// AgentLLM runs single-turn completions through the openai-agents-go runner.
type AgentLLM struct {
	provider    agents.ModelProvider
	model       string
	maxTokens   int
	temperature float64
}

// AgentLLMConfig configures an AgentLLM. Zero MaxTokens or Temperature leave
// the provider defaults in place.
type AgentLLMConfig struct {
	Provider    agents.ModelProvider
	Model       string
	MaxTokens   int
	Temperature float64
}

func NewAgentLLM(cfg AgentLLMConfig) *AgentLLM {
	return &AgentLLM{
		provider:    cfg.Provider,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}
}

// Complete streams a reply and returns the concatenated text.
func (a *AgentLLM) Complete(ctx context.Context, instructions, input string) (string, error) {
	settings := modelsettings.ModelSettings{}
	if a.maxTokens > 0 {
		settings.MaxTokens = param.NewOpt(int64(a.maxTokens))
	}
	if a.temperature > 0 {
		settings.Temperature = param.NewOpt(a.temperature)
	}

	agent := agents.New("assistant").
		WithInstructions(instructions).
		WithModel(a.model).
		WithModelSettings(settings)

	runner := agents.Runner{Config: agents.RunConfig{
		ModelProvider:   a.provider,
		MaxTurns:        1,
		TracingDisabled: true,
	}}

	start := time.Now()

	events, errCh, err := runner.RunStreamedChan(ctx, agent, input)
	if err != nil {
		metrics.Errors.WithLabelValues("llm", "start").Inc()
		return "", fmt.Errorf("llm stream start: %w", err)
	}

	var text strings.Builder
	for ev := range events {
		raw, ok := ev.(agents.RawResponsesStreamEvent)
		if !ok || raw.Data.Type != "response.output_text.delta" {
			continue
		}
		text.WriteString(raw.Data.Delta)
	}

	if streamErr := <-errCh; streamErr != nil {
		metrics.Errors.WithLabelValues("llm", "stream").Inc()
		return "", fmt.Errorf("llm stream: %w", streamErr)
	}

	metrics.StageDuration.WithLabelValues("llm").Observe(time.Since(start).Seconds())
	return strings.TrimSpace(text.String()), nil
}
