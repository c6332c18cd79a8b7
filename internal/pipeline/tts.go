package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hubenschmidt/voicechat-gateway/internal/metrics"
)

// TTSRouter selects a synthesizer by engine name.
type TTSRouter struct {
	*Router[Synthesizer]
}

// NewTTSRouter creates a router with registered TTS backends and a fallback default.
func NewTTSRouter(backends map[string]Synthesizer, fallback string) *TTSRouter {
	return &TTSRouter{Router: NewRouter(backends, fallback)}
}

// timedSynthesizer records latency and failures for the wrapped backend.
type timedSynthesizer struct {
	Synthesizer
}

// Timed wraps s so every call is observed under the "tts" stage.
func Timed(s Synthesizer) Synthesizer {
	return timedSynthesizer{s}
}

func (t timedSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	start := time.Now()
	audioData, err := t.Synthesizer.Synthesize(ctx, text)
	if err != nil {
		metrics.Errors.WithLabelValues("tts", "synth").Inc()
		return nil, err
	}
	metrics.StageDuration.WithLabelValues("tts").Observe(time.Since(start).Seconds())
	return audioData, nil
}

// --- Piper backend (local neural TTS, returns WAV) ---

type piperSynthesizer struct {
	url    string
	voice  string
	client *http.Client
}

func NewPiperSynthesizer(url, voice string, client *http.Client) Synthesizer {
	return &piperSynthesizer{url: url, voice: voice, client: client}
}

func (p *piperSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	body, err := json.Marshal(struct {
		Text  string `json:"text"`
		Voice string `json:"voice"`
	}{Text: text, Voice: p.voice})
	if err != nil {
		return nil, fmt.Errorf("marshal piper request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url+"/synthesize", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create piper request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return doTTSRequest(p.client, req, "piper")
}

// --- OpenAI-compatible backend (Kokoro, Orpheus, any /v1/audio/speech server) ---

type openaiSynthesizer struct {
	url    string
	apiKey string
	model  string
	voice  string
	speed  float64
	client *http.Client
}

func NewOpenAISynthesizer(url, apiKey, model, voice string, speed float64, client *http.Client) Synthesizer {
	return &openaiSynthesizer{url: url, apiKey: apiKey, model: model, voice: voice, speed: speed, client: client}
}

func (o *openaiSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	body, err := json.Marshal(struct {
		Input          string  `json:"input"`
		Model          string  `json:"model"`
		Voice          string  `json:"voice"`
		Speed          float64 `json:"speed,omitempty"`
		ResponseFormat string  `json:"response_format"`
	}{Input: text, Model: o.model, Voice: o.voice, Speed: o.speed, ResponseFormat: "wav"})
	if err != nil {
		return nil, fmt.Errorf("marshal openai tts request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url+"/v1/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create openai tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	return doTTSRequest(o.client, req, "openai tts")
}

// --- ElevenLabs backend (cloud API, returns MP3) ---

const elevenLabsBaseURL = "https://api.elevenlabs.io"

type elevenlabsSynthesizer struct {
	baseURL string
	apiKey  string
	voiceID string
	modelID string
	client  *http.Client
}

// NewElevenLabsSynthesizer targets the public API when baseURL is empty.
func NewElevenLabsSynthesizer(baseURL, apiKey, voiceID, modelID string, client *http.Client) Synthesizer {
	if baseURL == "" {
		baseURL = elevenLabsBaseURL
	}
	return &elevenlabsSynthesizer{baseURL: baseURL, apiKey: apiKey, voiceID: voiceID, modelID: modelID, client: client}
}

func (e *elevenlabsSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	body, err := json.Marshal(struct {
		Text    string `json:"text"`
		ModelID string `json:"model_id"`
	}{Text: text, ModelID: e.modelID})
	if err != nil {
		return nil, fmt.Errorf("marshal elevenlabs request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s", e.baseURL, e.voiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create elevenlabs request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", e.apiKey)
	req.Header.Set("Accept", "audio/mpeg")

	return doTTSRequest(e.client, req, "elevenlabs")
}

func doTTSRequest(client *http.Client, req *http.Request, label string) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", label, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(label, resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s read: %w", label, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%s returned no audio", label)
	}
	return data, nil
}
