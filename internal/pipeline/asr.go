package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/hubenschmidt/voicechat-gateway/internal/audio"
	"github.com/hubenschmidt/voicechat-gateway/internal/metrics"
)

// ASRRouter selects a speech-to-text backend by engine name.
type ASRRouter struct {
	*Router[Transcriber]
}

// NewASRRouter creates a router with registered ASR backends and a fallback default.
func NewASRRouter(backends map[string]Transcriber, fallback string) *ASRRouter {
	return &ASRRouter{Router: NewRouter(backends, fallback)}
}

// MultipartASRClient uploads the utterance as a WAV file to any
// whisper-compatible HTTP endpoint. Backends differ only by path and label.
type MultipartASRClient struct {
	url      string
	endpoint string
	label    string
	format   audio.Format
	client   *http.Client
}

// NewWhisperClient targets whisper.cpp's /inference endpoint.
func NewWhisperClient(url string, format audio.Format, client *http.Client) *MultipartASRClient {
	return &MultipartASRClient{url: url, endpoint: "/inference", label: "whisper", format: format, client: client}
}

// NewTranscriberAPIClient targets a hosted transcriber exposing /api/transcriber.
func NewTranscriberAPIClient(url string, format audio.Format, client *http.Client) *MultipartASRClient {
	return &MultipartASRClient{url: url, endpoint: "/api/transcriber", label: "transcriber", format: format, client: client}
}

// Transcribe sends the joined frames as multipart WAV and returns the final transcript.
func (c *MultipartASRClient) Transcribe(ctx context.Context, frames [][]byte) (*Transcript, error) {
	start := time.Now()

	body, contentType, err := buildMultipartAudio(audio.WAV(audio.Join(frames), c.format))
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+c.endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", c.label, err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("asr", "http").Inc()
		return nil, fmt.Errorf("%s request: %w", c.label, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.Errors.WithLabelValues("asr", "status").Inc()
		return nil, statusError(c.label, resp)
	}

	var result whisperResponse
	if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", c.label, err)
	}

	latency := time.Since(start)
	metrics.StageDuration.WithLabelValues("asr").Observe(latency.Seconds())

	return &Transcript{
		Text:      result.text(),
		IsFinal:   true,
		LatencyMs: float64(latency.Milliseconds()),
	}, nil
}

// whisperResponse accepts both the whisper.cpp shape and the
// {"transcription": ...} shape of hosted transcribers.
type whisperResponse struct {
	Text          string `json:"text"`
	Transcription string `json:"transcription"`
}

func (r whisperResponse) text() string {
	if r.Text != "" {
		return r.Text
	}
	return r.Transcription
}

func buildMultipartAudio(wavData []byte) (*bytes.Buffer, string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}

	if _, err = part.Write(wavData); err != nil {
		return nil, "", fmt.Errorf("write wav data: %w", err)
	}

	if err = writer.WriteField("response_format", "json"); err != nil {
		return nil, "", fmt.Errorf("write form field: %w", err)
	}

	if err = writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close writer: %w", err)
	}

	return &body, writer.FormDataContentType(), nil
}
