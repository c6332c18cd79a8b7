package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/hubenschmidt/voicechat-gateway/internal/metrics"
)

// StreamingASRClient feeds PCM frames to a websocket transcriber. The server
// answers with {"status":"partial"|"final","data":{"text":...}} messages;
// the client sends {"action":"finish"} once the utterance is complete.
type StreamingASRClient struct {
	url     string
	header  http.Header
	dialer  *websocket.Dialer
	timeout time.Duration
}

// NewStreamingASRClient creates a client for the websocket at url. apiKey,
// when set, is sent as a bearer token on the upgrade request.
func NewStreamingASRClient(url, apiKey string, timeout time.Duration) *StreamingASRClient {
	header := http.Header{}
	if apiKey != "" {
		header.Set("Authorization", "Bearer "+apiKey)
	}
	return &StreamingASRClient{
		url:     url,
		header:  header,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		timeout: timeout,
	}
}

type sttStreamMessage struct {
	Status string `json:"status"`
	Data   struct {
		Text    string `json:"text"`
		Message string `json:"message"`
	} `json:"data"`
}

var errNoTranscript = errors.New("stt stream closed without transcript")

// Transcribe streams frames and waits for the final transcript. If the
// server hangs up after partial results only, the last partial is returned
// with IsFinal false.
func (c *StreamingASRClient) Transcribe(ctx context.Context, frames [][]byte) (*Transcript, error) {
	start := time.Now()
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		metrics.Errors.WithLabelValues("asr", "dial").Inc()
		return nil, fmt.Errorf("stt stream dial: %w", err)
	}
	defer conn.Close()

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { conn.Close() })
	defer stop()

	g.Go(func() error {
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.BinaryMessage, f); err != nil {
				return fmt.Errorf("stt stream write: %w", err)
			}
		}
		if err := conn.WriteJSON(map[string]string{"action": "finish"}); err != nil {
			return fmt.Errorf("stt stream finish: %w", err)
		}
		return nil
	})

	var partial, final string
	var gotFinal bool
	g.Go(func() error {
		for {
			var msg sttStreamMessage
			if err := conn.ReadJSON(&msg); err != nil {
				if partial != "" {
					return nil
				}
				return fmt.Errorf("%w: %v", errNoTranscript, err)
			}
			switch msg.Status {
			case "partial":
				partial = msg.Data.Text
			case "final":
				final, gotFinal = msg.Data.Text, true
				return nil
			case "error":
				return fmt.Errorf("stt stream server error: %s", msg.Data.Message)
			}
		}
	})

	err = g.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("stt stream: %w", ctxErr)
	}
	if err != nil && !gotFinal {
		metrics.Errors.WithLabelValues("asr", "stream").Inc()
		return nil, err
	}

	latency := time.Since(start)
	metrics.StageDuration.WithLabelValues("asr").Observe(latency.Seconds())

	if !gotFinal {
		return &Transcript{Text: partial, LatencyMs: float64(latency.Milliseconds())}, nil
	}
	return &Transcript{Text: final, IsFinal: true, LatencyMs: float64(latency.Milliseconds())}, nil
}
