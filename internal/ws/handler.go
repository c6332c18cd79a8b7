// Package ws exposes voice sessions over websocket connections.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/hubenschmidt/voicechat-gateway/internal/audio"
	"github.com/hubenschmidt/voicechat-gateway/internal/metrics"
	"github.com/hubenschmidt/voicechat-gateway/internal/protocol"
	"github.com/hubenschmidt/voicechat-gateway/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

var ErrRateLimited = errors.New("inbound message rate exceeded")

// Sessions is the part of the session registry the handler drives.
type Sessions interface {
	Open(ctx context.Context, sink session.Sink, opts session.Options) (string, error)
	Dispatch(id string, raw map[string]any)
	DispatchFrame(id string, frame []byte)
	Reject(id string, err error)
	Close(id string)
}

// HandlerConfig holds the registry and per-connection limits.
type HandlerConfig struct {
	Sessions          Sessions
	MaxConcurrent     int
	MessagesPerSecond float64
	MessageBurst      int
	MaxMessageBytes   int64
	WriteTimeout      time.Duration
}

// Handler upgrades voice-chat connections with admission control.
type Handler struct {
	cfg HandlerConfig
	sem chan struct{}
}

func NewHandler(cfg HandlerConfig) *Handler {
	maxConc := cfg.MaxConcurrent
	if maxConc <= 0 {
		maxConc = 100
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 1 << 20
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Handler{
		cfg: cfg,
		sem: make(chan struct{}, maxConc),
	}
}

// ServeHTTP upgrades the connection and runs one voice session on it.
// Returns 503 if at max concurrent session capacity. The dialog, stt and tts
// query parameters select the session's backends.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	default:
		metrics.SessionsRejected.Inc()
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(h.cfg.MaxMessageBytes)

	q := r.URL.Query()
	opts := session.Options{Dialog: q.Get("dialog"), STT: q.Get("stt"), TTS: q.Get("tts")}
	sink := &connSink{conn: conn, timeout: h.cfg.WriteTimeout}

	id, err := h.cfg.Sessions.Open(r.Context(), sink, opts)
	if err != nil {
		slog.Error("session open failed", "error", err, "dialog", opts.Dialog)
		msg := protocol.Error("session_init_error", err.Error())
		msg.Stamp(time.Now())
		_ = sink.Send(msg)
		return
	}
	defer h.cfg.Sessions.Close(id)

	h.readLoop(conn, id)
}

// readLoop feeds every frame to the session until the client hangs up.
// Binary frames are taken as raw PCM audio chunks.
func (h *Handler) readLoop(conn *websocket.Conn, id string) {
	limiter := h.newLimiter()
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			slog.Info("connection closed", "session_id", id, "error", err)
			return
		}
		if !limiter.Allow() {
			h.cfg.Sessions.Reject(id, &protocol.ParseError{Code: "rate_limited", Detail: "slow down", Err: ErrRateLimited})
			continue
		}

		switch msgType {
		case websocket.TextMessage:
			h.cfg.Sessions.DispatchFrame(id, data)
		case websocket.BinaryMessage:
			h.cfg.Sessions.Dispatch(id, map[string]any{
				"type": string(protocol.KindAudioChunk),
				"data": map[string]any{"audio": audio.EncodeFrame(data)},
			})
		}
	}
}

func (h *Handler) newLimiter() *rate.Limiter {
	if h.cfg.MessagesPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(h.cfg.MessagesPerSecond), max(h.cfg.MessageBurst, 1))
}

// connSink writes JSON text frames. gorilla connections allow one writer at
// a time, so writes are serialized.
type connSink struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	timeout time.Duration
}

func (s *connSink) Send(msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err = s.conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
		return err
	}
	if err = s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	return nil
}
