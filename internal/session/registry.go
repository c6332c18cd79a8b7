package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/hubenschmidt/voicechat-gateway/internal/audio"
	"github.com/hubenschmidt/voicechat-gateway/internal/metrics"
	"github.com/hubenschmidt/voicechat-gateway/internal/pipeline"
	"github.com/hubenschmidt/voicechat-gateway/internal/protocol"
	"github.com/hubenschmidt/voicechat-gateway/internal/trace"
)

// Config is what the registry needs to assemble a session. Tools,
// HistoryStore and Traces are optional.
type Config struct {
	ASR          *pipeline.ASRRouter
	Dialogs      *pipeline.DialogRouter
	TTS          *pipeline.TTSRouter
	Tools        pipeline.ToolInvoker
	HistoryStore pipeline.HistoryStore
	Traces       *trace.Store

	VAD          audio.VADConfig
	Format       audio.Format
	Noise        pipeline.NoiseFilter
	TurnCapacity int
	OutboxSize   int
}

// Options pick the backends for one session; empty names use the router defaults.
type Options struct {
	Dialog string
	STT    string
	TTS    string
}

// Registry indexes live sessions by id. It is the only state shared across
// connections.
type Registry struct {
	cfg Config
	vad *audio.VAD

	mu       sync.RWMutex
	sessions map[string]*Coordinator
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg,
		vad:      audio.NewVAD(cfg.VAD),
		sessions: make(map[string]*Coordinator),
	}
}

// Open creates a session, resolves its collaborators and registers it. The
// session is only visible to Dispatch once fully initialised; on error
// nothing is registered and the half-built session is closed.
func (r *Registry) Open(ctx context.Context, sink Sink, opts Options) (string, error) {
	id := uuid.NewString()
	log := slog.Default().With("dialog", opts.Dialog)

	var tracer *trace.Tracer
	if r.cfg.Traces != nil {
		meta, _ := json.Marshal(opts)
		tracer = trace.NewTracer(r.cfg.Traces, id, opts.Dialog, string(meta))
	}

	c := newCoordinator(id, sink, Settings{
		VAD:          r.vad,
		Format:       r.cfg.Format,
		Noise:        r.cfg.Noise,
		TurnCapacity: r.cfg.TurnCapacity,
		OutboxSize:   r.cfg.OutboxSize,
		HistoryStore: r.cfg.HistoryStore,
		Tracer:       tracer,
		Logger:       log,
	})

	if err := r.attach(ctx, c, opts); err != nil {
		c.Close()
		metrics.Errors.WithLabelValues("session", "init").Inc()
		return "", fmt.Errorf("session init: %w", err)
	}

	r.mu.Lock()
	r.sessions[id] = c
	r.mu.Unlock()

	metrics.SessionsActive.Inc()
	metrics.SessionsTotal.Inc()
	c.Start()
	return id, nil
}

func (r *Registry) attach(ctx context.Context, c *Coordinator, opts Options) error {
	if r.cfg.ASR == nil || r.cfg.Dialogs == nil || r.cfg.TTS == nil {
		return fmt.Errorf("registry is missing a collaborator router")
	}

	stt, err := r.cfg.ASR.Route(opts.STT)
	if err != nil {
		return fmt.Errorf("stt: %w", err)
	}
	c.collab.Transcriber = stt

	tts, err := r.cfg.TTS.Route(opts.TTS)
	if err != nil {
		return fmt.Errorf("tts: %w", err)
	}
	c.collab.Synthesizer = tts

	strategy, err := r.cfg.Dialogs.Route(opts.Dialog)
	if err != nil {
		return fmt.Errorf("dialog: %w", err)
	}
	dialog, err := strategy.Open(ctx, c.id)
	if err != nil {
		return fmt.Errorf("dialog open: %w", err)
	}
	c.collab.Dialog = dialog
	c.collab.Tools = r.cfg.Tools
	return nil
}

// Get returns the session for id, or nil.
func (r *Registry) Get(id string) *Coordinator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Dispatch parses raw and hands it to the session. Unknown ids are logged
// and ignored; parse failures are answered with an error message. Messages
// for one session are applied in the order their Dispatch calls acquire
// the session, so callers wanting arrival order use one reader per session.
func (r *Registry) Dispatch(id string, raw map[string]any) {
	c := r.lookup(id, raw["type"])
	if c == nil {
		return
	}
	msg, err := protocol.Parse(raw)
	if err != nil {
		c.Reject(err)
		return
	}
	c.Handle(msg)
}

// DispatchFrame is Dispatch for an undecoded JSON text frame.
func (r *Registry) DispatchFrame(id string, frame []byte) {
	c := r.lookup(id, nil)
	if c == nil {
		return
	}
	msg, err := protocol.Decode(frame)
	if err != nil {
		c.Reject(err)
		return
	}
	c.Handle(msg)
}

// Reject answers on session id without dispatching anything, e.g. when the
// transport refuses a frame.
func (r *Registry) Reject(id string, err error) {
	if c := r.lookup(id, nil); c != nil {
		c.Reject(err)
	}
}

func (r *Registry) lookup(id string, kind any) *Coordinator {
	c := r.Get(id)
	if c == nil {
		metrics.UnknownSessionDispatch.Inc()
		slog.Warn("dispatch to unknown session", "session_id", id, "type", kind)
	}
	return c
}

// Close removes and tears down the session. Unknown ids are ignored.
func (r *Registry) Close(id string) {
	r.mu.Lock()
	c, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if !ok {
		return
	}
	c.Close()
	metrics.SessionsActive.Dec()
}

// CloseAll tears down every session, e.g. on shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Close(id)
		}()
	}
	wg.Wait()
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List snapshots every live session, oldest first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	infos := make([]Info, 0, len(r.sessions))
	for _, c := range r.sessions {
		infos = append(infos, c.Info())
	}
	r.mu.RUnlock()

	slices.SortFunc(infos, func(a, b Info) int { return a.StartedAt.Compare(b.StartedAt) })
	return infos
}
