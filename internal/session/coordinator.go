// Package session implements the per-connection voice session: the turn
// buffer, the speaking state machine with barge-in, the cancellable
// transcribe/dialog/synthesize run, and the registry of live sessions.
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hubenschmidt/voicechat-gateway/internal/audio"
	"github.com/hubenschmidt/voicechat-gateway/internal/metrics"
	"github.com/hubenschmidt/voicechat-gateway/internal/pipeline"
	"github.com/hubenschmidt/voicechat-gateway/internal/protocol"
	"github.com/hubenschmidt/voicechat-gateway/internal/trace"
)

// Lifecycle is the coarse state of a session.
type Lifecycle int

const (
	StateCreated Lifecycle = iota
	StateActive
	StateClosing
	StateClosed
)

func (l Lifecycle) String() string {
	switch l {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	}
	return "closed"
}

// Collaborators are the external services one session drives. Tools may be
// nil, in which case tool calls are announced but not executed.
type Collaborators struct {
	Transcriber pipeline.Transcriber
	Dialog      pipeline.DialogBackend
	Synthesizer pipeline.Synthesizer
	Tools       pipeline.ToolInvoker
}

// Settings are the per-session knobs. Zero values pick defaults.
type Settings struct {
	VAD          *audio.VAD
	Format       audio.Format
	Noise        pipeline.NoiseFilter
	TurnCapacity int
	OutboxSize   int
	HistoryStore pipeline.HistoryStore
	Tracer       *trace.Tracer
	Logger       *slog.Logger
}

const persistTimeout = 5 * time.Second

// Coordinator owns one session's turn buffer, speaking state and history,
// and runs at most one pipeline run at a time. Handle calls are serialized
// per session; runs execute on their own goroutine.
type Coordinator struct {
	id        string
	collab    Collaborators
	vad       *audio.VAD
	format    audio.Format
	noise     pipeline.NoiseFilter
	store     pipeline.HistoryStore
	tracer    *trace.Tracer
	log       *slog.Logger
	buf       *TurnBuffer
	history   *History
	out       *outbox
	startedAt time.Time

	base       context.Context
	cancelBase context.CancelFunc

	// handleMu orders inbound messages so supersede and startRun pair up.
	handleMu sync.Mutex

	mu               sync.Mutex
	state            Lifecycle
	userSpeaking     bool
	systemSpeaking   bool
	bargeInRequested bool
	active           *run
	turns            int

	closeOnce sync.Once
	persist   sync.WaitGroup
}

// New builds a coordinator writing to sink. Call Start before Handle.
func New(id string, sink Sink, collab Collaborators, s Settings) *Coordinator {
	c := newCoordinator(id, sink, s)
	c.collab = collab
	return c
}

func newCoordinator(id string, sink Sink, s Settings) *Coordinator {
	log := s.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("session_id", id)
	if s.VAD == nil {
		s.VAD = audio.NewVAD(audio.DefaultVADConfig())
	}
	if s.Format == (audio.Format{}) {
		s.Format = audio.DefaultFormat()
	}
	if s.Noise == (pipeline.NoiseFilter{}) {
		s.Noise = pipeline.DefaultNoiseFilter()
	}

	base, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		id:         id,
		vad:        s.VAD,
		format:     s.Format,
		noise:      s.Noise,
		store:      s.HistoryStore,
		tracer:     s.Tracer,
		log:        log,
		buf:        NewTurnBuffer(s.TurnCapacity),
		history:    &History{},
		out:        newOutbox(id, sink, s.OutboxSize, log),
		startedAt:  time.Now(),
		base:       base,
		cancelBase: cancel,
	}
}

func (c *Coordinator) ID() string { return c.id }

// Start announces the session to the client and begins accepting messages.
func (c *Coordinator) Start() {
	c.mu.Lock()
	if c.state != StateCreated {
		c.mu.Unlock()
		return
	}
	c.state = StateActive
	c.mu.Unlock()

	c.out.push(outbound{msg: protocol.SessionStart(c.id)})
	c.log.Info("session_open")
}

func (c *Coordinator) State() Lifecycle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Handle applies one inbound message. Concurrent callers are applied one
// at a time. Transition logic never blocks on a collaborator; the only wait
// is for a superseded run to unwind before a new one starts.
func (c *Coordinator) Handle(msg protocol.Inbound) {
	c.handleMu.Lock()
	defer c.handleMu.Unlock()

	if st := c.State(); st != StateActive {
		c.log.Debug("message after close ignored", "type", msg.Kind, "state", st)
		return
	}

	switch msg.Kind {
	case protocol.KindAudioChunk:
		c.onAudioChunk(msg)
	case protocol.KindStartSpeaking:
		c.onStartSpeaking()
	case protocol.KindStopSpeaking:
		c.onStopSpeaking()
	case protocol.KindBargeIn:
		c.onBargeIn()
	case protocol.KindTextMessage:
		c.onTextMessage(msg)
	default:
		c.Reject(&protocol.ParseError{Code: "unknown_message_type", Detail: string(msg.Kind), Err: protocol.ErrUnknownKind})
	}
}

// Reject answers a message that could not be parsed or applied. The
// session stays open.
func (c *Coordinator) Reject(err error) {
	code := "invalid_message"
	var perr *protocol.ParseError
	if errors.As(err, &perr) {
		code = perr.Code
	}
	metrics.ProtocolErrors.WithLabelValues(code).Inc()
	c.log.Warn("protocol error", "code", code, "error", err)
	c.out.push(outbound{msg: protocol.Error(code, err.Error())})
}

func (c *Coordinator) onAudioChunk(msg protocol.Inbound) {
	encoded, err := msg.Audio()
	if err != nil {
		c.Reject(err)
		return
	}
	frame, err := audio.DecodeFrame(encoded)
	if err != nil {
		metrics.ProtocolErrors.WithLabelValues("audio_decode_error").Inc()
		c.log.Warn("audio decode failed", "error", err)
		c.out.push(outbound{msg: protocol.Error("audio_decode_error", err.Error())})
		return
	}

	metrics.AudioChunks.Inc()
	if c.buf.Append(frame) {
		metrics.FramesEvicted.Inc()
	}

	if c.vad.Classify(frame) != audio.Speech {
		return
	}
	c.mu.Lock()
	if !c.userSpeaking {
		c.beginUserSpeechLocked("vad")
	}
	c.mu.Unlock()
}

func (c *Coordinator) onStartSpeaking() {
	c.mu.Lock()
	c.beginUserSpeechLocked("client")
	c.mu.Unlock()
}

// beginUserSpeechLocked marks the user as speaking and interrupts the
// system if it is mid-response.
func (c *Coordinator) beginUserSpeechLocked(source string) {
	c.userSpeaking = true
	if !c.systemSpeaking {
		return
	}
	c.bargeInRequested = true
	c.cancelActiveLocked()
	metrics.BargeIns.Inc()
	c.log.Info("barge_in", "source", source)
}

func (c *Coordinator) onBargeIn() {
	c.mu.Lock()
	c.bargeInRequested = true
	c.userSpeaking = true
	interrupted := c.cancelActiveLocked()
	c.mu.Unlock()

	if interrupted {
		metrics.BargeIns.Inc()
	}
	c.log.Info("barge_in", "source", "explicit", "interrupted", interrupted)
}

// cancelActiveLocked cancels the active run, if any, and reports whether a
// live run was interrupted. The run stays referenced until it unwinds.
func (c *Coordinator) cancelActiveLocked() bool {
	c.systemSpeaking = false
	if c.active == nil || c.active.cancelled.Load() {
		return false
	}
	c.active.abort()
	return true
}

func (c *Coordinator) onStopSpeaking() {
	c.mu.Lock()
	if !c.userSpeaking {
		c.mu.Unlock()
		c.log.Debug("stop_speaking while not speaking ignored")
		return
	}
	c.userSpeaking = false
	frames := c.buf.Drain()
	prev := c.supersedeLocked()
	c.mu.Unlock()

	if prev != nil {
		<-prev.done
	}
	if len(frames) == 0 {
		c.log.Debug("empty turn skipped")
		return
	}
	c.log.Debug("turn_captured", "frames", len(frames), "seconds", c.format.Duration(audio.Join(frames)))
	c.startRun(turnInput{frames: frames})
}

func (c *Coordinator) onTextMessage(msg protocol.Inbound) {
	text, err := msg.Text()
	if err == nil && strings.TrimSpace(text) == "" {
		err = &protocol.ParseError{Code: "invalid_payload", Detail: "text_message: empty text", Err: protocol.ErrInvalidPayload}
	}
	if err != nil {
		c.Reject(err)
		return
	}

	c.mu.Lock()
	prev := c.supersedeLocked()
	c.mu.Unlock()
	if prev != nil {
		<-prev.done
	}
	c.startRun(turnInput{text: strings.TrimSpace(text)})
}

// supersedeLocked cancels the active run ahead of a new turn and returns
// it so the caller can wait for it outside the lock.
func (c *Coordinator) supersedeLocked() *run {
	prev := c.active
	if prev != nil {
		c.cancelActiveLocked()
	}
	return prev
}

// Close cancels any in-flight run, releases the turn buffer and stops the
// writer. It is safe on a partially initialised session and idempotent.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosing
		prev := c.active
		if prev != nil {
			prev.abort()
		}
		c.userSpeaking = false
		c.systemSpeaking = false
		c.mu.Unlock()

		c.cancelBase()
		if prev != nil {
			<-prev.done
		}
		c.buf.Clear()
		c.out.stop()
		c.persist.Wait()

		if closer, ok := c.collab.Dialog.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				c.log.Warn("dialog close failed", "error", err)
			}
		}
		c.tracer.Close()

		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		c.log.Info("session_closed", "turns", c.turns, "duration_s", time.Since(c.startedAt).Seconds())
	})
}

// Info is a point-in-time view of a session for introspection routes.
type Info struct {
	ID               string    `json:"id"`
	State            string    `json:"state"`
	UserSpeaking     bool      `json:"user_speaking"`
	SystemSpeaking   bool      `json:"system_speaking"`
	BargeInRequested bool      `json:"barge_in_requested"`
	BufferedFrames   int       `json:"buffered_frames"`
	Turns            int       `json:"turns"`
	HistoryLen       int       `json:"history_len"`
	StartedAt        time.Time `json:"started_at"`
}

func (c *Coordinator) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		ID:               c.id,
		State:            c.state.String(),
		UserSpeaking:     c.userSpeaking,
		SystemSpeaking:   c.systemSpeaking,
		BargeInRequested: c.bargeInRequested,
		BufferedFrames:   c.buf.Len(),
		Turns:            c.turns,
		HistoryLen:       c.history.Len(),
		StartedAt:        c.startedAt,
	}
}

// History returns a copy of the conversation so far.
func (c *Coordinator) History() []pipeline.HistoryEntry {
	return c.history.Snapshot()
}
