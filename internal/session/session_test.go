package session

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/voicechat-gateway/internal/audio"
	"github.com/hubenschmidt/voicechat-gateway/internal/pipeline"
	"github.com/hubenschmidt/voicechat-gateway/internal/protocol"
)

const waitFor = 2 * time.Second

type recordingSink struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (s *recordingSink) Send(msg protocol.Message) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) messages() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Message(nil), s.msgs...)
}

func (s *recordingSink) kinds() []protocol.Kind {
	var out []protocol.Kind
	for _, m := range s.messages() {
		out = append(out, m.Type)
	}
	return out
}

func (s *recordingSink) last(kind protocol.Kind) (protocol.Message, bool) {
	msgs := s.messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Type == kind {
			return msgs[i], true
		}
	}
	return protocol.Message{}, false
}

type stubTranscriber struct {
	text   string
	err    error
	calls  atomic.Int32
	frames atomic.Int32
}

func (s *stubTranscriber) Transcribe(_ context.Context, frames [][]byte) (*pipeline.Transcript, error) {
	s.calls.Add(1)
	s.frames.Store(int32(len(frames)))
	if s.err != nil {
		return nil, s.err
	}
	return &pipeline.Transcript{Text: s.text, IsFinal: true}, nil
}

type stubDialog struct {
	result  pipeline.DialogResult
	err     error
	mu      sync.Mutex
	history [][]pipeline.HistoryEntry
}

func (d *stubDialog) Converse(_ context.Context, text string, history []pipeline.HistoryEntry) (*pipeline.DialogResult, error) {
	d.mu.Lock()
	d.history = append(d.history, history)
	d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	res := d.result
	if res.Text == "" && res.Intent == nil && res.ToolCalls == nil {
		res.Text = "echo: " + text
	}
	return &res, nil
}

// stubSynth returns ten bytes of audio, fails with err, or blocks until
// cancelled when block is set.
type stubSynth struct {
	block   bool
	err     error
	started chan struct{}
	once    sync.Once
}

func newStubSynth(block bool) *stubSynth {
	return &stubSynth{block: block, started: make(chan struct{})}
}

func (s *stubSynth) Synthesize(ctx context.Context, _ string) ([]byte, error) {
	block := s.block
	s.once.Do(func() { close(s.started) })
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	return []byte("0123456789"), nil
}

// heldSynth holds its first call until release is closed, ignoring
// cancellation, then answers every call with ten bytes.
type heldSynth struct {
	release chan struct{}
	started chan struct{}
	calls   atomic.Int32
}

func newHeldSynth() *heldSynth {
	return &heldSynth{release: make(chan struct{}), started: make(chan struct{})}
}

func (s *heldSynth) unblock() {
	select {
	case <-s.release:
	default:
		close(s.release)
	}
}

func (s *heldSynth) Synthesize(_ context.Context, _ string) ([]byte, error) {
	if s.calls.Add(1) == 1 {
		close(s.started)
		<-s.release
	}
	return []byte("0123456789"), nil
}

type stubTools struct {
	err   error
	mu    sync.Mutex
	calls []string
}

func (s *stubTools) Invoke(_ context.Context, name string, _ map[string]any) (any, error) {
	s.mu.Lock()
	s.calls = append(s.calls, name)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return map[string]any{"count": 0}, nil
}

// gatedSink holds every Send until gate is closed.
type gatedSink struct {
	recordingSink
	gate chan struct{}
}

func (s *gatedSink) Send(msg protocol.Message) error {
	<-s.gate
	return s.recordingSink.Send(msg)
}

// overlapDialog records the peak number of concurrent Converse calls.
type overlapDialog struct {
	inflight atomic.Int32
	peak     atomic.Int32
}

func (d *overlapDialog) Converse(ctx context.Context, text string, _ []pipeline.HistoryEntry) (*pipeline.DialogResult, error) {
	n := d.inflight.Add(1)
	defer d.inflight.Add(-1)
	for {
		p := d.peak.Load()
		if n <= p || d.peak.CompareAndSwap(p, n) {
			break
		}
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Millisecond):
	}
	return &pipeline.DialogResult{Text: "ok: " + text}, nil
}

func silentFrame() string {
	return audio.EncodeFrame(make([]byte, 960))
}

func loudFrame() string {
	pcm := make([]byte, 960)
	for i := 0; i < len(pcm); i += 2 {
		v := int16(16000)
		if (i/2)%2 == 1 {
			v = -16000
		}
		binary.LittleEndian.PutUint16(pcm[i:], uint16(v))
	}
	return audio.EncodeFrame(pcm)
}

func send(t *testing.T, c *Coordinator, raw map[string]any) {
	t.Helper()
	msg, err := protocol.Parse(raw)
	require.NoError(t, err)
	c.Handle(msg)
}

func speakTurn(t *testing.T, c *Coordinator, frames int) {
	t.Helper()
	send(t, c, map[string]any{"type": "start_speaking"})
	for range frames {
		send(t, c, map[string]any{"type": "audio_chunk", "data": map[string]any{"audio": silentFrame()}})
	}
	send(t, c, map[string]any{"type": "stop_speaking"})
}

func newTestCoordinator(t *testing.T, collab Collaborators) (*Coordinator, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	c := New("sess-1", sink, collab, Settings{})
	c.Start()
	t.Cleanup(c.Close)
	return c, sink
}

func waitIdle(t *testing.T, c *Coordinator) {
	t.Helper()
	require.Eventually(t, func() bool { return !c.Info().SystemSpeaking }, waitFor, 5*time.Millisecond)
}

func TestSpeechTurnHappyPath(t *testing.T) {
	tr := &stubTranscriber{text: "hello there"}
	dialog := &stubDialog{}
	c, sink := newTestCoordinator(t, Collaborators{Transcriber: tr, Dialog: dialog, Synthesizer: newStubSynth(false)})

	speakTurn(t, c, 3)

	want := []protocol.Kind{protocol.KindSessionStart, protocol.KindTranscription, protocol.KindBotResponse, protocol.KindAudioResponse}
	require.Eventually(t, func() bool { return len(sink.kinds()) == len(want) }, waitFor, 5*time.Millisecond)
	assert.Equal(t, want, sink.kinds())

	tx, _ := sink.last(protocol.KindTranscription)
	assert.Equal(t, "hello there", tx.Data["text"])
	bot, _ := sink.last(protocol.KindBotResponse)
	assert.Equal(t, "echo: hello there", bot.Data["text"])
	out, _ := sink.last(protocol.KindAudioResponse)
	assert.Equal(t, "MDEyMzQ1Njc4OQ==", out.Data["audio"])

	for _, m := range sink.messages() {
		assert.Equal(t, "sess-1", m.SessionID)
		assert.Positive(t, m.Timestamp)
	}

	assert.EqualValues(t, 3, tr.frames.Load())
	waitIdle(t, c)
	assert.Equal(t, []pipeline.HistoryEntry{
		{Role: pipeline.RoleUser, Text: "hello there"},
		{Role: pipeline.RoleAssistant, Text: "echo: hello there"},
	}, c.History())
	assert.Zero(t, c.Info().BufferedFrames)
}

func TestHistoryIsPassedToLaterTurns(t *testing.T) {
	dialog := &stubDialog{}
	c, sink := newTestCoordinator(t, Collaborators{Transcriber: &stubTranscriber{text: "first turn"}, Dialog: dialog, Synthesizer: newStubSynth(false)})

	speakTurn(t, c, 1)
	require.Eventually(t, func() bool { return len(sink.kinds()) == 4 }, waitFor, 5*time.Millisecond)
	waitIdle(t, c)
	send(t, c, map[string]any{"type": "text_message", "data": map[string]any{"text": "second turn"}})
	require.Eventually(t, func() bool { return len(sink.kinds()) == 6 }, waitFor, 5*time.Millisecond)

	dialog.mu.Lock()
	defer dialog.mu.Unlock()
	require.Len(t, dialog.history, 2)
	assert.Empty(t, dialog.history[0])
	assert.Len(t, dialog.history[1], 2)
}

func TestStopSpeakingWhileSilentIsNoop(t *testing.T) {
	tr := &stubTranscriber{text: "hello there"}
	c, sink := newTestCoordinator(t, Collaborators{Transcriber: tr, Dialog: &stubDialog{}, Synthesizer: newStubSynth(false)})

	send(t, c, map[string]any{"type": "audio_chunk", "data": silentFrame()})
	send(t, c, map[string]any{"type": "stop_speaking"})

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, tr.calls.Load())
	assert.Equal(t, []protocol.Kind{protocol.KindSessionStart}, sink.kinds())
	assert.Equal(t, 1, c.Info().BufferedFrames)
}

func TestOneRunPerTurn(t *testing.T) {
	tr := &stubTranscriber{text: "hello there"}
	c, sink := newTestCoordinator(t, Collaborators{Transcriber: tr, Dialog: &stubDialog{}, Synthesizer: newStubSynth(false)})

	speakTurn(t, c, 2)
	send(t, c, map[string]any{"type": "end_of_speech"})

	require.Eventually(t, func() bool { return len(sink.kinds()) == 4 }, waitFor, 5*time.Millisecond)
	waitIdle(t, c)
	assert.EqualValues(t, 1, tr.calls.Load())
	assert.Equal(t, 1, c.Info().Turns)
}

func TestNoiseTranscriptIsSilent(t *testing.T) {
	dialog := &stubDialog{}
	c, sink := newTestCoordinator(t, Collaborators{Transcriber: &stubTranscriber{text: "ok"}, Dialog: dialog, Synthesizer: newStubSynth(false)})

	speakTurn(t, c, 1)
	waitIdle(t, c)

	assert.Equal(t, []protocol.Kind{protocol.KindSessionStart}, sink.kinds())
	assert.Empty(t, dialog.history)
	assert.Empty(t, c.History())
}

func TestBargeInSuppressesPendingAudio(t *testing.T) {
	synth := newStubSynth(true)
	c, sink := newTestCoordinator(t, Collaborators{Transcriber: &stubTranscriber{text: "tell me a story"}, Dialog: &stubDialog{}, Synthesizer: synth})

	speakTurn(t, c, 1)
	<-synth.started
	assert.True(t, c.Info().SystemSpeaking)

	send(t, c, map[string]any{"type": "barge_in"})
	waitIdle(t, c)

	info := c.Info()
	assert.True(t, info.UserSpeaking)
	assert.True(t, info.BargeInRequested)

	time.Sleep(20 * time.Millisecond)
	_, gotAudio := sink.last(protocol.KindAudioResponse)
	assert.False(t, gotAudio)
	_, gotErr := sink.last(protocol.KindError)
	assert.False(t, gotErr, "cancellation must not surface as an error")
}

func TestSpeechDetectedDuringReplyBargesIn(t *testing.T) {
	synth := newStubSynth(true)
	c, _ := newTestCoordinator(t, Collaborators{Transcriber: &stubTranscriber{text: "tell me a story"}, Dialog: &stubDialog{}, Synthesizer: synth})

	speakTurn(t, c, 1)
	<-synth.started

	send(t, c, map[string]any{"type": "audio_chunk", "data": map[string]any{"audio": loudFrame()}})
	waitIdle(t, c)

	info := c.Info()
	assert.True(t, info.UserSpeaking)
	assert.True(t, info.BargeInRequested)
	assert.Equal(t, 1, info.BufferedFrames)
}

func TestNewTurnSupersedesRunningReply(t *testing.T) {
	synth := newStubSynth(true)
	tr := &stubTranscriber{text: "tell me a story"}
	c, sink := newTestCoordinator(t, Collaborators{Transcriber: tr, Dialog: &stubDialog{}, Synthesizer: synth})

	speakTurn(t, c, 1)
	<-synth.started
	synth.block = false
	c.mu.Lock()
	first := c.active
	c.mu.Unlock()

	send(t, c, map[string]any{"type": "text_message", "data": map[string]any{"text": "never mind"}})
	require.Eventually(t, func() bool {
		_, ok := sink.last(protocol.KindAudioResponse)
		return ok
	}, waitFor, 5*time.Millisecond)

	assert.True(t, first.cancelled.Load())
	assert.Equal(t, 2, c.Info().Turns)
	bot, _ := sink.last(protocol.KindBotResponse)
	assert.Equal(t, "echo: never mind", bot.Data["text"])
}

func TestIntentAndToolCallOrdering(t *testing.T) {
	tools := &stubTools{}
	dialog := &stubDialog{result: pipeline.DialogResult{
		Text:   "here are some shoes",
		Intent: &pipeline.Intent{Name: "product.search", Confidence: 0.92},
		ToolCalls: []pipeline.ToolCall{
			{Name: pipeline.ToolSearchProducts, Parameters: map[string]any{"q": "shoes"}},
			{Name: pipeline.ToolGetProduct, Parameters: map[string]any{"product_id": "p1"}},
		},
	}}
	c, sink := newTestCoordinator(t, Collaborators{Transcriber: &stubTranscriber{}, Dialog: dialog, Synthesizer: newStubSynth(false), Tools: tools})

	send(t, c, map[string]any{"type": "text_message", "data": map[string]any{"text": "find shoes"}})

	want := []protocol.Kind{
		protocol.KindSessionStart, protocol.KindIntent, protocol.KindToolCall, protocol.KindToolCall,
		protocol.KindBotResponse, protocol.KindAudioResponse,
	}
	require.Eventually(t, func() bool { return len(sink.kinds()) == len(want) }, waitFor, 5*time.Millisecond)
	assert.Equal(t, want, sink.kinds())

	intent, _ := sink.last(protocol.KindIntent)
	assert.Equal(t, "product.search", intent.Data["name"])
	assert.InDelta(t, 0.92, intent.Data["confidence"], 1e-9)

	tools.mu.Lock()
	defer tools.mu.Unlock()
	assert.Equal(t, []string{pipeline.ToolSearchProducts, pipeline.ToolGetProduct}, tools.calls)
}

func TestCollaboratorFailuresReportPhase(t *testing.T) {
	tests := []struct {
		name   string
		collab func() Collaborators
		code   string
		absent []protocol.Kind
	}{
		{
			name: "transcription",
			collab: func() Collaborators {
				return Collaborators{Transcriber: &stubTranscriber{err: errors.New("asr down")}, Dialog: &stubDialog{}, Synthesizer: newStubSynth(false)}
			},
			code: "transcription_error",
		},
		{
			name: "dialog",
			collab: func() Collaborators {
				return Collaborators{Transcriber: &stubTranscriber{text: "hello there"}, Dialog: &stubDialog{err: errors.New("llm down")}, Synthesizer: newStubSynth(false)}
			},
			code: "dialog_error",
		},
		{
			name: "synthesis",
			collab: func() Collaborators {
				synth := newStubSynth(false)
				synth.err = errors.New("tts down")
				return Collaborators{Transcriber: &stubTranscriber{text: "hello there"}, Dialog: &stubDialog{}, Synthesizer: synth}
			},
			code:   "synthesis_error",
			absent: []protocol.Kind{protocol.KindAudioResponse},
		},
		{
			name: "tool",
			collab: func() Collaborators {
				dialog := &stubDialog{result: pipeline.DialogResult{
					Text:      "let me look",
					ToolCalls: []pipeline.ToolCall{{Name: pipeline.ToolSearchProducts, Parameters: map[string]any{"q": "shoes"}}},
				}}
				return Collaborators{
					Transcriber: &stubTranscriber{text: "find shoes"},
					Dialog:      dialog,
					Synthesizer: newStubSynth(false),
					Tools:       &stubTools{err: errors.New("catalog down")},
				}
			},
			code:   "tool_error",
			absent: []protocol.Kind{protocol.KindBotResponse, protocol.KindAudioResponse},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, sink := newTestCoordinator(t, tt.collab())
			speakTurn(t, c, 1)

			require.Eventually(t, func() bool {
				_, ok := sink.last(protocol.KindError)
				return ok
			}, waitFor, 5*time.Millisecond)
			msg, _ := sink.last(protocol.KindError)
			assert.Equal(t, tt.code, msg.Data["error"])
			waitIdle(t, c)
			assert.Equal(t, StateActive, c.State())

			kinds := sink.kinds()
			assert.Equal(t, protocol.KindError, kinds[len(kinds)-1], "run ends at the failing phase")
			for _, k := range tt.absent {
				assert.NotContains(t, kinds, k)
			}

			send(t, c, map[string]any{"type": "text_message", "data": map[string]any{"text": "still there?"}})
			require.Eventually(t, func() bool { return c.Info().Turns == 2 }, waitFor, 5*time.Millisecond)
		})
	}
}

func TestMalformedInputKeepsSessionOpen(t *testing.T) {
	c, sink := newTestCoordinator(t, Collaborators{Transcriber: &stubTranscriber{}, Dialog: &stubDialog{}, Synthesizer: newStubSynth(false)})

	send(t, c, map[string]any{"type": "audio_chunk", "data": map[string]any{"audio": "!!not base64"}})
	send(t, c, map[string]any{"type": "text_message", "data": map[string]any{"text": "   "}})
	send(t, c, map[string]any{"type": "audio_chunk"})

	require.Eventually(t, func() bool { return len(sink.kinds()) == 4 }, waitFor, 5*time.Millisecond)
	var codes []any
	for _, m := range sink.messages()[1:] {
		codes = append(codes, m.Data["error"])
	}
	assert.Equal(t, []any{"audio_decode_error", "invalid_payload", "invalid_payload"}, codes)
	assert.Equal(t, StateActive, c.State())
	assert.Zero(t, c.Info().BufferedFrames)
}

func TestCloseIsIdempotentAndStopsHandling(t *testing.T) {
	synth := newStubSynth(true)
	tr := &stubTranscriber{text: "hello there"}
	sink := &recordingSink{}
	c := New("sess-2", sink, Collaborators{Transcriber: tr, Dialog: &stubDialog{}, Synthesizer: synth}, Settings{})
	c.Start()

	speakTurn(t, c, 1)
	<-synth.started

	c.Close()
	c.Close()
	assert.Equal(t, StateClosed, c.State())

	before := len(sink.kinds())
	speakTurn(t, c, 1)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, sink.kinds(), before)
	assert.EqualValues(t, 1, tr.calls.Load())
	assert.Zero(t, c.Info().BufferedFrames)
}

func TestOutboxDropsQueuedFramesOfCancelledRun(t *testing.T) {
	sink := &gatedSink{gate: make(chan struct{})}
	o := newOutbox("sess-3", sink, 8, slog.Default())
	defer o.stop()

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{seq: 1, ctx: ctx, cancel: cancel, done: make(chan struct{})}

	require.True(t, o.push(outbound{msg: protocol.Transcription("hello there")}))
	require.True(t, o.push(outbound{msg: protocol.BotResponse("echo: hello there"), run: r}))
	require.True(t, o.push(outbound{msg: protocol.AudioResponse("MDEyMzQ1Njc4OQ=="), run: r}))
	r.abort()
	close(sink.gate)

	require.Eventually(t, func() bool { return len(sink.kinds()) == 1 }, waitFor, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []protocol.Kind{protocol.KindTranscription}, sink.kinds())
	assert.Equal(t, "sess-3", sink.messages()[0].SessionID)
}

func TestBargeInDropsPreviousTurnAudio(t *testing.T) {
	tr := &stubTranscriber{text: "preciso de ajuda"}
	dialog := &stubDialog{result: pipeline.DialogResult{Text: "claro, posso ajudar"}}
	synth := newHeldSynth()
	c, sink := newTestCoordinator(t, Collaborators{Transcriber: tr, Dialog: dialog, Synthesizer: synth})
	t.Cleanup(synth.unblock)

	speakTurn(t, c, 5)
	<-synth.started
	c.mu.Lock()
	previous := c.active
	c.mu.Unlock()

	send(t, c, map[string]any{"type": "start_speaking"})
	for range 3 {
		send(t, c, map[string]any{"type": "audio_chunk", "data": map[string]any{"audio": silentFrame()}})
	}
	send(t, c, map[string]any{"type": "barge_in"})
	synth.unblock()
	send(t, c, map[string]any{"type": "stop_speaking"})

	want := []protocol.Kind{
		protocol.KindSessionStart,
		protocol.KindTranscription, protocol.KindBotResponse,
		protocol.KindTranscription, protocol.KindBotResponse, protocol.KindAudioResponse,
	}
	require.Eventually(t, func() bool { return len(sink.kinds()) == len(want) }, waitFor, 5*time.Millisecond)
	waitIdle(t, c)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, want, sink.kinds())
	assert.True(t, previous.cancelled.Load())
	assert.EqualValues(t, 2, synth.calls.Load())
	assert.EqualValues(t, 3, tr.frames.Load())
	bot, _ := sink.last(protocol.KindBotResponse)
	assert.Equal(t, "claro, posso ajudar", bot.Data["text"])
}

func TestConcurrentHandleKeepsOneRunActive(t *testing.T) {
	dialog := &overlapDialog{}
	c, _ := newTestCoordinator(t, Collaborators{Transcriber: &stubTranscriber{}, Dialog: dialog, Synthesizer: newStubSynth(false)})

	const senders = 32
	msgs := make([]protocol.Inbound, senders)
	for i := range msgs {
		msg, err := protocol.Parse(map[string]any{"type": "text_message", "data": map[string]any{"text": "turn"}})
		require.NoError(t, err)
		msgs[i] = msg
	}

	var wg sync.WaitGroup
	for _, msg := range msgs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Handle(msg)
		}()
	}
	wg.Wait()
	waitIdle(t, c)

	assert.EqualValues(t, 1, dialog.peak.Load())
	assert.Equal(t, senders, c.Info().Turns)
}
