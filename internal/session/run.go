package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hubenschmidt/voicechat-gateway/internal/audio"
	"github.com/hubenschmidt/voicechat-gateway/internal/metrics"
	"github.com/hubenschmidt/voicechat-gateway/internal/pipeline"
	"github.com/hubenschmidt/voicechat-gateway/internal/protocol"
)

// run is one transcribe/dialog/synthesize attempt for a completed turn.
type run struct {
	seq       int
	traceID   string
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}
}

// abort marks the run superseded and cancels in-flight collaborator calls.
// Frames it already queued are dropped by the writer.
func (r *run) abort() {
	r.cancelled.Store(true)
	r.cancel()
}

func (r *run) stopped() bool {
	return r.cancelled.Load() || r.ctx.Err() != nil
}

// turnInput is either captured audio or typed text.
type turnInput struct {
	frames [][]byte
	text   string
}

func (in turnInput) trigger() string {
	if in.frames != nil {
		return "speech"
	}
	return "text"
}

// Run outcomes, used for metrics and trace status.
const (
	outcomeOK        = "ok"
	outcomeNoise     = "noise"
	outcomeCancelled = "cancelled"
	outcomeError     = "error"
)

var errRunCancelled = errors.New("run cancelled")

// phaseError is a collaborator failure reported to the client as
// "<phase>_error".
type phaseError struct {
	phase string
	err   error
}

func (e *phaseError) Error() string { return e.phase + ": " + e.err.Error() }
func (e *phaseError) Unwrap() error { return e.err }

var phaseCodes = map[string]string{
	"transcribe": "transcription_error",
	"dialog":     "dialog_error",
	"tool":       "tool_error",
	"synthesize": "synthesis_error",
}

func (e *phaseError) code() string {
	if code, ok := phaseCodes[e.phase]; ok {
		return code
	}
	return e.phase + "_error"
}

// startRun registers a new run and launches it. The previous run must
// already have finished.
func (c *Coordinator) startRun(in turnInput) {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return
	}
	c.turns++
	ctx, cancel := context.WithCancel(c.base)
	r := &run{seq: c.turns, ctx: ctx, cancel: cancel, done: make(chan struct{})}
	c.active = r
	c.systemSpeaking = true
	c.bargeInRequested = false
	c.mu.Unlock()

	go c.execute(r, in)
}

func (c *Coordinator) execute(r *run, in turnInput) {
	defer close(r.done)
	defer r.cancel()

	start := time.Now()
	r.traceID = c.tracer.StartRun(r.seq, in.trigger())
	log := c.log.With("turn", r.seq, "trigger", in.trigger())

	res, err := c.runPhases(r, in)
	outcome := res.outcome
	var perr *phaseError
	switch {
	case errors.Is(err, errRunCancelled) || (err != nil && r.stopped()):
		outcome = outcomeCancelled
		log.Info("run_cancelled", "elapsed_ms", time.Since(start).Milliseconds())
	case errors.As(err, &perr):
		outcome = outcomeError
		metrics.Errors.WithLabelValues(perr.phase, "collaborator").Inc()
		log.Error("run_failed", "phase", perr.phase, "error", perr.err)
		c.emit(r, protocol.Error(perr.code(), perr.Error()))
	case err != nil:
		outcome = outcomeError
		log.Error("run_failed", "error", err)
	}

	c.finishRun(r)
	elapsed := time.Since(start)
	metrics.Runs.WithLabelValues(outcome).Inc()
	if outcome == outcomeOK {
		metrics.RunDuration.Observe(elapsed.Seconds())
		log.Info("run_done", "elapsed_ms", elapsed.Milliseconds(), "tool_calls", res.toolCalls)
	}
	c.tracer.EndRun(r.traceID, elapsed, res.transcript, res.reply, outcome)
}

// finishRun clears the active slot if r still owns it.
func (c *Coordinator) finishRun(r *run) {
	c.mu.Lock()
	if c.active == r {
		c.active = nil
		c.systemSpeaking = false
	}
	c.mu.Unlock()
}

type runResult struct {
	outcome    string
	transcript string
	reply      string
	toolCalls  int
}

func (c *Coordinator) runPhases(r *run, in turnInput) (runResult, error) {
	res := runResult{outcome: outcomeOK}

	text := in.text
	if in.frames != nil {
		var tr *pipeline.Transcript
		err := c.phase(r, "transcribe", fmt.Sprintf("%d frames", len(in.frames)), func(ctx context.Context) (string, error) {
			var err error
			tr, err = c.collab.Transcriber.Transcribe(ctx, in.frames)
			if err != nil {
				return "", err
			}
			if tr == nil {
				return "", errors.New("no transcript returned")
			}
			return tr.Text, nil
		})
		if err != nil {
			return res, err
		}
		text = tr.Text
		res.transcript = text

		if c.noise.IsNoise(text) {
			metrics.ASRNoiseFiltered.Inc()
			c.log.Info("noise_rejected", "turn", r.seq, "text", text, "frames", len(in.frames))
			res.outcome = outcomeNoise
			return res, nil
		}
		c.log.Info("transcript", "turn", r.seq, "text", text, "is_final", tr.IsFinal, "asr_ms", tr.LatencyMs)
		if !c.emit(r, protocol.Transcription(text)) {
			return res, errRunCancelled
		}
	} else {
		res.transcript = text
	}

	var reply *pipeline.DialogResult
	err := c.phase(r, "dialog", text, func(ctx context.Context) (string, error) {
		var err error
		reply, err = c.collab.Dialog.Converse(ctx, text, c.history.Snapshot())
		if err != nil {
			return "", err
		}
		if reply == nil {
			return "", errors.New("no dialog result returned")
		}
		return reply.Text, nil
	})
	if err != nil {
		return res, err
	}
	res.reply = reply.Text

	userEntry := pipeline.HistoryEntry{Role: pipeline.RoleUser, Text: text}
	botEntry := pipeline.HistoryEntry{Role: pipeline.RoleAssistant, Text: reply.Text}
	c.history.Append(userEntry, botEntry)
	c.persistHistory(userEntry, botEntry)

	if reply.Intent != nil {
		if !c.emit(r, protocol.Intent(reply.Intent.Name, reply.Intent.Confidence)) {
			return res, errRunCancelled
		}
	}

	for _, call := range reply.ToolCalls {
		if !c.emit(r, protocol.ToolCall(call.Name, call.Parameters)) {
			return res, errRunCancelled
		}
		res.toolCalls++
		if err := c.invokeTool(r, call); err != nil {
			return res, err
		}
	}

	if reply.Text == "" {
		c.log.Info("empty reply, nothing to say", "turn", r.seq)
		return res, nil
	}
	if !c.emit(r, protocol.BotResponse(reply.Text)) {
		return res, errRunCancelled
	}

	var speech []byte
	err = c.phase(r, "synthesize", reply.Text, func(ctx context.Context) (string, error) {
		var err error
		speech, err = c.collab.Synthesizer.Synthesize(ctx, reply.Text)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d bytes", len(speech)), nil
	})
	if err != nil {
		return res, err
	}
	if !c.emit(r, protocol.AudioResponse(audio.EncodeFrame(speech))) {
		return res, errRunCancelled
	}
	return res, nil
}

// invokeTool runs one tool call. The result is logged and traced but not
// fed back into this turn's reply.
func (c *Coordinator) invokeTool(r *run, call pipeline.ToolCall) error {
	if c.collab.Tools == nil {
		c.log.Warn("tool call without tool service", "tool", call.Name)
		return nil
	}
	return c.phase(r, "tool", call.Name, func(ctx context.Context) (string, error) {
		result, err := c.collab.Tools.Invoke(ctx, call.Name, call.Parameters)
		if err != nil {
			return "", err
		}
		c.log.Info("tool_result", "turn", r.seq, "tool", call.Name, "result", result)
		return fmt.Sprint(result), nil
	})
}

// phase wraps one collaborator call: it checks cancellation before and
// after, records a span, and classifies the error.
func (c *Coordinator) phase(r *run, name, input string, fn func(ctx context.Context) (string, error)) error {
	if r.stopped() {
		return errRunCancelled
	}
	start := time.Now()
	output, err := fn(r.ctx)
	if r.stopped() {
		c.tracer.RecordSpan(r.traceID, name, start, input, "", outcomeCancelled, "")
		return errRunCancelled
	}
	if err != nil {
		c.tracer.RecordSpan(r.traceID, name, start, input, "", outcomeError, err.Error())
		return &phaseError{phase: name, err: err}
	}
	c.tracer.RecordSpan(r.traceID, name, start, input, output, outcomeOK, "")
	return nil
}

// emit queues msg for delivery unless r has been superseded.
func (c *Coordinator) emit(r *run, msg protocol.Message) bool {
	if r.stopped() {
		return false
	}
	return c.out.push(outbound{msg: msg, run: r})
}

func (c *Coordinator) persistHistory(entries ...pipeline.HistoryEntry) {
	if c.store == nil {
		return
	}
	c.persist.Add(1)
	go func() {
		defer c.persist.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := c.store.Append(ctx, c.id, entries...); err != nil {
			metrics.Errors.WithLabelValues("history", "persist").Inc()
			c.log.Warn("history persist failed", "error", err)
		}
	}()
}
