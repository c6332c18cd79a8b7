package trace

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hubenschmidt/voicechat-gateway/internal/metrics"
)

const (
	maxIOLen     = 500
	queueSize    = 64
	writeTimeout = 5 * time.Second
)

type opKind int

const (
	opSessionStart opKind = iota
	opSessionEnd
	opRunStart
	opRunFinish
	opSpan
)

type traceOp struct {
	kind   opKind
	run    Run
	span   Span
	dialog string
	meta   string
}

// Tracer writes one session's trace asynchronously through a buffered
// channel. Run and span records are dropped when the channel is full, so a
// slow database never stalls a pipeline run. All methods are no-ops on a
// nil receiver.
type Tracer struct {
	store     *Store
	sessionID string
	ch        chan traceOp
	done      chan struct{}
}

// NewTracer records the session start and returns a tracer bound to it.
// Close must be called when the session ends.
func NewTracer(store *Store, sessionID, dialog, metadata string) *Tracer {
	t := &Tracer{
		store:     store,
		sessionID: sessionID,
		ch:        make(chan traceOp, queueSize),
		done:      make(chan struct{}),
	}
	go t.drain()
	t.ch <- traceOp{kind: opSessionStart, dialog: dialog, meta: metadata}
	return t
}

func (t *Tracer) drain() {
	defer close(t.done)
	for op := range t.ch {
		if err := t.apply(op); err != nil {
			slog.Warn("trace write failed", "session_id", t.sessionID, "op", op.kind, "error", err)
		}
	}
}

func (t *Tracer) apply(op traceOp) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	switch op.kind {
	case opSessionStart:
		return t.store.CreateSession(ctx, t.sessionID, op.dialog, op.meta)
	case opSessionEnd:
		return t.store.EndSession(ctx, t.sessionID)
	case opRunStart:
		return t.store.CreateRun(ctx, op.run)
	case opRunFinish:
		r := op.run
		return t.store.FinishRun(ctx, r.ID, r.DurationMs, r.Transcript, r.Response, r.Status)
	case opSpan:
		return t.store.CreateSpan(ctx, op.span)
	}
	return nil
}

// enqueue hands op to the writer without blocking.
func (t *Tracer) enqueue(op traceOp) {
	select {
	case t.ch <- op:
	default:
		metrics.Errors.WithLabelValues("trace", "dropped").Inc()
		slog.Debug("trace op dropped", "session_id", t.sessionID, "op", op.kind)
	}
}

// StartRun opens a run for turn and returns its id.
func (t *Tracer) StartRun(turn int, trigger string) string {
	if t == nil {
		return ""
	}
	id := uuid.NewString()
	t.enqueue(traceOp{kind: opRunStart, run: Run{
		ID:        id,
		SessionID: t.sessionID,
		Turn:      turn,
		Trigger:   trigger,
		StartedAt: time.Now(),
	}})
	return id
}

// EndRun records a run's outcome.
func (t *Tracer) EndRun(runID string, duration time.Duration, transcript, response, status string) {
	if t == nil || runID == "" {
		return
	}
	t.enqueue(traceOp{kind: opRunFinish, run: Run{
		ID:         runID,
		DurationMs: float64(duration.Milliseconds()),
		Transcript: truncate(transcript, maxIOLen),
		Response:   truncate(response, maxIOLen),
		Status:     status,
	}})
}

// RecordSpan records one finished collaborator call.
func (t *Tracer) RecordSpan(runID, name string, startedAt time.Time, input, output, status, errMsg string) {
	if t == nil || runID == "" {
		return
	}
	t.enqueue(traceOp{kind: opSpan, span: Span{
		ID:         uuid.NewString(),
		RunID:      runID,
		Name:       name,
		StartedAt:  startedAt,
		DurationMs: float64(time.Since(startedAt).Milliseconds()),
		Input:      truncate(input, maxIOLen),
		Output:     truncate(output, maxIOLen),
		Status:     status,
		Error:      errMsg,
	}})
}

// Close marks the session ended, flushes pending writes and stops the
// background goroutine. No other method may be called afterwards.
func (t *Tracer) Close() {
	if t == nil {
		return
	}
	t.ch <- traceOp{kind: opSessionEnd}
	close(t.ch)
	<-t.done
}

// truncate cuts s to at most max bytes without splitting a UTF-8 sequence.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }
