package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hubenschmidt/voicechat-gateway/internal/metrics"
	"github.com/hubenschmidt/voicechat-gateway/internal/protocol"
)

// Sink writes one message to the client connection. Send is only ever
// called from a session's writer goroutine.
type Sink interface {
	Send(msg protocol.Message) error
}

const defaultOutboxSize = 64

type outbound struct {
	msg protocol.Message
	run *run // nil for session-level messages
}

// outbox serializes every write to a connection through one goroutine.
// Frames from a cancelled run are discarded at delivery time, so a barge-in
// also suppresses frames that were already queued.
type outbox struct {
	sessionID string
	sink      Sink
	log       *slog.Logger
	queue     chan outbound
	quit      chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
}

func newOutbox(sessionID string, sink Sink, size int, log *slog.Logger) *outbox {
	if size <= 0 {
		size = defaultOutboxSize
	}
	o := &outbox{
		sessionID: sessionID,
		sink:      sink,
		log:       log,
		queue:     make(chan outbound, size),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go o.loop()
	return o
}

// push enqueues m. It blocks while the queue is full and reports false
// once the outbox is stopped.
func (o *outbox) push(m outbound) bool {
	select {
	case <-o.quit:
		return false
	default:
	}
	select {
	case o.queue <- m:
		return true
	case <-o.quit:
		return false
	}
}

func (o *outbox) loop() {
	defer close(o.done)
	for {
		select {
		case <-o.quit:
			return
		case m := <-o.queue:
			o.deliver(m)
		}
	}
}

func (o *outbox) deliver(m outbound) {
	if m.run != nil && m.run.cancelled.Load() {
		metrics.OutboundDropped.Inc()
		o.log.Debug("outbound dropped", "type", m.msg.Type, "run", m.run.seq)
		return
	}
	if m.msg.SessionID == "" {
		m.msg.SessionID = o.sessionID
	}
	m.msg.Stamp(time.Now())
	if err := o.sink.Send(m.msg); err != nil {
		metrics.Errors.WithLabelValues("ws", "write").Inc()
		o.log.Warn("send failed", "type", m.msg.Type, "error", err)
	}
}

// stop ends the writer and waits for it. Queued frames are discarded.
func (o *outbox) stop() {
	o.stopOnce.Do(func() { close(o.quit) })
	<-o.done
}
