package session

import "sync"

// DefaultTurnCapacity bounds a turn to roughly 100 client chunks.
const DefaultTurnCapacity = 100

// TurnBuffer is a fixed-capacity ring of audio frames for the utterance
// currently being captured. When full, Append evicts the oldest frame.
type TurnBuffer struct {
	mu      sync.Mutex
	frames  [][]byte
	head    int // index of the oldest frame
	n       int
	evicted int
}

// NewTurnBuffer returns an empty buffer. Non-positive capacity falls back
// to DefaultTurnCapacity.
func NewTurnBuffer(capacity int) *TurnBuffer {
	if capacity <= 0 {
		capacity = DefaultTurnCapacity
	}
	return &TurnBuffer{frames: make([][]byte, capacity)}
}

// Append stores frame and reports whether an older frame was evicted to
// make room. It never blocks on a consumer.
func (b *TurnBuffer) Append(frame []byte) (evicted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := len(b.frames)
	if b.n == c {
		b.frames[b.head] = frame
		b.head = (b.head + 1) % c
		b.evicted++
		return true
	}
	b.frames[(b.head+b.n)%c] = frame
	b.n++
	return false
}

// Drain hands back the captured frames oldest first and leaves the buffer
// empty. Frames appended after Drain returns belong to the next turn.
func (b *TurnBuffer) Drain() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([][]byte, b.n)
	c := len(b.frames)
	for i := range b.n {
		out[i] = b.frames[(b.head+i)%c]
	}
	b.frames = make([][]byte, c)
	b.head, b.n = 0, 0
	return out
}

// Clear discards everything without returning it.
func (b *TurnBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.frames)
	b.head, b.n = 0, 0
}

// Len is the number of frames currently held.
func (b *TurnBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

func (b *TurnBuffer) Cap() int { return len(b.frames) }

// Evicted counts frames dropped by overflow over the buffer's lifetime.
func (b *TurnBuffer) Evicted() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evicted
}
