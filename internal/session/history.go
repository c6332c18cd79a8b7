package session

import (
	"sync"

	"github.com/hubenschmidt/voicechat-gateway/internal/pipeline"
)

// History is the append-only conversation log of one session.
type History struct {
	mu      sync.RWMutex
	entries []pipeline.HistoryEntry
}

// Append adds entries in order. Entries are never modified afterwards.
func (h *History) Append(entries ...pipeline.HistoryEntry) {
	h.mu.Lock()
	h.entries = append(h.entries, entries...)
	h.mu.Unlock()
}

// Snapshot returns a copy safe to hand to a dialog backend.
func (h *History) Snapshot() []pipeline.HistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]pipeline.HistoryEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}
