// Package pipeline holds the collaborators a voice session drives for each
// turn: speech-to-text, dialog, text-to-speech and tool lookup, together with
// the HTTP, websocket, vector-store and Redis adapters that implement them.
package pipeline

import (
	"context"
	"fmt"
	"strings"
)

// Transcript is what a speech-to-text backend heard.
type Transcript struct {
	Text      string  `json:"text"`
	IsFinal   bool    `json:"is_final"`
	LatencyMs float64 `json:"latency_ms"`
}

// Transcriber turns a finished utterance into text. frames is the complete
// utterance in arrival order.
type Transcriber interface {
	Transcribe(ctx context.Context, frames [][]byte) (*Transcript, error)
}

// Role marks who produced a history entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// HistoryEntry is one line of the conversation.
type HistoryEntry struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Intent is the classification an intent-driven backend attached to a reply.
type Intent struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// ToolCall is a lookup the dialog backend asked the gateway to run.
type ToolCall struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
}

// DialogResult is a backend's reply to one user turn. Intent and ToolCalls
// are only set by backends that produce them.
type DialogResult struct {
	Text      string     `json:"text"`
	Intent    *Intent    `json:"intent,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	LatencyMs float64    `json:"latency_ms"`
}

// DialogBackend produces the assistant reply for text given the prior
// conversation. history must not be retained or modified.
type DialogBackend interface {
	Converse(ctx context.Context, text string, history []HistoryEntry) (*DialogResult, error)
}

// Synthesizer turns reply text into audio bytes.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// ToolInvoker runs a named lookup.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, params map[string]any) (any, error)
}

// formatInput renders history plus the current message as a plain-text
// transcript for completion-style models.
func formatInput(history []HistoryEntry, current string) string {
	if len(history) == 0 {
		return current
	}
	var b strings.Builder
	for _, e := range history {
		fmt.Fprintf(&b, "%s: %s\n", speakerLabel(e.Role), e.Text)
	}
	fmt.Fprintf(&b, "User: %s", current)
	return b.String()
}

func speakerLabel(r Role) string {
	if r == RoleAssistant {
		return "Assistant"
	}
	return "User"
}
