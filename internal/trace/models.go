package trace

import "time"

// Session is one voice connection.
type Session struct {
	ID        string     `json:"id"`
	Dialog    string     `json:"dialog"`
	Metadata  string     `json:"metadata,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	RunCount  int        `json:"run_count,omitempty"`
}

// Run is one pipeline run for a completed turn. Status is ok, noise,
// cancelled or error.
type Run struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Turn       int       `json:"turn"`
	Trigger    string    `json:"trigger"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs float64   `json:"duration_ms,omitempty"`
	Transcript string    `json:"transcript,omitempty"`
	Response   string    `json:"response,omitempty"`
	Status     string    `json:"status"`
	SpanCount  int       `json:"span_count,omitempty"`
}

// Span is one collaborator call inside a run (transcribe, dialog, tool, synthesize).
type Span struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	Name       string    `json:"name"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs float64   `json:"duration_ms"`
	Input      string    `json:"input,omitempty"`
	Output     string    `json:"output,omitempty"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
}
