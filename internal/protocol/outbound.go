package protocol

import "time"

// Message is a client-bound frame. Timestamp is filled by Stamp when the
// frame is handed to the connection writer.
type Message struct {
	Type      Kind           `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp float64        `json:"timestamp"`
}

// Stamp sets the delivery timestamp in fractional Unix seconds.
func (m *Message) Stamp(now time.Time) {
	m.Timestamp = float64(now.UnixNano()) / 1e9
}

func SessionStart(sessionID string) Message {
	return Message{Type: KindSessionStart, SessionID: sessionID, Data: map[string]any{"session_id": sessionID}}
}

func Transcription(text string) Message {
	return Message{Type: KindTranscription, Data: map[string]any{"text": text}}
}

func BotResponse(text string) Message {
	return Message{Type: KindBotResponse, Data: map[string]any{"text": text}}
}

// AudioResponse carries synthesized audio, already base64 encoded.
func AudioResponse(audio string) Message {
	return Message{Type: KindAudioResponse, Data: map[string]any{"audio": audio}}
}

func Intent(name string, confidence float64) Message {
	return Message{Type: KindIntent, Data: map[string]any{"name": name, "confidence": confidence}}
}

func ToolCall(tool string, params map[string]any) Message {
	if params == nil {
		params = map[string]any{}
	}
	return Message{Type: KindToolCall, Data: map[string]any{"tool": tool, "parameters": params}}
}

// Error builds an error reply. code is a stable machine-readable identifier
// such as "dialog_error" or "unknown_message_type".
func Error(code, message string) Message {
	return Message{Type: KindError, Data: map[string]any{"error": code, "message": message}}
}
