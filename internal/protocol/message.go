// Package protocol defines the JSON message vocabulary exchanged with voice
// clients and normalizes inbound frames into typed messages.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind tags a message on the wire.
type Kind string

// Server-bound kinds.
const (
	KindAudioChunk    Kind = "audio_chunk"
	KindStartSpeaking Kind = "start_speaking"
	KindStopSpeaking  Kind = "stop_speaking"
	KindBargeIn       Kind = "barge_in"
	KindTextMessage   Kind = "text_message"

	// KindEndOfSpeech is accepted on input and folded into KindStopSpeaking.
	KindEndOfSpeech Kind = "end_of_speech"
)

// Client-bound kinds.
const (
	KindSessionStart  Kind = "session_start"
	KindTranscription Kind = "transcription"
	KindBotResponse   Kind = "bot_response"
	KindAudioResponse Kind = "audio_response"
	KindIntent        Kind = "intent"
	KindToolCall      Kind = "tool_call"
	KindError         Kind = "error"
)

var (
	ErrMissingType    = errors.New("missing message type")
	ErrUnknownKind    = errors.New("unknown message type")
	ErrInvalidPayload = errors.New("invalid message payload")
)

// ParseError is returned for every inbound frame that cannot be turned into
// an Inbound. Code is the value sent back in the error reply.
type ParseError struct {
	Code   string
	Detail string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Detail == "" {
		return e.Code
	}
	return e.Code + ": " + e.Detail
}

func (e *ParseError) Unwrap() error { return e.Err }

func parseErr(err error, code, format string, args ...any) *ParseError {
	return &ParseError{Code: code, Detail: fmt.Sprintf(format, args...), Err: err}
}

// aliases maps alternate spellings onto their canonical kind.
var aliases = map[Kind]Kind{
	KindEndOfSpeech: KindStopSpeaking,
}

var inboundKinds = map[Kind]bool{
	KindAudioChunk:    true,
	KindStartSpeaking: true,
	KindStopSpeaking:  true,
	KindBargeIn:       true,
	KindTextMessage:   true,
}

// Inbound is a validated server-bound message. Data is nil when the frame
// carried no usable payload.
type Inbound struct {
	Kind      Kind
	SessionID string
	Data      map[string]any
}

// Decode parses one JSON text frame.
func Decode(frame []byte) (Inbound, error) {
	var raw map[string]any
	if err := json.Unmarshal(frame, &raw); err != nil {
		return Inbound{}, parseErr(ErrInvalidPayload, "invalid_json", "%v", err)
	}
	if raw == nil {
		return Inbound{}, parseErr(ErrInvalidPayload, "invalid_json", "frame is not an object")
	}
	return Parse(raw)
}

// Parse normalizes an untyped frame. It never panics: every input either
// yields an Inbound or a *ParseError.
func Parse(raw map[string]any) (Inbound, error) {
	typ, ok := raw["type"].(string)
	if !ok || typ == "" {
		return Inbound{}, parseErr(ErrMissingType, "invalid_message", "field \"type\" must be a non-empty string")
	}

	kind := Kind(typ)
	if canonical, ok := aliases[kind]; ok {
		kind = canonical
	}
	if !inboundKinds[kind] {
		return Inbound{}, parseErr(ErrUnknownKind, "unknown_message_type", "%q", typ)
	}

	data, err := coercePayload(kind, raw["data"])
	if err != nil {
		return Inbound{}, err
	}

	msg := Inbound{Kind: kind, Data: data}
	if sid, ok := raw["session_id"].(string); ok {
		msg.SessionID = sid
	}
	return msg, nil
}

func coercePayload(kind Kind, v any) (map[string]any, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return p, nil
	case string:
		if kind == KindAudioChunk {
			return map[string]any{"audio": p}, nil
		}
		return nil, nil
	default:
		return nil, parseErr(ErrInvalidPayload, "invalid_payload", "%s: data must be an object, got %T", kind, v)
	}
}

// Audio returns the base64 audio field of an audio_chunk.
func (m Inbound) Audio() (string, error) {
	return m.stringField("audio")
}

// Text returns the text field of a text_message.
func (m Inbound) Text() (string, error) {
	return m.stringField("text")
}

func (m Inbound) stringField(name string) (string, error) {
	s, ok := m.Data[name].(string)
	if !ok {
		return "", parseErr(ErrInvalidPayload, "invalid_payload", "%s: missing string field %q", m.Kind, name)
	}
	return s, nil
}
