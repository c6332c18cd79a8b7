package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// Format describes the raw PCM carried by every frame on a connection.
// Frames are little-endian signed linear PCM; nothing here resamples.
type Format struct {
	SampleRate  int
	SampleWidth int // bytes per sample
	Channels    int
}

// DefaultFormat is 16 kHz, 16-bit, mono.
func DefaultFormat() Format {
	return Format{SampleRate: 16000, SampleWidth: 2, Channels: 1}
}

// BytesPerSecond is the PCM data rate of f.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.SampleWidth * f.Channels
}

var ErrMalformedFrame = errors.New("malformed audio frame")

// FrameError reports where base64 decoding failed.
type FrameError struct {
	Offset int64
	Err    error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("%v at offset %d", ErrMalformedFrame, e.Offset)
}

func (e *FrameError) Unwrap() []error { return []error{ErrMalformedFrame, e.Err} }

// DecodeFrame converts the wire (base64) encoding of a frame to raw PCM.
// An empty string decodes to an empty frame.
func DecodeFrame(text string) ([]byte, error) {
	if text == "" {
		return []byte{}, nil
	}
	pcm, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		var cie base64.CorruptInputError
		if errors.As(err, &cie) {
			return nil, &FrameError{Offset: int64(cie), Err: err}
		}
		return nil, &FrameError{Err: err}
	}
	return pcm, nil
}

// EncodeFrame converts raw PCM to its wire encoding.
func EncodeFrame(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}
