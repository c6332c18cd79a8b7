package audio

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

// tone returns n samples of a 440 Hz sine at the given peak amplitude.
func tone(n int, amplitude float64, rate int) []byte {
	buf := make([]byte, n*2)
	for i := range n {
		v := amplitude * math.Sin(2*math.Pi*440*float64(i)/float64(rate))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(v*math.MaxInt16)))
	}
	return buf
}

func TestVADClassify(t *testing.T) {
	v := NewVAD(DefaultVADConfig())
	assert.True(t, v.Available())
	assert.Equal(t, 960, v.FrameBytes())

	assert.Equal(t, Silence, v.Classify(make([]byte, 960)))
	assert.Equal(t, Speech, v.Classify(tone(480, 0.5, 16000)))
	assert.Equal(t, Silence, v.Classify(tone(480, 0.001, 16000)))
}

func TestVADNormalizesFrameLength(t *testing.T) {
	v := NewVAD(DefaultVADConfig())

	// Short loud frame is padded with silence but still loud enough overall.
	assert.Equal(t, Speech, v.Classify(tone(400, 0.8, 16000)))
	// Speech beyond the window is truncated away.
	long := append(make([]byte, 960), tone(2000, 0.8, 16000)...)
	assert.Equal(t, Silence, v.Classify(long))
	assert.Equal(t, Silence, v.Classify(nil))
	// Odd lengths are not rejected.
	assert.NotPanics(t, func() { v.Classify([]byte{1, 2, 3}) })
}

func TestVADFailsOpen(t *testing.T) {
	v := NewVAD(VADConfig{SampleRate: 22050, FrameDurationMs: 30, Aggressiveness: 2})
	assert.False(t, v.Available())
	assert.Equal(t, Speech, v.Classify(make([]byte, 960)))
	assert.Equal(t, Speech, v.Classify(nil))
}

func TestVADAggressiveness(t *testing.T) {
	quiet := tone(480, 0.008, 16000) // roughly -45 dBFS RMS

	lenient := NewVAD(VADConfig{SampleRate: 16000, FrameDurationMs: 30, Aggressiveness: 0})
	strict := NewVAD(VADConfig{SampleRate: 16000, FrameDurationMs: 30, Aggressiveness: 3})
	assert.Equal(t, Speech, lenient.Classify(quiet))
	assert.Equal(t, Silence, strict.Classify(quiet))

	override := NewVAD(VADConfig{SampleRate: 16000, FrameDurationMs: 20, SpeechThresholdDB: -80})
	assert.Equal(t, 640, override.FrameBytes())
	assert.Equal(t, Speech, override.Classify(quiet))
	assert.Equal(t, "speech", Speech.String())
}
