package audio

import (
	"encoding/binary"
	"math"
)

// decodePCM converts 16-bit little-endian PCM to samples in [-1, 1].
// A trailing odd byte is ignored.
func decodePCM(data []byte) []float32 {
	n := len(data) / 2
	samples := make([]float32, n)
	for i := range n {
		s := int16(binary.LittleEndian.Uint16(data[i*2:]))
		samples[i] = float32(s) / math.MaxInt16
	}
	return samples
}

// Join concatenates frames in order.
func Join(frames [][]byte) []byte {
	size := 0
	for _, f := range frames {
		size += len(f)
	}
	out := make([]byte, 0, size)
	for _, f := range frames {
		out = append(out, f...)
	}
	return out
}

// Duration reports how long pcm plays for in format f, in seconds.
func (f Format) Duration(pcm []byte) float64 {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return float64(len(pcm)) / float64(bps)
}
