package audio

import (
	"math"
	"slices"
)

// Activity is the outcome of classifying one frame.
type Activity int

const (
	Silence Activity = iota
	Speech
)

func (a Activity) String() string {
	if a == Speech {
		return "speech"
	}
	return "silence"
}

// VADConfig controls the frame classifier.
type VADConfig struct {
	SampleRate      int
	FrameDurationMs int // 10, 20 or 30
	// Aggressiveness 0-3 picks the energy threshold; higher rejects more.
	Aggressiveness int
	// SpeechThresholdDB overrides the aggressiveness table when non-zero.
	SpeechThresholdDB float64
}

// DefaultVADConfig returns 16 kHz, 30 ms windows, aggressiveness 2.
func DefaultVADConfig() VADConfig {
	return VADConfig{
		SampleRate:      16000,
		FrameDurationMs: 30,
		Aggressiveness:  2,
	}
}

var (
	supportedRates     = []int{8000, 16000, 32000, 48000}
	supportedDurations = []int{10, 20, 30}
	// dBFS thresholds indexed by aggressiveness.
	aggressivenessDB = [4]float64{-50, -45, -40, -35}
)

// VAD classifies fixed-size frames as speech or silence by RMS energy.
// It holds no state between calls.
type VAD struct {
	frameBytes  int
	thresholdDB float64
	available   bool
}

// NewVAD builds a classifier. A sample rate the classifier has no window for
// leaves it unavailable, and an unavailable VAD reports every frame as speech.
func NewVAD(cfg VADConfig) *VAD {
	if !slices.Contains(supportedDurations, cfg.FrameDurationMs) {
		cfg.FrameDurationMs = 30
	}
	level := min(max(cfg.Aggressiveness, 0), 3)
	threshold := aggressivenessDB[level]
	if cfg.SpeechThresholdDB != 0 {
		threshold = cfg.SpeechThresholdDB
	}
	v := &VAD{
		thresholdDB: threshold,
		available:   slices.Contains(supportedRates, cfg.SampleRate),
	}
	if v.available {
		v.frameBytes = cfg.SampleRate * cfg.FrameDurationMs / 1000 * 2
	}
	return v
}

// Available reports whether frames are actually analysed.
func (v *VAD) Available() bool { return v.available }

// FrameBytes is the window size every frame is normalised to.
func (v *VAD) FrameBytes() int { return v.frameBytes }

// Classify reports whether frame contains speech. Frames are zero-padded or
// truncated to the window size first.
func (v *VAD) Classify(frame []byte) Activity {
	if !v.available {
		return Speech
	}
	if computeEnergyDB(decodePCM(v.normalize(frame))) >= v.thresholdDB {
		return Speech
	}
	return Silence
}

func (v *VAD) normalize(frame []byte) []byte {
	if len(frame) == v.frameBytes {
		return frame
	}
	if len(frame) > v.frameBytes {
		return frame[:v.frameBytes]
	}
	padded := make([]byte, v.frameBytes)
	copy(padded, frame)
	return padded
}

func computeEnergyDB(samples []float32) float64 {
	if len(samples) == 0 {
		return -100
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms < 1e-10 {
		return -100
	}
	return 20 * math.Log10(rms)
}
