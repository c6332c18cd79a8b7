package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNoiseFilter(t *testing.T) {
	f := DefaultNoiseFilter()
	tests := []struct {
		text  string
		noise bool
	}{
		{"", true},
		{"   ", true},
		{"ok", true},
		{"a.b", true},
		{"123 456", true},
		{"[music]", true},
		{"*cough*", true},
		{"(risos)", true},
		{"Hmm.", true},
		{"Background noise", true},
		{"música", true},
		{"sim", false},
		{"hello there", false},
		{"quero um tênis", false},
		{"noise cancelling headphones", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.noise, f.IsNoise(tt.text), "%q", tt.text)
	}
}

func TestNoiseFilterThresholds(t *testing.T) {
	f := NoiseFilter{MinChars: 1, MinLetters: 1}
	assert.False(t, f.IsNoise("ok"))
	assert.True(t, f.IsNoise("42"))
}
