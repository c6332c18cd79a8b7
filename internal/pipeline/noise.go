package pipeline

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// NoiseFilter decides whether a transcript is too short or too contentless
// to be a real utterance. Rejected transcripts end the turn silently.
type NoiseFilter struct {
	MinChars   int
	MinLetters int
}

// DefaultNoiseFilter rejects anything under 3 characters or 3 letters.
func DefaultNoiseFilter() NoiseFilter {
	return NoiseFilter{MinChars: 3, MinLetters: 3}
}

// noisePatterns are common ASR hallucinations from background noise.
var noisePatterns = map[string]bool{
	"crunching": true, "static": true, "silence": true, "noise": true,
	"inaudible": true, "unintelligible": true, "background noise": true,
	"music": true, "typing": true, "breathing": true, "sigh": true,
	"cough": true, "sneeze": true, "laughter": true, "applause": true,
	"hmm": true, "mhm": true, "uhum": true, "hum": true,
	"música": true, "silêncio": true, "ruído": true,
}

// IsNoise reports whether text should be discarded.
func (f NoiseFilter) IsNoise(text string) bool {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) < f.MinChars {
		return true
	}
	if countLetters(text) < f.MinLetters {
		return true
	}
	if isAnnotation(text) {
		return true
	}
	lower := strings.ToLower(strings.TrimRight(text, ".!?…"))
	return noisePatterns[lower]
}

func countLetters(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			n++
		}
	}
	return n
}

// isAnnotation matches whole-transcript markers such as *static*, [music] or (coughs).
func isAnnotation(text string) bool {
	pairs := [][2]string{{"*", "*"}, {"[", "]"}, {"(", ")"}}
	for _, p := range pairs {
		if strings.HasPrefix(text, p[0]) && strings.HasSuffix(text, p[1]) {
			return true
		}
	}
	return false
}
