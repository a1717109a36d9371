package voice

import (
	"strings"
	"unicode"
)

// sentence terminators, Latin and CJK.
const terminators = ".!?。！？"

// SegmentSentences splits text into speakable units so playback can be
// cancelled between units. Sentences longer than maxRunes are split again
// at word boundaries, falling back to a hard cut for unbroken runs.
func SegmentSentences(text string, maxRunes int) []string {
	if maxRunes <= 0 {
		maxRunes = 240
	}

	var sentences []string
	var current strings.Builder
	for _, r := range text {
		current.WriteRune(r)
		if strings.ContainsRune(terminators, r) {
			if s := strings.TrimSpace(current.String()); s != "" {
				sentences = append(sentences, s)
			}
			current.Reset()
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}

	var out []string
	for _, s := range sentences {
		out = append(out, splitLong(s, maxRunes)...)
	}
	return out
}

func splitLong(s string, maxRunes int) []string {
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return []string{s}
	}

	var out []string
	for len(runes) > maxRunes {
		cut := maxRunes
		// Prefer breaking at the last space inside the window.
		for i := maxRunes; i > 0; i-- {
			if unicode.IsSpace(runes[i]) {
				cut = i
				break
			}
		}
		piece := strings.TrimSpace(string(runes[:cut]))
		if piece != "" {
			out = append(out, piece)
		}
		runes = runes[cut:]
		for len(runes) > 0 && unicode.IsSpace(runes[0]) {
			runes = runes[1:]
		}
	}
	if rest := strings.TrimSpace(string(runes)); rest != "" {
		out = append(out, rest)
	}
	return out
}
