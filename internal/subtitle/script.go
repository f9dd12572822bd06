package subtitle

import (
	"unicode"

	"github.com/abadojack/whatlanggo"
)

const (
	defaultFont = "Arial"
	cjkFont     = "Noto Sans CJK SC"
)

// dominantScript returns the writing system used by most cues, or nil when
// no cue could be classified.
func dominantScript(cues []Cue) *unicode.RangeTable {
	counts := make(map[*unicode.RangeTable]int)
	for _, cue := range cues {
		if cue.Text == "" {
			continue
		}
		if script := whatlanggo.DetectScript(cue.Text); script != nil {
			counts[script]++
		}
	}

	var top *unicode.RangeTable
	var topCount int
	for script, count := range counts {
		if count > topCount {
			top = script
			topCount = count
		}
	}
	return top
}

// fallbackFont picks a font able to render the transcript when the project
// does not name one. Arial has no CJK glyphs.
func fallbackFont(cues []Cue) string {
	switch dominantScript(cues) {
	case unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul:
		return cjkFont
	default:
		return defaultFont
	}
}
