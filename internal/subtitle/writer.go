package subtitle

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

const assHeader = `[Script Info]
Title: Video Editor Subtitles
ScriptType: v4.00+

[V4+ Styles]
Format: Name, Fontname, Fontsize, PrimaryColour, SecondaryColour, OutlineColour, BackColour, Bold, Italic, Underline, StrikeOut, ScaleX, ScaleY, Spacing, Angle, BorderStyle, Outline, Shadow, Alignment, MarginL, MarginR, MarginV, Encoding
`

const assEventsHeader = `
[Events]
Format: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text
`

// FormatTime renders seconds as H:MM:SS.CC with truncated hours and minutes.
func FormatTime(seconds float64) string {
	if seconds < 0 || math.IsNaN(seconds) {
		seconds = 0
	}
	hours := int(seconds / 3600)
	minutes := int(math.Mod(seconds, 3600) / 60)
	secs := math.Mod(seconds, 60)
	return fmt.Sprintf("%d:%02d:%05.2f", hours, minutes, secs)
}

// StyleLine renders the Default style, applying any overrides from s.
// fallback is the font used when s names none.
func StyleLine(s Style, fallback string) string {
	font := fallback
	if font == "" {
		font = defaultFont
	}
	if s.FontFamily != "" {
		font = sanitizeField(s.FontFamily)
	}
	size := "20"
	if s.FontSize > 0 {
		size = strconv.FormatFloat(s.FontSize, 'f', -1, 64)
	}
	primary := "&H00FFFFFF"
	if c, ok := assColor(s.PrimaryColor); ok {
		primary = c
	}
	outlineColor := "&H00000000"
	if c, ok := assColor(s.OutlineColor); ok {
		outlineColor = c
	}
	bold := "0"
	if strings.EqualFold(s.FontWeight, "bold") {
		bold = "-1"
	}
	italic := "0"
	if s.Italic {
		italic = "-1"
	}
	outline := "2"
	if s.Outline != nil && *s.Outline >= 0 {
		outline = strconv.Itoa(*s.Outline)
	}

	return fmt.Sprintf("Style: Default,%s,%s,%s,&H000000FF,%s,&H80000000,%s,%s,0,0,100,100,0,0,1,%s,0,2,10,10,10,1",
		font, size, primary, outlineColor, bold, italic, outline)
}

// BuildASS renders a complete ASS document with one Dialogue line per cue.
func BuildASS(cues []Cue, style Style) string {
	var b strings.Builder
	b.WriteString(assHeader)
	b.WriteString(StyleLine(style, fallbackFont(cues)))
	b.WriteString("\n")
	b.WriteString(assEventsHeader)
	for _, cue := range cues {
		fmt.Fprintf(&b, "Dialogue: 0,%s,%s,Default,,0,0,0,,%s\n",
			FormatTime(cue.Start),
			FormatTime(cue.End),
			cueText(cue.Text))
	}
	return b.String()
}

// WriteASS writes the document for cues to path.
func WriteASS(path string, cues []Cue, style Style) error {
	if len(cues) == 0 {
		return fmt.Errorf("no cues to write")
	}
	if err := os.WriteFile(path, []byte(BuildASS(cues, style)), 0o644); err != nil {
		return fmt.Errorf("write subtitle file: %w", err)
	}
	return nil
}

func cueText(text string) string {
	text = norm.NFC.String(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\n", `\N`)
}

// assColor converts #RRGGBB into the &HAABBGGRR form with zero alpha.
func assColor(hex string) (string, bool) {
	hex = strings.TrimPrefix(strings.TrimSpace(hex), "#")
	if len(hex) != 6 {
		return "", false
	}
	if _, err := strconv.ParseUint(hex, 16, 32); err != nil {
		return "", false
	}
	hex = strings.ToUpper(hex)
	return "&H00" + hex[4:6] + hex[2:4] + hex[0:2], true
}

// sanitizeField strips the separator characters of the Style line.
func sanitizeField(v string) string {
	return strings.NewReplacer(",", " ", "\n", " ", "\r", " ").Replace(strings.TrimSpace(v))
}
