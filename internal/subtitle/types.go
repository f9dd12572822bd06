package subtitle

// Cue is one timed transcript entry, in seconds.
type Cue struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Style carries the per-project overrides of the burned-in caption style.
// Zero values keep the default style.
type Style struct {
	FontFamily   string  `json:"fontFamily,omitempty"`
	FontSize     float64 `json:"fontSize,omitempty"`
	FontWeight   string  `json:"fontWeight,omitempty"`
	Italic       bool    `json:"italic,omitempty"`
	PrimaryColor string  `json:"primaryColor,omitempty"`
	OutlineColor string  `json:"outlineColor,omitempty"`
	Outline      *int    `json:"outline,omitempty"`
}
