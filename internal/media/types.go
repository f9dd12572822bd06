package media

import (
	"context"
	"fmt"
	"io"
)

// ProbeInfo is the subset of ffprobe output the pipeline consumes.
type ProbeInfo struct {
	Duration float64 `json:"duration"`
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	FPS      float64 `json:"fps"`
	Codec    string  `json:"codec"`
}

// Resolution formats the frame size as WxH.
func (p ProbeInfo) Resolution() string {
	return fmt.Sprintf("%dx%d", p.Width, p.Height)
}

// RenderOptions describes one final encode.
type RenderOptions struct {
	Input        string
	Output       string
	SubtitlePath string // empty skips the ass filter
	CRF          int
	Resolution   string // WxH; empty or "original" keeps the source size
}

// Backend is the media tool surface the pipeline depends on.
type Backend interface {
	Probe(ctx context.Context, path string) (ProbeInfo, error)
	Proxy(ctx context.Context, input, output string) error
	Thumbnail(ctx context.Context, input, output string) error
	// DecodeAudio streams mono 8 kHz little-endian float32 PCM into w.
	DecodeAudio(ctx context.Context, input string, w io.Writer) error
	Render(ctx context.Context, opts RenderOptions) error
}

func NewBackend(opts ...Option) Backend {
	return NewFFmpeg(opts...)
}
