package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/MimeLyc/video-pipeline/pkg/log"
)

// ErrNoVideoStream is returned by Probe when the file has no video stream.
var ErrNoVideoStream = errors.New("no video stream")

const (
	ProxyHeight     = 720
	ThumbnailWidth  = 320
	ThumbnailHeight = 180
	AudioSampleRate = 8000
	ProxyCRF        = 23
)

type FFmpeg struct {
	ffmpegCmd  string
	ffprobeCmd string
	timeout    time.Duration
	runner     Runner
	logger     *log.Logger
}

type Option func(*FFmpeg)

// WithBinaries overrides the ffmpeg and ffprobe executables. Empty values keep the default.
func WithBinaries(ffmpegCmd, ffprobeCmd string) Option {
	return func(f *FFmpeg) {
		if ffmpegCmd != "" {
			f.ffmpegCmd = ffmpegCmd
		}
		if ffprobeCmd != "" {
			f.ffprobeCmd = ffprobeCmd
		}
	}
}

// WithTimeout bounds every single invocation. Zero leaves only the caller's context.
func WithTimeout(d time.Duration) Option {
	return func(f *FFmpeg) {
		f.timeout = d
	}
}

func WithRunner(r Runner) Option {
	return func(f *FFmpeg) {
		f.runner = r
	}
}

func NewFFmpeg(opts ...Option) *FFmpeg {
	f := &FFmpeg{
		ffmpegCmd:  "ffmpeg",
		ffprobeCmd: "ffprobe",
		runner:     execRunner{},
		logger:     log.Named("media"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Available checks that both tools can be resolved.
func (f *FFmpeg) Available() error {
	for _, name := range []string{f.ffmpegCmd, f.ffprobeCmd} {
		if _, err := exec.LookPath(name); err != nil {
			return fmt.Errorf("%s not found: %w", name, err)
		}
	}
	return nil
}

func (f *FFmpeg) Probe(ctx context.Context, path string) (ProbeInfo, error) {
	res, err := f.run(ctx, Command{Name: f.ffprobeCmd, Args: probeArgs(path)})
	if err != nil {
		return ProbeInfo{}, err
	}

	var probeResult struct {
		Streams []struct {
			CodecType  string `json:"codec_type"`
			CodecName  string `json:"codec_name"`
			Width      int    `json:"width"`
			Height     int    `json:"height"`
			RFrameRate string `json:"r_frame_rate"`
			Duration   string `json:"duration"`
		} `json:"streams"`
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal(res.Stdout, &probeResult); err != nil {
		f.logger.Error("Failed to parse ffprobe output: %v", err)
		return ProbeInfo{}, fmt.Errorf("parse ffprobe output: %w", err)
	}

	for _, stream := range probeResult.Streams {
		if stream.CodecType != "video" {
			continue
		}
		info := ProbeInfo{
			Width:  stream.Width,
			Height: stream.Height,
			FPS:    parseFrameRate(stream.RFrameRate),
			Codec:  stream.CodecName,
		}
		// Some containers only report the duration on the stream.
		for _, raw := range []string{probeResult.Format.Duration, stream.Duration} {
			if raw == "" || raw == "N/A" {
				continue
			}
			d, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return ProbeInfo{}, fmt.Errorf("parse duration %q: %w", raw, err)
			}
			if d > 0 {
				info.Duration = d
				break
			}
		}
		return info, nil
	}
	return ProbeInfo{}, ErrNoVideoStream
}

func (f *FFmpeg) Proxy(ctx context.Context, input, output string) error {
	_, err := f.run(ctx, Command{Name: f.ffmpegCmd, Args: proxyArgs(input, output)})
	return err
}

func (f *FFmpeg) Thumbnail(ctx context.Context, input, output string) error {
	_, err := f.run(ctx, Command{Name: f.ffmpegCmd, Args: thumbnailArgs(input, output)})
	return err
}

func (f *FFmpeg) DecodeAudio(ctx context.Context, input string, w io.Writer) error {
	_, err := f.run(ctx, Command{Name: f.ffmpegCmd, Args: decodeAudioArgs(input), Stdout: w})
	return err
}

func (f *FFmpeg) Render(ctx context.Context, opts RenderOptions) error {
	_, err := f.run(ctx, Command{Name: f.ffmpegCmd, Args: renderArgs(opts)})
	return err
}

func (f *FFmpeg) run(ctx context.Context, cmd Command) (Result, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	start := time.Now()
	f.logger.Debug("exec %s %s", cmd.Name, strings.Join(cmd.Args, " "))
	res, err := f.runner.Run(ctx, cmd)
	if err == nil {
		f.logger.Debug("%s finished in %s", cmd.Name, time.Since(start).Round(time.Millisecond))
		return res, nil
	}

	return res, &ToolError{
		Tool:     cmd.Name,
		ExitCode: res.ExitCode,
		Stderr:   res.Stderr,
		TimedOut: errors.Is(ctx.Err(), context.DeadlineExceeded),
		Err:      err,
	}
}

// parseFrameRate turns ffprobe's "num/den" into frames per second.
func parseFrameRate(v string) float64 {
	num, den, found := strings.Cut(v, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

func probeArgs(path string) []string {
	return []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	}
}

func proxyArgs(input, output string) []string {
	return []string{
		"-i", input,
		"-vf", fmt.Sprintf("scale=-2:%d", ProxyHeight), // even width, aspect kept
		"-c:v", "libx264",
		"-preset", "fast",
		"-crf", strconv.Itoa(ProxyCRF),
		"-c:a", "aac",
		"-b:a", "128k",
		"-movflags", "+faststart",
		"-y",
		output,
	}
}

func thumbnailArgs(input, output string) []string {
	return []string{
		"-i", input,
		"-ss", "00:00:01",
		"-vframes", "1",
		"-vf", fmt.Sprintf("scale=%d:%d", ThumbnailWidth, ThumbnailHeight),
		"-y",
		output,
	}
}

func decodeAudioArgs(input string) []string {
	return []string{
		"-i", input,
		"-ac", "1",
		"-ar", strconv.Itoa(AudioSampleRate),
		"-f", "f32le",
		"-",
	}
}

func renderArgs(opts RenderOptions) []string {
	args := []string{"-i", opts.Input}
	if opts.SubtitlePath != "" {
		args = append(args, "-vf", "ass="+escapeFilterPath(opts.SubtitlePath))
	}
	args = append(args, "-crf", strconv.Itoa(opts.CRF))
	if opts.Resolution != "" && opts.Resolution != "original" {
		args = append(args, "-s", opts.Resolution)
	}
	return append(args,
		"-c:v", "libx264",
		"-preset", "medium",
		"-c:a", "aac",
		"-b:a", "128k",
		"-movflags", "+faststart",
		"-y",
		opts.Output,
	)
}

// escapeFilterPath escapes p for use as a filter option value inside -vf.
// The option parser sees the value first and the graph parser sees the
// result, so both levels are applied.
func escapeFilterPath(p string) string {
	option := strings.NewReplacer(`\`, `\\`, `:`, `\:`, `'`, `\'`).Replace(p)
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`, `,`, `\,`, `;`, `\;`, `[`, `\[`, `]`, `\]`).Replace(option)
}
