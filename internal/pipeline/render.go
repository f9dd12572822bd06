package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/MimeLyc/video-pipeline/internal/failure"
	"github.com/MimeLyc/video-pipeline/internal/media"
	"github.com/MimeLyc/video-pipeline/internal/storage"
	"github.com/MimeLyc/video-pipeline/internal/store"
	"github.com/MimeLyc/video-pipeline/internal/subtitle"
	"github.com/MimeLyc/video-pipeline/pkg/file"
)

// Quality tiers map to x264 CRF values. A lower CRF keeps more detail.
var qualityCRF = map[string]int{
	"low":    28,
	"medium": 23,
	"high":   18,
}

const defaultQuality = "medium"

// OriginalResolution keeps the source frame size.
const OriginalResolution = "original"

var (
	resolutionPattern = regexp.MustCompile(`^\d+x\d+$`)
	renderFormats     = map[string]bool{"mp4": true, "mov": true, "mkv": true}
)

// CRFForQuality returns the CRF of a quality tier; unknown tiers get medium.
func CRFForQuality(quality string) int {
	if crf, ok := qualityCRF[strings.ToLower(strings.TrimSpace(quality))]; ok {
		return crf
	}
	return qualityCRF[defaultQuality]
}

type RenderResult struct {
	OutputURL  string `json:"output_url"`
	OutputSize int64  `json:"output_size"`
}

func validateRender(r *store.Render) error {
	if !renderFormats[r.Format] {
		return failure.Newf(failure.Validation, "unsupported render format %q", r.Format)
	}
	res := strings.TrimSpace(r.Resolution)
	if res != "" && res != OriginalResolution && !resolutionPattern.MatchString(res) {
		return failure.Newf(failure.Validation, "invalid render resolution %q", r.Resolution)
	}
	return nil
}

// RenderFinal encodes the project's source into the render's format, burning
// in the transcript when requested, and uploads the output.
func (e *Engine) RenderFinal(ctx context.Context, render *store.Render, project *store.Project) (*RenderResult, error) {
	if render == nil || project == nil {
		return nil, failure.New(failure.Validation, "render and project are required")
	}
	if project.OriginalURL == "" {
		return nil, failure.Newf(failure.Validation, "project %s has no source url", project.ID)
	}
	if err := validateRender(render); err != nil {
		return nil, err
	}

	dir, cleanup, err := e.scratch("render", render.ID)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	source := filepath.Join(dir, "source")
	output := filepath.Join(dir, "output."+render.Format)

	e.logger.Info("rendering %s for project %s (quality=%s resolution=%s subtitles=%t)",
		render.ID, project.ID, render.Quality, render.Resolution, render.IncludeSubtitles)

	if _, err := e.download(ctx, project.OriginalURL, source); err != nil {
		return nil, err
	}

	opts := media.RenderOptions{
		Input:      source,
		Output:     output,
		CRF:        CRFForQuality(render.Quality),
		Resolution: strings.TrimSpace(render.Resolution),
	}
	if render.IncludeSubtitles && len(project.Transcript) > 0 {
		assPath := file.ReplaceExt(output, "ass")
		if err := subtitle.WriteASS(assPath, project.Transcript, project.SubtitleStyles); err != nil {
			return nil, failure.Wrap(err, failure.Render, "write subtitles").WithContext("render", render.ID)
		}
		opts.SubtitlePath = assPath
	}

	if err := e.media.Render(ctx, opts); err != nil {
		return nil, failure.Wrap(err, failure.Render, "encode output").WithContext("render", render.ID)
	}

	data, err := os.ReadFile(output)
	if err != nil {
		return nil, failure.Wrap(err, failure.Render, "read output").WithContext("render", render.ID)
	}
	obj, err := e.objects.Upload(ctx, data, storage.RenderPath(render.UserID, render.ID, render.Format), "")
	if err != nil {
		return nil, failure.Wrap(err, failure.Upload, "upload output").WithContext("render", render.ID)
	}
	e.logger.Info("render %s uploaded to %s (%d bytes)", render.ID, obj.Path, obj.Size)

	return &RenderResult{OutputURL: obj.URL, OutputSize: obj.Size}, nil
}
