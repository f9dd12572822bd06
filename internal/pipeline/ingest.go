package pipeline

import (
	"context"
	"os"
	"path/filepath"

	"github.com/MimeLyc/video-pipeline/internal/failure"
	"github.com/MimeLyc/video-pipeline/internal/storage"
	"github.com/MimeLyc/video-pipeline/internal/store"
)

// UploadResult is what ProcessUpload derives from a source video.
type UploadResult struct {
	ProxyURL     string   `json:"proxy_url"`
	ThumbnailURL string   `json:"thumbnail_url"`
	Duration     float64  `json:"duration"`
	Resolution   string   `json:"resolution"`
	FPS          float64  `json:"fps"`
	Codec        string   `json:"codec"`
	Waveform     Waveform `json:"waveform"`
}

// ProcessUpload downloads the project's source, derives the proxy, thumbnail
// and waveform, and uploads the artifacts. Steps run strictly in order and the
// scratch directory is removed on every path.
func (e *Engine) ProcessUpload(ctx context.Context, project *store.Project) (*UploadResult, error) {
	if project == nil || project.OriginalURL == "" {
		return nil, failure.New(failure.Validation, "project has no source url")
	}

	dir, cleanup, err := e.scratch("process", project.ID)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	source := filepath.Join(dir, "source")
	proxy := filepath.Join(dir, "proxy.mp4")
	thumb := filepath.Join(dir, "thumbnail.jpg")

	e.logger.Info("processing project %s", project.ID)

	if _, err := e.download(ctx, project.OriginalURL, source); err != nil {
		return nil, err
	}

	info, err := e.media.Probe(ctx, source)
	if err != nil {
		return nil, failure.Wrap(err, failure.Probe, "probe source").WithContext("project", project.ID)
	}
	if info.Duration <= 0 {
		return nil, failure.New(failure.Probe, "source has no duration").WithContext("project", project.ID)
	}
	e.logger.Info("project %s: %.2fs %s %.2ffps %s", project.ID, info.Duration, info.Resolution(), info.FPS, info.Codec)

	if err := e.media.Proxy(ctx, source, proxy); err != nil {
		return nil, failure.Wrap(err, failure.Transcode, "transcode proxy").WithContext("project", project.ID)
	}

	if err := e.media.Thumbnail(ctx, source, thumb); err != nil {
		return nil, failure.Wrap(err, failure.Thumbnail, "extract thumbnail").WithContext("project", project.ID)
	}

	waveform := e.waveform(ctx, project.ID, source)

	proxyObj, err := e.uploadFile(ctx, proxy, storage.ProxyPath(project.UserID, project.ID), "video/mp4")
	if err != nil {
		return nil, err
	}
	thumbObj, err := e.uploadFile(ctx, thumb, storage.ThumbnailPath(project.UserID, project.ID), "image/jpeg")
	if err != nil {
		return nil, err
	}

	return &UploadResult{
		ProxyURL:     proxyObj.URL,
		ThumbnailURL: thumbObj.URL,
		Duration:     info.Duration,
		Resolution:   info.Resolution(),
		FPS:          info.FPS,
		Codec:        info.Codec,
		Waveform:     waveform,
	}, nil
}

// waveform never fails; a decode error yields the placeholder.
func (e *Engine) waveform(ctx context.Context, projectID, source string) Waveform {
	reducer := newPeakReducer(WaveformSamplesPerPixel)
	if err := e.media.DecodeAudio(ctx, source, reducer); err != nil {
		e.logger.Warn("project %s: audio decode failed, using placeholder waveform: %v", projectID, err)
		return PlaceholderWaveform()
	}
	return reducer.Waveform()
}

func (e *Engine) uploadFile(ctx context.Context, local, path, contentType string) (storage.Object, error) {
	data, err := os.ReadFile(local)
	if err != nil {
		return storage.Object{}, failure.Wrap(err, failure.Upload, "read artifact").WithContext("path", path)
	}
	obj, err := e.objects.Upload(ctx, data, path, contentType)
	if err != nil {
		return storage.Object{}, failure.Wrap(err, failure.Upload, "upload artifact").WithContext("path", path)
	}
	e.logger.Info("uploaded %s (%d bytes)", obj.Path, obj.Size)
	return obj, nil
}
