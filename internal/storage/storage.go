package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MimeLyc/video-pipeline/internal/config"
	"github.com/MimeLyc/video-pipeline/internal/failure"
	"github.com/gabriel-vasile/mimetype"
)

// Object is the result of a successful upload.
type Object struct {
	Path string `json:"path"`
	URL  string `json:"url"`
	Size int64  `json:"size"`
}

// Info describes a stored object.
type Info struct {
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Client is the object store surface used by the pipeline. Paths are
// bucket-relative and use forward slashes.
type Client interface {
	Upload(ctx context.Context, data []byte, path, contentType string) (Object, error)
	// Delete removes path and reports whether it succeeded. Errors are logged.
	Delete(ctx context.Context, path string) bool
	Stat(ctx context.Context, path string) (Info, error)
	EnsureBucket(ctx context.Context) error
	PublicURL(path string) string
	Close() error
}

// New builds the Client selected by cfg.Backend.
func New(ctx context.Context, cfg config.StorageConfig) (Client, error) {
	switch cfg.Backend {
	case "local", "":
		return NewLocalStore(cfg.LocalDir, cfg.Bucket, cfg.PublicBaseURL)
	case "minio":
		return NewMinioStore(cfg)
	case "s3":
		return NewS3Store(ctx, cfg)
	case "gcs":
		return NewGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func VideoPath(userID, projectID string) string {
	return fmt.Sprintf("videos/%s/%s", userID, projectID)
}

func ThumbnailPath(userID, projectID string) string {
	return fmt.Sprintf("thumbnails/%s/%s.jpg", userID, projectID)
}

func ProxyPath(userID, projectID string) string {
	return fmt.Sprintf("proxy/%s/%s_720p.mp4", userID, projectID)
}

func RenderPath(userID, renderID, format string) string {
	return fmt.Sprintf("renders/%s/%s.%s", userID, renderID, format)
}

// detectContentType returns contentType, or sniffs data when it is empty.
func detectContentType(data []byte, contentType string) string {
	if strings.TrimSpace(contentType) != "" {
		return contentType
	}
	return mimetype.Detect(data).String()
}

func cleanPath(path string) (string, error) {
	path = strings.TrimLeft(strings.TrimSpace(path), "/")
	if path == "" {
		return "", failure.New(failure.Validation, "object path is required")
	}
	for _, part := range strings.Split(path, "/") {
		if part == ".." {
			return "", failure.Newf(failure.Validation, "object path %q escapes the bucket", path)
		}
	}
	return path, nil
}

// joinURL appends an object path to a base URL.
func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

func notFound(path string, cause error) error {
	return failure.Wrap(cause, failure.NotFound, fmt.Sprintf("object %s not found", path))
}
