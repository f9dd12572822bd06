// Package pipeline runs the media transformation steps for one project or
// render inside a private scratch directory. It persists nothing; callers
// record the returned result or failure.
package pipeline

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/MimeLyc/video-pipeline/internal/media"
	"github.com/MimeLyc/video-pipeline/internal/storage"
	"github.com/MimeLyc/video-pipeline/pkg/file"
	"github.com/MimeLyc/video-pipeline/pkg/log"
)

type Engine struct {
	media       media.Backend
	objects     storage.Client
	httpClient  *http.Client
	scratchRoot string
	logger      *log.Logger

	downloadTimeout time.Duration
	fileRoot        string
}

type Option func(*Engine)

func WithScratchRoot(dir string) Option {
	return func(e *Engine) {
		if dir != "" {
			e.scratchRoot = dir
		}
	}
}

// WithHTTPClient replaces the download client. The engine works on a copy,
// so later options never modify c.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) {
		if c != nil {
			e.httpClient = c
		}
	}
}

func WithDownloadTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.downloadTimeout = d
		}
	}
}

// WithLocalFiles lets sources be read from file:// URLs under root, where
// the local object store keeps its objects. Without it file:// URLs fail.
func WithLocalFiles(root string) Option {
	return func(e *Engine) {
		if root == "" {
			return
		}
		if abs, err := filepath.Abs(root); err == nil {
			root = abs
		}
		e.fileRoot = root
	}
}

func NewEngine(backend media.Backend, objects storage.Client, opts ...Option) *Engine {
	e := &Engine{
		media:       backend,
		objects:     objects,
		scratchRoot: os.TempDir(),
		logger:      log.Named("pipeline"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.httpClient = newHTTPClient(e.httpClient, e.fileRoot, e.downloadTimeout)
	return e
}

// scratch creates an exclusive working directory for one job. The returned
// cleanup removes it and everything inside.
func (e *Engine) scratch(kind, id string) (string, func(), error) {
	if err := os.MkdirAll(e.scratchRoot, 0o755); err != nil {
		return "", nil, fmt.Errorf("create scratch root: %w", err)
	}
	dir, err := os.MkdirTemp(e.scratchRoot, file.TempPattern(kind, id))
	if err != nil {
		return "", nil, fmt.Errorf("create scratch dir: %w", err)
	}
	cleanup := func() {
		if err := os.RemoveAll(dir); err != nil {
			e.logger.Warn("failed to remove scratch dir %s: %v", dir, err)
		}
	}
	return dir, cleanup, nil
}
