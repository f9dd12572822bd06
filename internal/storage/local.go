package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/MimeLyc/video-pipeline/pkg/log"
	"github.com/gabriel-vasile/mimetype"
)

// LocalStore keeps objects under root/bucket on the local filesystem.
type LocalStore struct {
	root    string
	bucket  string
	baseURL string
	logger  *log.Logger
}

func NewLocalStore(root, bucket, baseURL string) (*LocalStore, error) {
	if root == "" {
		return nil, fmt.Errorf("local storage root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	return &LocalStore{
		root:    abs,
		bucket:  bucket,
		baseURL: baseURL,
		logger:  log.Named("storage.local"),
	}, nil
}

func (s *LocalStore) bucketDir() string {
	return filepath.Join(s.root, s.bucket)
}

func (s *LocalStore) filePath(path string) string {
	return filepath.Join(s.bucketDir(), filepath.FromSlash(path))
}

func (s *LocalStore) EnsureBucket(context.Context) error {
	return os.MkdirAll(s.bucketDir(), 0o755)
}

func (s *LocalStore) Upload(ctx context.Context, data []byte, path, contentType string) (Object, error) {
	path, err := cleanPath(path)
	if err != nil {
		return Object{}, err
	}
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}

	target := s.filePath(path)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return Object{}, fmt.Errorf("create object dir: %w", err)
	}
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return Object{}, fmt.Errorf("write object: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return Object{}, fmt.Errorf("commit object: %w", err)
	}

	s.logger.Debug("stored %s (%d bytes, %s)", path, len(data), detectContentType(data, contentType))
	return Object{Path: path, URL: s.PublicURL(path), Size: int64(len(data))}, nil
}

func (s *LocalStore) Delete(_ context.Context, path string) bool {
	path, err := cleanPath(path)
	if err != nil {
		s.logger.Warn("delete rejected: %v", err)
		return false
	}
	if err := os.Remove(s.filePath(path)); err != nil {
		s.logger.Warn("delete %s failed: %v", path, err)
		return false
	}
	return true
}

func (s *LocalStore) Stat(_ context.Context, path string) (Info, error) {
	path, err := cleanPath(path)
	if err != nil {
		return Info{}, err
	}
	target := s.filePath(path)
	fi, err := os.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return Info{}, notFound(path, err)
		}
		return Info{}, err
	}
	contentType := "application/octet-stream"
	if mt, err := mimetype.DetectFile(target); err == nil {
		contentType = mt.String()
	}
	return Info{
		Path:        path,
		Size:        fi.Size(),
		ContentType: contentType,
		UpdatedAt:   fi.ModTime(),
	}, nil
}

func (s *LocalStore) PublicURL(path string) string {
	if s.baseURL != "" {
		return joinURL(s.baseURL, path)
	}
	return "file://" + filepath.ToSlash(s.filePath(path))
}

func (s *LocalStore) Close() error {
	return nil
}
