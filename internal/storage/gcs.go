package storage

import (
	"context"
	"errors"
	"fmt"

	gcs "cloud.google.com/go/storage"
	"github.com/MimeLyc/video-pipeline/internal/config"
	"github.com/MimeLyc/video-pipeline/pkg/log"
	"google.golang.org/api/option"
)

type GCSStore struct {
	bucket  string
	baseURL string
	client  *gcs.Client
	logger  *log.Logger
}

// NewGCSStore uses the credentials file when given and application default
// credentials otherwise.
func NewGCSStore(ctx context.Context, cfg config.StorageConfig) (*GCSStore, error) {
	var opts []option.ClientOption
	if cfg.GCSCredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.GCSCredentialsFile))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage.NewClient: %w", err)
	}
	return &GCSStore{
		bucket:  cfg.Bucket,
		baseURL: cfg.PublicBaseURL,
		client:  client,
		logger:  log.Named("storage.gcs"),
	}, nil
}

// EnsureBucket only verifies the bucket. Creating one needs a project id this
// service does not hold.
func (s *GCSStore) EnsureBucket(ctx context.Context) error {
	if _, err := s.client.Bucket(s.bucket).Attrs(ctx); err != nil {
		if errors.Is(err, gcs.ErrBucketNotExist) {
			return fmt.Errorf("bucket %s does not exist", s.bucket)
		}
		return fmt.Errorf("bucket attrs %s: %w", s.bucket, err)
	}
	return nil
}

func (s *GCSStore) Upload(ctx context.Context, data []byte, path, contentType string) (Object, error) {
	path, err := cleanPath(path)
	if err != nil {
		return Object{}, err
	}

	wc := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	wc.ContentType = detectContentType(data, contentType)
	if _, err := wc.Write(data); err != nil {
		_ = wc.Close()
		return Object{}, fmt.Errorf("write %s: %w", path, err)
	}
	if err := wc.Close(); err != nil {
		return Object{}, fmt.Errorf("close writer %s: %w", path, err)
	}
	return Object{Path: path, URL: s.PublicURL(path), Size: int64(len(data))}, nil
}

func (s *GCSStore) Delete(ctx context.Context, path string) bool {
	path, err := cleanPath(path)
	if err != nil {
		s.logger.Warn("delete rejected: %v", err)
		return false
	}
	if err := s.client.Bucket(s.bucket).Object(path).Delete(ctx); err != nil {
		s.logger.Warn("delete %s failed: %v", path, err)
		return false
	}
	return true
}

func (s *GCSStore) Stat(ctx context.Context, path string) (Info, error) {
	path, err := cleanPath(path)
	if err != nil {
		return Info{}, err
	}
	attrs, err := s.client.Bucket(s.bucket).Object(path).Attrs(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return Info{}, notFound(path, err)
		}
		return Info{}, fmt.Errorf("attrs %s: %w", path, err)
	}
	return Info{
		Path:        path,
		Size:        attrs.Size,
		ContentType: attrs.ContentType,
		UpdatedAt:   attrs.Updated,
	}, nil
}

func (s *GCSStore) PublicURL(path string) string {
	if s.baseURL != "" {
		return joinURL(s.baseURL, path)
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", s.bucket, path)
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}
