package storage

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/MimeLyc/video-pipeline/internal/config"
	"github.com/MimeLyc/video-pipeline/pkg/log"
	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioStore struct {
	bucket   string
	endpoint string
	secure   bool
	baseURL  string
	client   *minio.Client
	logger   *log.Logger
}

func NewMinioStore(cfg config.StorageConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  miniocreds.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinioStore{
		bucket:   cfg.Bucket,
		endpoint: cfg.MinioEndpoint,
		secure:   cfg.MinioUseSSL,
		baseURL:  cfg.PublicBaseURL,
		client:   client,
		logger:   log.Named("storage.minio"),
	}, nil
}

func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	s.logger.Info("created bucket %s", s.bucket)
	return nil
}

func (s *MinioStore) Upload(ctx context.Context, data []byte, path, contentType string) (Object, error) {
	path, err := cleanPath(path)
	if err != nil {
		return Object{}, err
	}
	info, err := s.client.PutObject(
		ctx,
		s.bucket,
		path,
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{
			ContentType: detectContentType(data, contentType),
		},
	)
	if err != nil {
		return Object{}, fmt.Errorf("put object %s: %w", path, err)
	}
	return Object{Path: path, URL: s.PublicURL(path), Size: info.Size}, nil
}

func (s *MinioStore) Delete(ctx context.Context, path string) bool {
	path, err := cleanPath(path)
	if err != nil {
		s.logger.Warn("delete rejected: %v", err)
		return false
	}
	if err := s.client.RemoveObject(ctx, s.bucket, path, minio.RemoveObjectOptions{}); err != nil {
		s.logger.Warn("delete %s failed: %v", path, err)
		return false
	}
	return true
}

func (s *MinioStore) Stat(ctx context.Context, path string) (Info, error) {
	path, err := cleanPath(path)
	if err != nil {
		return Info{}, err
	}
	obj, err := s.client.StatObject(ctx, s.bucket, path, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey" {
			return Info{}, notFound(path, err)
		}
		return Info{}, fmt.Errorf("stat %s: %w", path, err)
	}
	return Info{
		Path:        path,
		Size:        obj.Size,
		ContentType: obj.ContentType,
		UpdatedAt:   obj.LastModified,
	}, nil
}

func (s *MinioStore) PublicURL(path string) string {
	if s.baseURL != "" {
		return joinURL(s.baseURL, path)
	}
	scheme := "http"
	if s.secure {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, s.endpoint, s.bucket, path)
}

func (s *MinioStore) Close() error {
	return nil
}
