package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MimeLyc/video-pipeline/internal/config"
	"github.com/MimeLyc/video-pipeline/pkg/log"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Store talks to S3 or an S3-compatible service such as R2.
type S3Store struct {
	bucket   string
	endpoint string
	baseURL  string

	maxRetries     int
	retryBaseDelay time.Duration

	client   *s3.Client
	uploader *manager.Uploader
	logger   *log.Logger
}

func NewS3Store(ctx context.Context, cfg config.StorageConfig) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.S3AccessKeyID, cfg.S3SecretAccessKey, "",
		)),
		awsconfig.WithRegion(cfg.S3Region),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Store{
		bucket:         cfg.Bucket,
		endpoint:       cfg.S3Endpoint,
		baseURL:        cfg.PublicBaseURL,
		maxRetries:     3,
		retryBaseDelay: 300 * time.Millisecond,
		client:         client,
		uploader:       manager.NewUploader(client),
		logger:         log.Named("storage.s3"),
	}, nil
}

func (s *S3Store) EnsureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}
	var nf *types.NotFound
	if !errors.As(err, &nf) {
		return fmt.Errorf("head bucket %s: %w", s.bucket, err)
	}
	if _, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	s.logger.Info("created bucket %s", s.bucket)
	return nil
}

// Upload retries transient failures with exponential backoff.
func (s *S3Store) Upload(ctx context.Context, data []byte, path, contentType string) (Object, error) {
	path, err := cleanPath(path)
	if err != nil {
		return Object{}, err
	}
	contentType = detectContentType(data, contentType)

	for attempt := 1; ; attempt++ {
		_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(path),
			Body:        bytes.NewReader(data),
			ContentType: aws.String(contentType),
		})
		if err == nil {
			return Object{Path: path, URL: s.PublicURL(path), Size: int64(len(data))}, nil
		}
		if attempt > s.maxRetries {
			return Object{}, fmt.Errorf("upload %s after %d attempts: %w", path, attempt, err)
		}

		delay := s.retryBaseDelay << (attempt - 1)
		s.logger.Warn("upload %s attempt %d failed, retrying in %s: %v", path, attempt, delay, err)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return Object{}, ctx.Err()
		}
	}
}

func (s *S3Store) Delete(ctx context.Context, path string) bool {
	path, err := cleanPath(path)
	if err != nil {
		s.logger.Warn("delete rejected: %v", err)
		return false
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		s.logger.Warn("delete %s failed: %v", path, err)
		return false
	}
	return true
}

func (s *S3Store) Stat(ctx context.Context, path string) (Info, error) {
	path, err := cleanPath(path)
	if err != nil {
		return Info{}, err
	}
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return Info{}, notFound(path, err)
		}
		return Info{}, fmt.Errorf("head %s: %w", path, err)
	}
	return Info{
		Path:        path,
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
		UpdatedAt:   aws.ToTime(out.LastModified),
	}, nil
}

func (s *S3Store) PublicURL(path string) string {
	if s.baseURL != "" {
		return joinURL(s.baseURL, path)
	}
	if s.endpoint != "" {
		return joinURL(joinURL(s.endpoint, s.bucket), path)
	}
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", s.bucket, path)
}

func (s *S3Store) Close() error {
	return nil
}
