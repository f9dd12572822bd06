package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/MimeLyc/video-pipeline/pkg/icron"
	"github.com/MimeLyc/video-pipeline/pkg/log"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds all application configuration.
//
// Environment Variables:
// Queue:
// - REDIS_URL: durable queue endpoint; empty runs every job through the local fallback
// - QUEUE_PROCESS_NAME / QUEUE_RENDER_NAME: queue names (default: video_processing / video_rendering)
// - QUEUE_PROCESS_TIMEOUT / QUEUE_RENDER_TIMEOUT: per-kind job timeout (default: 30m / 60m)
//
// Storage:
// - STORAGE_BACKEND: local, minio, s3 or gcs (default: local)
// - STORAGE_BUCKET: bucket name (default: video-editor)
// - STORAGE_PUBLIC_BASE_URL: prefix for public artifact URLs (optional)
// - STORAGE_LOCAL_DIR: root for the local backend (default: $DATA_DIR/objects)
// - S3_ENDPOINT, S3_REGION, S3_ACCESS_KEY_ID, S3_SECRET_ACCESS_KEY
// - MINIO_ENDPOINT, MINIO_ACCESS_KEY, MINIO_SECRET_KEY, MINIO_USE_SSL
// - GCS_CREDENTIALS_FILE
//
// Database:
// - DATABASE_URL: postgres DSN; empty uses sqlite at $DATA_DIR/pipeline.db
//
// Worker / Media:
// - WORKER_CONCURRENCY (default: 1), WORKER_POLL_WAIT (default: 5s), SCRATCH_DIR
// - FFMPEG_PATH, FFPROBE_PATH, MEDIA_TIMEOUT (default: 60m), DOWNLOAD_TIMEOUT (default: 10m)
//
// System:
// - DATA_DIR (default: /app/data), LOG_LEVEL (default: info), LOG_FILE
// - HTTP_ADDR (default: :8080)
// - AMQP_URL, EVENTS_EXCHANGE (default: video.events)
// - SENTRY_DSN, SENTRY_ENVIRONMENT
// - MAINTENANCE_CRON (default: @every 10m), JOURNAL_RETENTION (default: 168h)
type Config struct {
	Queue       QueueConfig       `json:"queue"`
	Storage     StorageConfig     `json:"storage"`
	Database    DatabaseConfig    `json:"database"`
	Worker      WorkerConfig      `json:"worker"`
	Media       MediaConfig       `json:"media"`
	HTTP        HTTPConfig        `json:"http"`
	Events      EventsConfig      `json:"events"`
	Sentry      SentryConfig      `json:"sentry"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	System      SystemConfig      `json:"system"`
}

type QueueConfig struct {
	RedisURL       string        `json:"-"`
	ProcessQueue   string        `json:"process_queue" validate:"required"`
	RenderQueue    string        `json:"render_queue" validate:"required,nefield=ProcessQueue"`
	ProcessTimeout time.Duration `json:"process_timeout" validate:"gt=0"`
	RenderTimeout  time.Duration `json:"render_timeout" validate:"gt=0"`
}

// Configured reports whether a durable queue endpoint was given.
func (c QueueConfig) Configured() bool {
	return strings.TrimSpace(c.RedisURL) != ""
}

type StorageConfig struct {
	Backend       string `json:"backend" validate:"required,oneof=local minio s3 gcs"`
	Bucket        string `json:"bucket" validate:"required"`
	PublicBaseURL string `json:"public_base_url"`
	LocalDir      string `json:"local_dir" validate:"required_if=Backend local"`

	S3Endpoint        string `json:"s3_endpoint"`
	S3Region          string `json:"s3_region" validate:"required_if=Backend s3"`
	S3AccessKeyID     string `json:"-" validate:"required_if=Backend s3"`
	S3SecretAccessKey string `json:"-" validate:"required_if=Backend s3"`

	MinioEndpoint  string `json:"minio_endpoint" validate:"required_if=Backend minio"`
	MinioAccessKey string `json:"-" validate:"required_if=Backend minio"`
	MinioSecretKey string `json:"-" validate:"required_if=Backend minio"`
	MinioUseSSL    bool   `json:"minio_use_ssl"`

	GCSCredentialsFile string `json:"gcs_credentials_file"`
}

type DatabaseConfig struct {
	URL        string `json:"-"`
	SQLitePath string `json:"sqlite_path"`
}

// Driver returns "postgres" when a DATABASE_URL is set and "sqlite" otherwise.
func (c DatabaseConfig) Driver() string {
	if strings.TrimSpace(c.URL) != "" {
		return "postgres"
	}
	return "sqlite"
}

type WorkerConfig struct {
	Concurrency int           `json:"concurrency" validate:"gte=1"`
	PollWait    time.Duration `json:"poll_wait" validate:"gt=0"`
	ScratchDir  string        `json:"scratch_dir" validate:"required"`
}

type MediaConfig struct {
	FFmpegPath      string        `json:"ffmpeg_path" validate:"required"`
	FFprobePath     string        `json:"ffprobe_path" validate:"required"`
	Timeout         time.Duration `json:"timeout" validate:"gte=0"`
	DownloadTimeout time.Duration `json:"download_timeout" validate:"gt=0"`
}

type HTTPConfig struct {
	Addr string `json:"addr" validate:"required"`
}

type EventsConfig struct {
	AMQPURL  string `json:"-"`
	Exchange string `json:"exchange" validate:"required"`
}

type SentryConfig struct {
	DSN         string `json:"-"`
	Environment string `json:"environment"`
}

type MaintenanceConfig struct {
	CronExpr         string        `json:"cron_expr" validate:"required"`
	JournalRetention time.Duration `json:"journal_retention" validate:"gt=0"`
}

type SystemConfig struct {
	DataDir  string `json:"data_dir" validate:"required"`
	LogLevel string `json:"log_level" validate:"oneof=debug info warn warning error fatal"`
	LogFile  string `json:"log_file"`
}

// JournalPath is the pebble directory for the local fallback job journal.
func (c *Config) JournalPath() string {
	return filepath.Join(c.System.DataDir, "journal")
}

// Option is a function type for configuring Config
type Option func(*Config)

// LoadDotEnv loads the given .env files (or ./.env) into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	existing := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// NewFromEnv creates a new Config instance with values from environment variables and options
func NewFromEnv(opts ...Option) (*Config, error) {
	dataDir := getEnvString("DATA_DIR", "/app/data")

	config := &Config{
		Queue: QueueConfig{
			RedisURL:       getEnvString("REDIS_URL", ""),
			ProcessQueue:   getEnvString("QUEUE_PROCESS_NAME", "video_processing"),
			RenderQueue:    getEnvString("QUEUE_RENDER_NAME", "video_rendering"),
			ProcessTimeout: getEnvDuration("QUEUE_PROCESS_TIMEOUT", 30*time.Minute),
			RenderTimeout:  getEnvDuration("QUEUE_RENDER_TIMEOUT", 60*time.Minute),
		},
		Storage: StorageConfig{
			Backend:            strings.ToLower(getEnvString("STORAGE_BACKEND", "local")),
			Bucket:             getEnvString("STORAGE_BUCKET", "video-editor"),
			PublicBaseURL:      getEnvString("STORAGE_PUBLIC_BASE_URL", ""),
			LocalDir:           getEnvString("STORAGE_LOCAL_DIR", filepath.Join(dataDir, "objects")),
			S3Endpoint:         getEnvString("S3_ENDPOINT", ""),
			S3Region:           getEnvString("S3_REGION", "auto"),
			S3AccessKeyID:      getEnvString("S3_ACCESS_KEY_ID", ""),
			S3SecretAccessKey:  getEnvString("S3_SECRET_ACCESS_KEY", ""),
			MinioEndpoint:      getEnvString("MINIO_ENDPOINT", ""),
			MinioAccessKey:     getEnvString("MINIO_ACCESS_KEY", ""),
			MinioSecretKey:     getEnvString("MINIO_SECRET_KEY", ""),
			MinioUseSSL:        getEnvBool("MINIO_USE_SSL", false),
			GCSCredentialsFile: getEnvString("GCS_CREDENTIALS_FILE", ""),
		},
		Database: DatabaseConfig{
			URL:        getEnvString("DATABASE_URL", ""),
			SQLitePath: filepath.Join(dataDir, "pipeline.db"),
		},
		Worker: WorkerConfig{
			Concurrency: getEnvInt("WORKER_CONCURRENCY", 1),
			PollWait:    getEnvDuration("WORKER_POLL_WAIT", 5*time.Second),
			ScratchDir:  getEnvString("SCRATCH_DIR", filepath.Join(os.TempDir(), "video-pipeline")),
		},
		Media: MediaConfig{
			FFmpegPath:      getEnvString("FFMPEG_PATH", "ffmpeg"),
			FFprobePath:     getEnvString("FFPROBE_PATH", "ffprobe"),
			Timeout:         getEnvDuration("MEDIA_TIMEOUT", 60*time.Minute),
			DownloadTimeout: getEnvDuration("DOWNLOAD_TIMEOUT", 10*time.Minute),
		},
		HTTP: HTTPConfig{
			Addr: getEnvString("HTTP_ADDR", ":8080"),
		},
		Events: EventsConfig{
			AMQPURL:  getEnvString("AMQP_URL", ""),
			Exchange: getEnvString("EVENTS_EXCHANGE", "video.events"),
		},
		Sentry: SentryConfig{
			DSN:         getEnvString("SENTRY_DSN", ""),
			Environment: getEnvString("SENTRY_ENVIRONMENT", "development"),
		},
		Maintenance: MaintenanceConfig{
			CronExpr:         getEnvString("MAINTENANCE_CRON", "@every 10m"),
			JournalRetention: getEnvDuration("JOURNAL_RETENTION", 168*time.Hour),
		},
		System: SystemConfig{
			DataDir:  dataDir,
			LogLevel: strings.ToLower(getEnvString("LOG_LEVEL", "info")),
			LogFile:  getEnvString("LOG_FILE", ""),
		},
	}

	for _, opt := range opts {
		opt(config)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	log.Info("Config: queue=%t storage=%s database=%s scratch=%s",
		config.Queue.Configured(), config.Storage.Backend, config.Database.Driver(), config.Worker.ScratchDir)

	return config, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// validate checks if all required configuration is properly set
func (c *Config) validate() error {
	err := validate.Struct(c)
	if err == nil {
		if _, cerr := icron.Parse(c.Maintenance.CronExpr); cerr != nil {
			return fmt.Errorf("invalid config: MAINTENANCE_CRON: %w", cerr)
		}
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("45m") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
