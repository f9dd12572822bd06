package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFromEnv_Defaults(t *testing.T) {
	t.Setenv("DATA_DIR", "/tmp/vp-data")
	t.Setenv("REDIS_URL", "")

	cfg, err := NewFromEnv()
	require.NoError(t, err)

	assert.False(t, cfg.Queue.Configured())
	assert.Equal(t, "video_processing", cfg.Queue.ProcessQueue)
	assert.Equal(t, "video_rendering", cfg.Queue.RenderQueue)
	assert.Equal(t, 30*time.Minute, cfg.Queue.ProcessTimeout)
	assert.Equal(t, 60*time.Minute, cfg.Queue.RenderTimeout)
	assert.Equal(t, "local", cfg.Storage.Backend)
	assert.Equal(t, "video-editor", cfg.Storage.Bucket)
	assert.Equal(t, filepath.Join("/tmp/vp-data", "objects"), cfg.Storage.LocalDir)
	assert.Equal(t, "sqlite", cfg.Database.Driver())
	assert.Equal(t, filepath.Join("/tmp/vp-data", "pipeline.db"), cfg.Database.SQLitePath)
	assert.Equal(t, filepath.Join("/tmp/vp-data", "journal"), cfg.JournalPath())
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 1, cfg.Worker.Concurrency)
	assert.Equal(t, "@every 10m", cfg.Maintenance.CronExpr)
}

func TestNewFromEnv_Overrides(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("QUEUE_PROCESS_TIMEOUT", "45m")
	t.Setenv("QUEUE_RENDER_TIMEOUT", "7200")
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost/db")
	t.Setenv("WORKER_CONCURRENCY", "4")
	t.Setenv("MINIO_USE_SSL", "true")

	cfg, err := NewFromEnv()
	require.NoError(t, err)

	assert.True(t, cfg.Queue.Configured())
	assert.Equal(t, 45*time.Minute, cfg.Queue.ProcessTimeout)
	assert.Equal(t, 2*time.Hour, cfg.Queue.RenderTimeout)
	assert.Equal(t, "postgres", cfg.Database.Driver())
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.True(t, cfg.Storage.MinioUseSSL)
}

func TestNewFromEnv_RejectsUnknownBackend(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "ftp")

	_, err := NewFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Backend")
}

func TestNewFromEnv_RejectsInvalidCron(t *testing.T) {
	t.Setenv("MAINTENANCE_CRON", "every ten minutes")

	_, err := NewFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAINTENANCE_CRON")
}

func TestNewFromEnv_S3RequiresCredentials(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "s3")
	t.Setenv("S3_ACCESS_KEY_ID", "")
	t.Setenv("S3_SECRET_ACCESS_KEY", "")

	_, err := NewFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "S3AccessKeyID")
}

func TestNewFromEnv_OptionApplied(t *testing.T) {
	cfg, err := NewFromEnv(func(c *Config) {
		c.Worker.Concurrency = 3
	})
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Worker.Concurrency)

	_, err = NewFromEnv(func(c *Config) {
		c.Worker.Concurrency = 0
	})
	require.Error(t, err)
}

func TestLoadDotEnv_DoesNotOverrideExisting(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("HTTP_ADDR=:9999\nEVENTS_EXCHANGE=from-file\n"), 0o600))

	t.Setenv("HTTP_ADDR", ":7777")
	t.Setenv("EVENTS_EXCHANGE", "")
	require.NoError(t, os.Unsetenv("EVENTS_EXCHANGE"))

	require.NoError(t, LoadDotEnv(envFile, filepath.Join(dir, "missing.env")))
	t.Cleanup(func() { _ = os.Unsetenv("EVENTS_EXCHANGE") })

	assert.Equal(t, ":7777", os.Getenv("HTTP_ADDR"))
	assert.Equal(t, "from-file", os.Getenv("EVENTS_EXCHANGE"))
}
