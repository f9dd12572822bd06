package store

import (
	"context"

	"github.com/MimeLyc/video-pipeline/internal/config"
)

// Open returns the Postgres store when a DATABASE_URL is configured and the
// SQLite store otherwise. It only connects; run Migrate once at startup.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	if cfg.Driver() == "postgres" {
		return NewPostgresStore(ctx, cfg.URL)
	}
	return NewSQLiteStore(cfg.SQLitePath)
}

// Migrate brings the configured database schema up to date.
func Migrate(ctx context.Context, cfg config.DatabaseConfig) error {
	if cfg.Driver() == "postgres" {
		return MigratePostgres(ctx, cfg.URL)
	}
	st, err := NewSQLiteStore(cfg.SQLitePath)
	if err != nil {
		return err
	}
	return st.Close()
}
