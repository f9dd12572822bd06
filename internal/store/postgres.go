package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MimeLyc/video-pipeline/internal/failure"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed postgres_migrations/*.sql
var postgresMigrations embed.FS

type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn. The schema is expected to be in place;
// see MigratePostgres.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := connectPostgres(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func connectPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// goose keeps its base FS and dialect in package globals.
var gooseMu sync.Mutex

// MigratePostgres applies pending goose migrations to the database at dsn.
func MigratePostgres(ctx context.Context, dsn string) error {
	pool, err := connectPostgres(ctx, dsn)
	if err != nil {
		return err
	}
	defer pool.Close()

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	gooseMu.Lock()
	defer gooseMu.Unlock()
	goose.SetBaseFS(postgresMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "postgres_migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, id string) (*Project, error) {
	row := s.pool.QueryRow(
		ctx,
		`SELECT id, user_id, name, original_url, proxy_url, thumbnail_url, duration, resolution,
			status, error_message, transcript, subtitle_styles, waveform, created_at, updated_at
		 FROM projects
		 WHERE id = $1`,
		id,
	)

	var p Project
	var status string
	var transcript, styles, waveform []byte
	if err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.Name,
		&p.OriginalURL,
		&p.ProxyURL,
		&p.ThumbnailURL,
		&p.Duration,
		&p.Resolution,
		&status,
		&p.ErrorMessage,
		&transcript,
		&styles,
		&waveform,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, failure.Newf(failure.NotFound, "project %s not found", id)
		}
		return nil, err
	}
	p.Status = ProjectStatus(status)
	if err := decodeProjectJSON(&p, transcript, styles, waveform); err != nil {
		return nil, fmt.Errorf("decode project %s: %w", id, err)
	}
	return &p, nil
}

func (s *PostgresStore) CreateProject(ctx context.Context, p *Project) error {
	if p == nil {
		return fmt.Errorf("project is nil")
	}
	applyProjectDefaults(p, time.Now().UTC())
	enc, err := encodeProjectJSON(p)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(
		ctx,
		`INSERT INTO projects (
			id, user_id, name, original_url, proxy_url, thumbnail_url, duration, resolution,
			status, error_message, transcript, subtitle_styles, waveform, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		p.ID,
		p.UserID,
		p.Name,
		p.OriginalURL,
		p.ProxyURL,
		p.ThumbnailURL,
		p.Duration,
		p.Resolution,
		string(p.Status),
		p.ErrorMessage,
		string(enc.transcript),
		string(enc.styles),
		nullableText(enc.waveform),
		p.CreatedAt,
		p.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) MarkProjectProcessing(ctx context.Context, id string, lease time.Duration) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE projects SET status = $1, error_message = '', updated_at = $2
		 WHERE id = $3 AND (status <> $1 OR updated_at < $4)`,
		string(ProjectProcessing), now, id, now.Add(-lease),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.GetProject(ctx, id); err != nil {
		return err
	}
	return failure.Newf(failure.Busy, "project %s is already processing", id)
}

func (s *PostgresStore) CompleteProject(ctx context.Context, id string, a ProjectArtifacts) error {
	return s.updateProject(ctx, id,
		`UPDATE projects SET
			proxy_url = $1, thumbnail_url = $2, duration = $3, resolution = $4, waveform = $5,
			status = $6, error_message = '', updated_at = $7
		 WHERE id = $8`,
		a.ProxyURL, a.ThumbnailURL, a.Duration, a.Resolution, nullableText(a.Waveform),
		string(ProjectReady), time.Now().UTC(), id,
	)
}

func (s *PostgresStore) FailProject(ctx context.Context, id, message string) error {
	return s.updateProject(ctx, id,
		`UPDATE projects SET status = $1, error_message = $2, updated_at = $3 WHERE id = $4`,
		string(ProjectError), message, time.Now().UTC(), id,
	)
}

func (s *PostgresStore) updateProject(ctx context.Context, id, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return failure.Newf(failure.NotFound, "project %s not found", id)
	}
	return nil
}

func (s *PostgresStore) GetRender(ctx context.Context, id string) (*Render, error) {
	row := s.pool.QueryRow(
		ctx,
		`SELECT id, project_id, user_id, format, quality, resolution, include_subtitles, status, progress,
			output_url, output_size, error_message, created_at, started_at, completed_at
		 FROM renders
		 WHERE id = $1`,
		id,
	)

	var r Render
	var status string
	if err := row.Scan(
		&r.ID,
		&r.ProjectID,
		&r.UserID,
		&r.Format,
		&r.Quality,
		&r.Resolution,
		&r.IncludeSubtitles,
		&status,
		&r.Progress,
		&r.OutputURL,
		&r.OutputSize,
		&r.ErrorMessage,
		&r.CreatedAt,
		&r.StartedAt,
		&r.CompletedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, failure.Newf(failure.NotFound, "render %s not found", id)
		}
		return nil, err
	}
	r.Status = RenderStatus(status)
	return &r, nil
}

func (s *PostgresStore) CreateRender(ctx context.Context, r *Render) error {
	if r == nil {
		return fmt.Errorf("render is nil")
	}
	applyRenderDefaults(r, time.Now().UTC())
	_, err := s.pool.Exec(
		ctx,
		`INSERT INTO renders (
			id, project_id, user_id, format, quality, resolution, include_subtitles, status, progress,
			output_url, output_size, error_message, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		r.ID,
		r.ProjectID,
		r.UserID,
		r.Format,
		r.Quality,
		r.Resolution,
		r.IncludeSubtitles,
		string(r.Status),
		r.Progress,
		r.OutputURL,
		r.OutputSize,
		r.ErrorMessage,
		r.CreatedAt,
	)
	return err
}

func (s *PostgresStore) StartRender(ctx context.Context, id string, at time.Time, lease time.Duration) error {
	return s.transitionRender(ctx, id,
		`UPDATE renders SET status = $1, started_at = $2, error_message = ''
		 WHERE id = $3 AND status NOT IN ('completed', 'failed')
		   AND (status <> $1 OR started_at IS NULL OR started_at < $4)`,
		string(RenderProcessing), at.UTC(), id, at.UTC().Add(-lease),
	)
}

func (s *PostgresStore) CompleteRender(ctx context.Context, id string, out RenderOutput, at time.Time) error {
	return s.transitionRender(ctx, id,
		`UPDATE renders SET status = $1, progress = 100, output_url = $2, output_size = $3, completed_at = $4
		 WHERE id = $5 AND status NOT IN ('completed', 'failed')`,
		string(RenderCompleted), out.URL, out.Size, at.UTC(), id,
	)
}

func (s *PostgresStore) FailRender(ctx context.Context, id, message string, at time.Time) error {
	return s.transitionRender(ctx, id,
		`UPDATE renders SET status = $1, error_message = $2, completed_at = $3
		 WHERE id = $4 AND status NOT IN ('completed', 'failed')`,
		string(RenderFailed), message, at.UTC(), id,
	)
}

func (s *PostgresStore) transitionRender(ctx context.Context, id, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	r, err := s.GetRender(ctx, id)
	if err != nil {
		return err
	}
	return unmatchedRender(r)
}
