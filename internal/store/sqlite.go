package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MimeLyc/video-pipeline/internal/failure"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version := migrationVersion(entry.Name())
		if version <= 0 {
			continue
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if exists > 0 {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// migrationVersion extracts the leading integer from a migration filename (e.g. "001_init.sql" → 1).
func migrationVersion(name string) int {
	for i, c := range name {
		if c < '0' || c > '9' {
			if i == 0 {
				return 0
			}
			n, _ := strconv.Atoi(name[:i])
			return n
		}
	}
	n, _ := strconv.Atoi(name)
	return n
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, user_id, name, original_url, proxy_url, thumbnail_url, duration, resolution,
			status, error_message, transcript_json, subtitle_styles_json, waveform_json, created_at, updated_at
		 FROM projects
		 WHERE id = ?`,
		id,
	)

	var p Project
	var status, transcript, styles string
	var waveform sql.NullString
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
		if errors.Is(err, sql.ErrNoRows) {
			return nil, failure.Newf(failure.NotFound, "project %s not found", id)
		}
		return nil, err
	}
	p.Status = ProjectStatus(status)
	if err := decodeProjectJSON(&p, []byte(transcript), []byte(styles), []byte(waveform.String)); err != nil {
		return nil, fmt.Errorf("decode project %s: %w", id, err)
	}
	return &p, nil
}

func (s *SQLiteStore) CreateProject(ctx context.Context, p *Project) error {
	if p == nil {
		return fmt.Errorf("project is nil")
	}
	applyProjectDefaults(p, time.Now().UTC())
	enc, err := encodeProjectJSON(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO projects (
			id, user_id, name, original_url, proxy_url, thumbnail_url, duration, resolution,
			status, error_message, transcript_json, subtitle_styles_json, waveform_json, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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

func (s *SQLiteStore) MarkProjectProcessing(ctx context.Context, id string, lease time.Duration) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET status = ?, error_message = '', updated_at = ?
		 WHERE id = ? AND (status <> ? OR updated_at < ?)`,
		string(ProjectProcessing), now, id, string(ProjectProcessing), now.Add(-lease),
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return err
	}
	if _, err := s.GetProject(ctx, id); err != nil {
		return err
	}
	return failure.Newf(failure.Busy, "project %s is already processing", id)
}

func (s *SQLiteStore) CompleteProject(ctx context.Context, id string, a ProjectArtifacts) error {
	return s.updateProject(ctx, id,
		`UPDATE projects SET
			proxy_url = ?, thumbnail_url = ?, duration = ?, resolution = ?, waveform_json = ?,
			status = ?, error_message = '', updated_at = ?
		 WHERE id = ?`,
		a.ProxyURL, a.ThumbnailURL, a.Duration, a.Resolution, nullableText(a.Waveform),
		string(ProjectReady), time.Now().UTC(), id,
	)
}

func (s *SQLiteStore) FailProject(ctx context.Context, id, message string) error {
	return s.updateProject(ctx, id,
		`UPDATE projects SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		string(ProjectError), message, time.Now().UTC(), id,
	)
}

func (s *SQLiteStore) updateProject(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return failure.Newf(failure.NotFound, "project %s not found", id)
	}
	return nil
}

func (s *SQLiteStore) GetRender(ctx context.Context, id string) (*Render, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, project_id, user_id, format, quality, resolution, include_subtitles, status, progress,
			output_url, output_size, error_message, created_at, started_at, completed_at
		 FROM renders
		 WHERE id = ?`,
		id,
	)

	var r Render
	var status string
	var includeSubtitles int
	var startedAt, completedAt sql.NullTime
	if err := row.Scan(
		&r.ID,
		&r.ProjectID,
		&r.UserID,
		&r.Format,
		&r.Quality,
		&r.Resolution,
		&includeSubtitles,
		&status,
		&r.Progress,
		&r.OutputURL,
		&r.OutputSize,
		&r.ErrorMessage,
		&r.CreatedAt,
		&startedAt,
		&completedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, failure.Newf(failure.NotFound, "render %s not found", id)
		}
		return nil, err
	}
	r.Status = RenderStatus(status)
	r.IncludeSubtitles = includeSubtitles != 0
	if startedAt.Valid {
		t := startedAt.Time
		r.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	return &r, nil
}

func (s *SQLiteStore) CreateRender(ctx context.Context, r *Render) error {
	if r == nil {
		return fmt.Errorf("render is nil")
	}
	applyRenderDefaults(r, time.Now().UTC())
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO renders (
			id, project_id, user_id, format, quality, resolution, include_subtitles, status, progress,
			output_url, output_size, error_message, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID,
		r.ProjectID,
		r.UserID,
		r.Format,
		r.Quality,
		r.Resolution,
		boolToInt(r.IncludeSubtitles),
		string(r.Status),
		r.Progress,
		r.OutputURL,
		r.OutputSize,
		r.ErrorMessage,
		r.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) StartRender(ctx context.Context, id string, at time.Time, lease time.Duration) error {
	return s.transitionRender(ctx, id,
		`UPDATE renders SET status = ?, started_at = ?, error_message = ''
		 WHERE id = ? AND status NOT IN ('completed', 'failed')
		   AND (status <> ? OR started_at IS NULL OR started_at < ?)`,
		string(RenderProcessing), at.UTC(), id, string(RenderProcessing), at.UTC().Add(-lease),
	)
}

func (s *SQLiteStore) CompleteRender(ctx context.Context, id string, out RenderOutput, at time.Time) error {
	return s.transitionRender(ctx, id,
		`UPDATE renders SET status = ?, progress = 100, output_url = ?, output_size = ?, completed_at = ?
		 WHERE id = ? AND status NOT IN ('completed', 'failed')`,
		string(RenderCompleted), out.URL, out.Size, at.UTC(), id,
	)
}

func (s *SQLiteStore) FailRender(ctx context.Context, id, message string, at time.Time) error {
	return s.transitionRender(ctx, id,
		`UPDATE renders SET status = ?, error_message = ?, completed_at = ?
		 WHERE id = ? AND status NOT IN ('completed', 'failed')`,
		string(RenderFailed), message, at.UTC(), id,
	)
}

// transitionRender runs a guarded update and, when nothing matched, tells a
// missing render apart from a terminal or already claimed one.
func (s *SQLiteStore) transitionRender(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil || n > 0 {
		return err
	}
	r, err := s.GetRender(ctx, id)
	if err != nil {
		return err
	}
	return unmatchedRender(r)
}

func nullableText(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
