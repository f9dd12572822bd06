package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MimeLyc/video-pipeline/internal/failure"
	"github.com/MimeLyc/video-pipeline/internal/subtitle"
	"github.com/google/uuid"
)

type ProjectStatus string

const (
	ProjectUploading  ProjectStatus = "uploading"
	ProjectProcessing ProjectStatus = "processing"
	ProjectReady      ProjectStatus = "ready"
	ProjectError      ProjectStatus = "error"
)

type RenderStatus string

const (
	RenderQueued     RenderStatus = "queued"
	RenderProcessing RenderStatus = "processing"
	RenderCompleted  RenderStatus = "completed"
	RenderFailed     RenderStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s RenderStatus) Terminal() bool {
	return s == RenderCompleted || s == RenderFailed
}

// ErrRenderTerminal is returned when a completed or failed render is mutated.
// Retrying a render means creating a new one.
var ErrRenderTerminal = errors.New("render is in a terminal state")

type Project struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	Name           string          `json:"name"`
	OriginalURL    string          `json:"original_url"`
	ProxyURL       string          `json:"proxy_url,omitempty"`
	ThumbnailURL   string          `json:"thumbnail_url,omitempty"`
	Duration       float64         `json:"duration"`
	Resolution     string          `json:"resolution,omitempty"`
	Status         ProjectStatus   `json:"status"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	Transcript     []subtitle.Cue  `json:"transcript"`
	SubtitleStyles subtitle.Style  `json:"subtitle_styles"`
	Waveform       json.RawMessage `json:"waveform,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// ProjectArtifacts is what a successful ingest writes back onto a project.
type ProjectArtifacts struct {
	ProxyURL     string
	ThumbnailURL string
	Duration     float64
	Resolution   string
	Waveform     json.RawMessage
}

type Render struct {
	ID               string       `json:"id"`
	ProjectID        string       `json:"project_id"`
	UserID           string       `json:"user_id"`
	Format           string       `json:"format"`
	Quality          string       `json:"quality"`
	Resolution       string       `json:"resolution"`
	IncludeSubtitles bool         `json:"include_subtitles"`
	Status           RenderStatus `json:"status"`
	Progress         int          `json:"progress"`
	OutputURL        string       `json:"output_url,omitempty"`
	OutputSize       int64        `json:"output_size,omitempty"`
	ErrorMessage     string       `json:"error_message,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	StartedAt        *time.Time   `json:"started_at,omitempty"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty"`
}

type RenderOutput struct {
	URL  string
	Size int64
}

// Store is the job status store. Lookups of unknown ids return a
// failure.NotFound error.
type Store interface {
	GetProject(ctx context.Context, id string) (*Project, error)
	CreateProject(ctx context.Context, p *Project) error
	// MarkProjectProcessing claims the project for one run. A project that
	// another run moved to processing less than lease ago yields a
	// failure.Busy error.
	MarkProjectProcessing(ctx context.Context, id string, lease time.Duration) error
	CompleteProject(ctx context.Context, id string, artifacts ProjectArtifacts) error
	FailProject(ctx context.Context, id, message string) error

	GetRender(ctx context.Context, id string) (*Render, error)
	CreateRender(ctx context.Context, r *Render) error
	// StartRender claims the render the same way, comparing started_at with
	// at minus lease.
	StartRender(ctx context.Context, id string, at time.Time, lease time.Duration) error
	CompleteRender(ctx context.Context, id string, out RenderOutput, at time.Time) error
	FailRender(ctx context.Context, id, message string, at time.Time) error

	Close() error
}

// unmatchedRender explains why a guarded render update changed nothing.
func unmatchedRender(r *Render) error {
	if r.Status.Terminal() {
		return ErrRenderTerminal
	}
	return failure.Newf(failure.Busy, "render %s is already processing", r.ID)
}

func NewID() string {
	return uuid.NewString()
}

// applyProjectDefaults fills the fields a caller may leave empty on create.
func applyProjectDefaults(p *Project, now time.Time) {
	if p.ID == "" {
		p.ID = NewID()
	}
	if p.Status == "" {
		p.Status = ProjectUploading
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
}

func applyRenderDefaults(r *Render, now time.Time) {
	if r.ID == "" {
		r.ID = NewID()
	}
	if r.Format == "" {
		r.Format = "mp4"
	}
	if r.Quality == "" {
		r.Quality = "medium"
	}
	if r.Resolution == "" {
		r.Resolution = "original"
	}
	if r.Status == "" {
		r.Status = RenderQueued
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
}

type projectJSON struct {
	transcript []byte
	styles     []byte
	waveform   []byte
}

func encodeProjectJSON(p *Project) (projectJSON, error) {
	transcript := p.Transcript
	if transcript == nil {
		transcript = []subtitle.Cue{}
	}
	t, err := json.Marshal(transcript)
	if err != nil {
		return projectJSON{}, err
	}
	s, err := json.Marshal(p.SubtitleStyles)
	if err != nil {
		return projectJSON{}, err
	}
	var w []byte
	if len(p.Waveform) > 0 {
		w = p.Waveform
	}
	return projectJSON{transcript: t, styles: s, waveform: w}, nil
}

func decodeProjectJSON(p *Project, transcript, styles, waveform []byte) error {
	if len(transcript) > 0 {
		if err := json.Unmarshal(transcript, &p.Transcript); err != nil {
			return err
		}
	}
	if len(styles) > 0 {
		if err := json.Unmarshal(styles, &p.SubtitleStyles); err != nil {
			return err
		}
	}
	if len(waveform) > 0 {
		p.Waveform = json.RawMessage(waveform)
	}
	return nil
}
