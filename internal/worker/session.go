package worker

import (
	"context"
	"errors"

	"github.com/MimeLyc/video-pipeline/internal/config"
	"github.com/MimeLyc/video-pipeline/internal/media"
	"github.com/MimeLyc/video-pipeline/internal/pipeline"
	"github.com/MimeLyc/video-pipeline/internal/storage"
	"github.com/MimeLyc/video-pipeline/internal/store"
)

// Session is the execution context of one job.
type Session struct {
	Store   store.Store
	Objects storage.Client
}

func (s *Session) Close() error {
	var errs []error
	if s.Store != nil {
		errs = append(errs, s.Store.Close())
	}
	if s.Objects != nil {
		errs = append(errs, s.Objects.Close())
	}
	return errors.Join(errs...)
}

// SessionFactory opens a fresh session per job. Nothing is shared between
// jobs, so a job on the local fallback path never reuses another's clients.
type SessionFactory interface {
	Open(ctx context.Context) (*Session, error)
}

type configSessionFactory struct {
	database config.DatabaseConfig
	storage  config.StorageConfig
}

func NewSessionFactory(cfg *config.Config) SessionFactory {
	return configSessionFactory{database: cfg.Database, storage: cfg.Storage}
}

func (f configSessionFactory) Open(ctx context.Context) (*Session, error) {
	st, err := store.Open(ctx, f.database)
	if err != nil {
		return nil, err
	}
	objects, err := storage.New(ctx, f.storage)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return &Session{Store: st, Objects: objects}, nil
}

// Pipeline is the engine surface the runtime drives.
type Pipeline interface {
	ProcessUpload(ctx context.Context, project *store.Project) (*pipeline.UploadResult, error)
	RenderFinal(ctx context.Context, render *store.Render, project *store.Project) (*pipeline.RenderResult, error)
}

// PipelineFactory binds an engine to the object store of a session.
type PipelineFactory func(objects storage.Client) Pipeline

func EnginePipelines(backend media.Backend, opts ...pipeline.Option) PipelineFactory {
	return func(objects storage.Client) Pipeline {
		return pipeline.NewEngine(backend, objects, opts...)
	}
}
