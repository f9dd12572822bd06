package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MimeLyc/video-pipeline/internal/jobs"
	"github.com/MimeLyc/video-pipeline/pkg/log"
)

// Dispatcher is the job surface the API exposes.
type Dispatcher interface {
	Enqueue(ctx context.Context, kind jobs.Kind, entityID string) (string, error)
	Status(ctx context.Context, id string) (*jobs.Job, error)
	Cancel(ctx context.Context, id string) (bool, error)
	Info(ctx context.Context) jobs.Info
	RequeueFailed(ctx context.Context) (int, error)
}

// LocalJobs lists jobs run by the in-process fallback.
type LocalJobs interface {
	List() []*jobs.Job
}

type Server struct {
	dispatcher Dispatcher
	local      LocalJobs

	streamInterval time.Duration

	router chi.Router
	server *http.Server
	logger *log.Logger
}

type Option func(*Server)

func WithLocalJobs(local LocalJobs) Option {
	return func(s *Server) {
		s.local = local
	}
}

func WithStreamInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.streamInterval = d
		}
	}
}

func NewServer(dispatcher Dispatcher, opts ...Option) *Server {
	s := &Server{
		dispatcher:     dispatcher,
		streamInterval: time.Second,
		router:         chi.NewRouter(),
		logger:         log.Named("httpapi"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() {
	s.router.Use(middleware.Recoverer)

	s.router.Get("/healthz", s.handleHealth)
	s.router.Route("/api", func(r chi.Router) {
		r.Get("/queue", s.handleQueueInfo)
		r.Get("/queue/stream", s.handleQueueStream)
		r.Post("/queue/requeue-failed", s.handleRequeueFailed)

		r.Get("/jobs", s.handleListLocalJobs)
		r.Post("/jobs", s.handleEnqueue)
		r.Get("/jobs/{id}", s.handleJobStatus)
		r.Delete("/jobs/{id}", s.handleCancel)
	})
}
