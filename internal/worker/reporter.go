package worker

import (
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/MimeLyc/video-pipeline/internal/config"
	"github.com/MimeLyc/video-pipeline/internal/failure"
	"github.com/MimeLyc/video-pipeline/internal/jobs"
)

// Reporter receives every terminal job failure.
type Reporter interface {
	Report(kind jobs.Kind, entityID string, err error)
	Flush(timeout time.Duration)
}

type nopReporter struct{}

func (nopReporter) Report(jobs.Kind, string, error) {}
func (nopReporter) Flush(time.Duration)             {}

// SentryReporter captures job failures on a sentry hub.
type SentryReporter struct {
	hub *sentry.Hub
}

func NewSentryReporter(hub *sentry.Hub) *SentryReporter {
	return &SentryReporter{hub: hub}
}

// NewReporter initialises sentry when a DSN is configured and returns a
// no-op reporter otherwise.
func NewReporter(cfg config.SentryConfig) (Reporter, error) {
	if cfg.DSN == "" {
		return nopReporter{}, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
	})
	if err != nil {
		return nil, err
	}
	return NewSentryReporter(sentry.CurrentHub()), nil
}

func (r *SentryReporter) Report(kind jobs.Kind, entityID string, err error) {
	if err == nil {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("job_kind", string(kind))
		scope.SetTag("entity_id", entityID)
		scope.SetTag("failure_kind", failure.KindOf(err).String())
		r.hub.CaptureException(err)
	})
}

func (r *SentryReporter) Flush(timeout time.Duration) {
	r.hub.Flush(timeout)
}
