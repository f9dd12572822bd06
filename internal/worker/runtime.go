package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MimeLyc/video-pipeline/internal/events"
	"github.com/MimeLyc/video-pipeline/internal/failure"
	"github.com/MimeLyc/video-pipeline/internal/jobs"
	"github.com/MimeLyc/video-pipeline/internal/pipeline"
	"github.com/MimeLyc/video-pipeline/internal/store"
	"github.com/MimeLyc/video-pipeline/pkg/log"
)

// Runtime executes jobs for both the durable consumer and the local
// fallback runner.
type Runtime struct {
	sessions  SessionFactory
	pipelines PipelineFactory
	publisher events.Publisher
	reporter  Reporter
	locks     *entityLocks
	lease     time.Duration
	now       func() time.Time
	logger    *log.Logger
}

// DefaultClaimLease bounds how long a processing claim left by a dead run
// blocks the entity. It should not be shorter than the longest job timeout.
const DefaultClaimLease = 90 * time.Minute

type Option func(*Runtime)

// WithClaimLease overrides DefaultClaimLease.
func WithClaimLease(d time.Duration) Option {
	return func(r *Runtime) {
		if d > 0 {
			r.lease = d
		}
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(r *Runtime) {
		r.publisher = p
	}
}

func WithReporter(rep Reporter) Option {
	return func(r *Runtime) {
		r.reporter = rep
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Runtime) {
		r.now = now
	}
}

func New(sessions SessionFactory, pipelines PipelineFactory, opts ...Option) *Runtime {
	r := &Runtime{
		sessions:  sessions,
		pipelines: pipelines,
		publisher: events.NewLogPublisher(),
		reporter:  nopReporter{},
		locks:     newEntityLocks(),
		lease:     DefaultClaimLease,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    log.Named("worker"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle runs one job and returns its JSON result. It never panics; pipeline
// failures are recorded on the entity and returned.
func (r *Runtime) Handle(ctx context.Context, kind jobs.Kind, entityID string) (string, error) {
	if !kind.Valid() {
		return "", failure.Newf(failure.Validation, "unknown job kind %q", kind)
	}

	release, ok := r.locks.tryAcquire(jobs.JobID(kind, entityID))
	if !ok {
		return "", failure.Newf(failure.Busy, "%s %s is already being handled", kind, entityID)
	}
	defer release()

	var result string
	err := failure.SafeExecute(func() error {
		session, err := r.sessions.Open(ctx)
		if err != nil {
			return fmt.Errorf("open session: %w", err)
		}
		defer func() {
			if cerr := session.Close(); cerr != nil {
				r.logger.Warn("close session for %s %s: %v", kind, entityID, cerr)
			}
		}()

		switch kind {
		case jobs.KindProcessVideo:
			result, err = r.processVideo(ctx, session, entityID)
		case jobs.KindRenderVideo:
			result, err = r.renderVideo(ctx, session, entityID)
		}
		return err
	})
	if err != nil {
		r.logger.Error("%s %s failed: %v", kind, entityID, err)
		return "", err
	}
	r.logger.Info("%s %s done", kind, entityID)
	return result, nil
}

func (r *Runtime) processVideo(ctx context.Context, session *Session, projectID string) (string, error) {
	project, err := session.Store.GetProject(ctx, projectID)
	if err != nil {
		return "", err
	}
	// Terminal writes must land even when the job context has expired.
	finalCtx := context.WithoutCancel(ctx)

	if project.OriginalURL == "" {
		err := failure.New(failure.Validation, "project has no source url").WithContext("project", projectID)
		r.failProject(finalCtx, session, project, err)
		return "", err
	}

	if err := session.Store.MarkProjectProcessing(ctx, projectID, r.lease); err != nil {
		return "", err
	}

	var res *pipeline.UploadResult
	err = failure.SafeExecute(func() error {
		var perr error
		res, perr = r.pipelines(session.Objects).ProcessUpload(ctx, project)
		return perr
	})
	if err != nil {
		r.failProject(finalCtx, session, project, err)
		return "", err
	}

	waveform, err := json.Marshal(res.Waveform)
	if err != nil {
		r.failProject(finalCtx, session, project, err)
		return "", err
	}
	err = session.Store.CompleteProject(finalCtx, projectID, store.ProjectArtifacts{
		ProxyURL:     res.ProxyURL,
		ThumbnailURL: res.ThumbnailURL,
		Duration:     res.Duration,
		Resolution:   res.Resolution,
		Waveform:     waveform,
	})
	if err != nil {
		r.failProject(finalCtx, session, project, err)
		return "", err
	}

	payload, err := json.Marshal(res)
	if err != nil {
		return "", err
	}
	r.publish(finalCtx, events.Event{
		Type:      events.ProjectReady,
		EntityID:  projectID,
		ProjectID: projectID,
		UserID:    project.UserID,
		Payload:   payload,
	})
	return string(payload), nil
}

func (r *Runtime) failProject(ctx context.Context, session *Session, project *store.Project, cause error) {
	if err := session.Store.FailProject(ctx, project.ID, cause.Error()); err != nil {
		r.logger.Error("record failure of project %s: %v", project.ID, err)
	}
	r.reporter.Report(jobs.KindProcessVideo, project.ID, cause)
	r.publish(ctx, events.Event{
		Type:      events.ProjectError,
		EntityID:  project.ID,
		ProjectID: project.ID,
		UserID:    project.UserID,
		Error:     cause.Error(),
	})
}

func (r *Runtime) renderVideo(ctx context.Context, session *Session, renderID string) (string, error) {
	render, err := session.Store.GetRender(ctx, renderID)
	if err != nil {
		return "", err
	}
	finalCtx := context.WithoutCancel(ctx)

	project, err := session.Store.GetProject(ctx, render.ProjectID)
	if err != nil {
		r.failRender(finalCtx, session, render, err)
		return "", err
	}

	if err := session.Store.StartRender(ctx, renderID, r.now(), r.lease); err != nil {
		return "", err
	}

	var res *pipeline.RenderResult
	err = failure.SafeExecute(func() error {
		var perr error
		res, perr = r.pipelines(session.Objects).RenderFinal(ctx, render, project)
		return perr
	})
	if err != nil {
		r.failRender(finalCtx, session, render, err)
		return "", err
	}

	err = session.Store.CompleteRender(finalCtx, renderID, store.RenderOutput{
		URL:  res.OutputURL,
		Size: res.OutputSize,
	}, r.now())
	if err != nil {
		if !errors.Is(err, store.ErrRenderTerminal) {
			r.failRender(finalCtx, session, render, err)
		}
		return "", err
	}

	payload, err := json.Marshal(res)
	if err != nil {
		return "", err
	}
	r.publish(finalCtx, events.Event{
		Type:      events.RenderCompleted,
		EntityID:  renderID,
		ProjectID: render.ProjectID,
		UserID:    render.UserID,
		Payload:   payload,
	})
	return string(payload), nil
}

func (r *Runtime) failRender(ctx context.Context, session *Session, render *store.Render, cause error) {
	if err := session.Store.FailRender(ctx, render.ID, cause.Error(), r.now()); err != nil {
		r.logger.Error("record failure of render %s: %v", render.ID, err)
	}
	r.reporter.Report(jobs.KindRenderVideo, render.ID, cause)
	r.publish(ctx, events.Event{
		Type:      events.RenderFailed,
		EntityID:  render.ID,
		ProjectID: render.ProjectID,
		UserID:    render.UserID,
		Error:     cause.Error(),
	})
}

func (r *Runtime) publish(ctx context.Context, ev events.Event) {
	ev.OccurredAt = r.now()
	if err := r.publisher.Publish(ctx, ev); err != nil {
		r.logger.Warn("publish %s for %s: %v", ev.Type, ev.EntityID, err)
	}
}
