package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/MimeLyc/video-pipeline/internal/failure"
	"github.com/MimeLyc/video-pipeline/internal/queue"
	"github.com/MimeLyc/video-pipeline/pkg/log"
	"golang.org/x/sync/singleflight"
)

// DurableQueue is the surface of the durable backend the dispatcher uses.
type DurableQueue interface {
	Ping(ctx context.Context) error
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
	FetchStatus(ctx context.Context, id string) (*queue.Job, error)
	Cancel(ctx context.Context, id string) (bool, error)
	Depth(ctx context.Context, queue string) (int64, error)
	FailedCount(ctx context.Context, queue string) (int64, error)
	StartedCount(ctx context.Context, queue string) (int64, error)
	RequeueFailed(ctx context.Context, queue string) (int, error)
}

type State int32

const (
	StateUnconfigured State = iota
	StateConnected
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	default:
		return "unconfigured"
	}
}

// Route is where jobs of one kind go on the durable path.
type Route struct {
	Queue   string
	Timeout time.Duration
}

// DefaultRoutes matches the default queue configuration.
func DefaultRoutes() map[Kind]Route {
	return map[Kind]Route{
		KindProcessVideo: {Queue: "video_processing", Timeout: 30 * time.Minute},
		KindRenderVideo:  {Queue: "video_rendering", Timeout: 60 * time.Minute},
	}
}

// strategy is one way of getting a job executed.
type strategy interface {
	enqueue(ctx context.Context, kind Kind, entityID string) (string, error)
}

type durableStrategy struct {
	backend DurableQueue
	routes  map[Kind]Route
}

func (s durableStrategy) enqueue(ctx context.Context, kind Kind, entityID string) (string, error) {
	route := s.routes[kind]
	return s.backend.Enqueue(ctx, queue.EnqueueRequest{
		ID:       JobID(kind, entityID),
		Queue:    route.Queue,
		Kind:     string(kind),
		EntityID: entityID,
		Timeout:  route.Timeout,
	})
}

type localStrategy struct {
	runner *LocalRunner
}

func (s localStrategy) enqueue(_ context.Context, kind Kind, entityID string) (string, error) {
	job, _ := s.runner.Spawn(kind, entityID)
	return job.ID, nil
}

// Dispatcher hands jobs to the durable queue when it is reachable and to the
// local runner otherwise. The caller never learns which path failed.
type Dispatcher struct {
	backend     DurableQueue
	local       *LocalRunner
	routes      map[Kind]Route
	pingTimeout time.Duration
	logger      *log.Logger

	state  atomic.Int32
	pingSF singleflight.Group
}

type DispatcherOption func(*Dispatcher)

func WithRoutes(routes map[Kind]Route) DispatcherOption {
	return func(d *Dispatcher) {
		for k, r := range routes {
			d.routes[k] = r
		}
	}
}

func WithPingTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.pingTimeout = timeout
		}
	}
}

// NewDispatcher builds a dispatcher. A nil backend leaves it unconfigured so
// every job runs locally.
func NewDispatcher(backend DurableQueue, local *LocalRunner, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		backend:     backend,
		local:       local,
		routes:      DefaultRoutes(),
		pingTimeout: 2 * time.Second,
		logger:      log.Named("dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	if backend != nil {
		d.state.Store(int32(StateDegraded))
		_ = d.ping(context.Background())
	}
	return d
}

func (d *Dispatcher) State() State {
	return State(d.state.Load())
}

// ping checks the backend and updates the state. Concurrent callers share
// one round trip.
func (d *Dispatcher) ping(ctx context.Context) error {
	_, err, _ := d.pingSF.Do("ping", func() (any, error) {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.pingTimeout)
		defer cancel()
		err := d.backend.Ping(pctx)
		if err != nil {
			if State(d.state.Swap(int32(StateDegraded))) != StateDegraded {
				d.logger.Warn("durable queue unreachable, falling back to local execution: %v", err)
			}
			return nil, err
		}
		if State(d.state.Swap(int32(StateConnected))) != StateConnected {
			d.logger.Info("durable queue connected")
		}
		return nil, nil
	})
	return err
}

func (d *Dispatcher) durable() strategy {
	return durableStrategy{backend: d.backend, routes: d.routes}
}

func (d *Dispatcher) fallback() strategy {
	return localStrategy{runner: d.local}
}

// Enqueue submits the job and returns its id without waiting for it to run.
func (d *Dispatcher) Enqueue(ctx context.Context, kind Kind, entityID string) (string, error) {
	if !kind.Valid() {
		return "", failure.Newf(failure.Validation, "unknown job kind %q", kind)
	}
	if entityID == "" {
		return "", failure.New(failure.Validation, "entity id is required")
	}

	if d.backend != nil {
		if err := d.ping(ctx); err == nil {
			id, err := d.durable().enqueue(ctx, kind, entityID)
			if err == nil {
				d.logger.Info("enqueued %s on %s", id, d.routes[kind].Queue)
				return id, nil
			}
			d.state.Store(int32(StateDegraded))
			d.logger.Warn("%v", failure.Wrap(err, failure.QueueUnavailable, "durable enqueue failed, running locally").
				WithContext("kind", string(kind)).
				WithContext("entity", entityID))
		}
	}
	return d.fallback().enqueue(ctx, kind, entityID)
}

// Status looks up a job. Local jobs report what the runner recorded; durable
// jobs mirror the queue record, or report unavailable when the backend
// cannot be reached.
func (d *Dispatcher) Status(ctx context.Context, id string) (*Job, error) {
	if IsLocalID(id) {
		job, ok := d.local.Get(id)
		if !ok {
			return nil, failure.Newf(failure.NotFound, "job %s not found", id)
		}
		return job, nil
	}
	if d.backend == nil {
		return nil, failure.Newf(failure.NotFound, "job %s not found", id)
	}

	qj, err := d.backend.FetchStatus(ctx, id)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			return nil, failure.Newf(failure.NotFound, "job %s not found", id)
		}
		d.logger.Warn("status %s: %v", id, err)
		return &Job{ID: id, Status: StatusUnavailable, Provenance: ProvenanceDurable}, nil
	}
	return fromQueueJob(qj), nil
}

// Cancel stops a durable job that has not started. Local jobs cannot be
// cancelled and always return false.
func (d *Dispatcher) Cancel(ctx context.Context, id string) (bool, error) {
	if IsLocalID(id) || d.backend == nil {
		return false, nil
	}
	ok, err := d.backend.Cancel(ctx, id)
	if err != nil {
		return false, failure.Wrap(err, failure.QueueUnavailable, "cancel job").WithContext("job", id)
	}
	if ok {
		d.logger.Info("cancelled %s", id)
	}
	return ok, nil
}

// Info reports queue depths and counters. It does not change the state.
func (d *Dispatcher) Info(ctx context.Context) Info {
	info := Info{
		Mode:        "local",
		State:       d.State().String(),
		Queues:      make(map[string]QueueStats),
		LocalActive: d.local.Active(),
	}
	if d.backend == nil {
		return info
	}

	for _, name := range d.queueNames() {
		stats, err := d.queueStats(ctx, name)
		if err != nil {
			d.logger.Warn("queue info %s: %v", name, err)
			info.Queues = make(map[string]QueueStats)
			info.FailedCount, info.StartedCount = 0, 0
			return info
		}
		info.Queues[name] = stats
		info.FailedCount += stats.Failed
		info.StartedCount += stats.Started
	}
	info.Available = true
	info.Mode = "durable"
	return info
}

func (d *Dispatcher) queueStats(ctx context.Context, name string) (QueueStats, error) {
	var stats QueueStats
	var err error
	if stats.Depth, err = d.backend.Depth(ctx, name); err != nil {
		return stats, err
	}
	if stats.Failed, err = d.backend.FailedCount(ctx, name); err != nil {
		return stats, err
	}
	if stats.Started, err = d.backend.StartedCount(ctx, name); err != nil {
		return stats, err
	}
	return stats, nil
}

// RequeueFailed puts every failed durable job back on its queue.
func (d *Dispatcher) RequeueFailed(ctx context.Context) (int, error) {
	if d.backend == nil {
		return 0, failure.New(failure.QueueUnavailable, "durable queue is not configured")
	}
	total := 0
	for _, name := range d.queueNames() {
		n, err := d.backend.RequeueFailed(ctx, name)
		total += n
		if err != nil {
			return total, failure.Wrap(err, failure.QueueUnavailable, fmt.Sprintf("requeue failed jobs on %s", name))
		}
	}
	return total, nil
}

func (d *Dispatcher) queueNames() []string {
	seen := make(map[string]bool, len(d.routes))
	names := make([]string, 0, len(d.routes))
	for _, kind := range []Kind{KindProcessVideo, KindRenderVideo} {
		route, ok := d.routes[kind]
		if !ok || seen[route.Queue] {
			continue
		}
		seen[route.Queue] = true
		names = append(names, route.Queue)
	}
	return names
}

// Queues returns the configured queue names, processing first.
func (d *Dispatcher) Queues() []string {
	return d.queueNames()
}

func (d *Dispatcher) Local() *LocalRunner {
	return d.local
}

func fromQueueJob(qj *queue.Job) *Job {
	job := &Job{
		ID:         qj.ID,
		Kind:       Kind(qj.Kind),
		EntityID:   qj.EntityID,
		Status:     Status(qj.Status),
		Provenance: ProvenanceDurable,
		Queue:      qj.Queue,
		EnqueuedAt: qj.EnqueuedAt,
		Result:     qj.Result,
		Error:      qj.Error,
	}
	if !qj.StartedAt.IsZero() {
		t := qj.StartedAt
		job.StartedAt = &t
	}
	if !qj.EndedAt.IsZero() {
		t := qj.EndedAt
		job.EndedAt = &t
	}
	return job
}
