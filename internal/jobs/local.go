package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MimeLyc/video-pipeline/internal/failure"
	"github.com/MimeLyc/video-pipeline/pkg/log"
)

// InterruptedMessage is recorded on journaled jobs that were still active
// when the process stopped.
const InterruptedMessage = "interrupted by restart"

// LocalRunner runs fallback jobs on their own goroutine inside this process.
// Every task is tracked so Wait can block until they are done, and at most
// one task per job id is active at a time.
type LocalRunner struct {
	exec    Executor
	journal Journal
	baseCtx context.Context
	maxJobs int
	logger  *log.Logger

	mu   sync.RWMutex
	jobs map[string]*Job
	wg   sync.WaitGroup
}

type LocalOption func(*LocalRunner)

// WithJournal records terminal jobs and restores them on startup.
func WithJournal(j Journal) LocalOption {
	return func(r *LocalRunner) {
		r.journal = j
	}
}

// WithBaseContext sets the context tasks run under. Tasks are not tied to
// the context of the caller that spawned them.
func WithBaseContext(ctx context.Context) LocalOption {
	return func(r *LocalRunner) {
		r.baseCtx = ctx
	}
}

func WithMaxJobs(n int) LocalOption {
	return func(r *LocalRunner) {
		r.maxJobs = n
	}
}

func NewLocalRunner(exec Executor, opts ...LocalOption) *LocalRunner {
	r := &LocalRunner{
		exec:    exec,
		baseCtx: context.Background(),
		maxJobs: 1000,
		logger:  log.Named("dispatcher.local"),
		jobs:    make(map[string]*Job),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.hydrateFromJournal(context.Background())
	return r
}

// Spawn starts the job for (kind, entityID) unless one is already active, in
// which case the active job is returned with created=false. It never waits
// for the job to run.
func (r *LocalRunner) Spawn(kind Kind, entityID string) (*Job, bool) {
	id := LocalJobID(kind, entityID)
	now := time.Now().UTC()

	r.mu.Lock()
	if existing, ok := r.jobs[id]; ok && existing.Status.Active() {
		snapshot := cloneJob(existing)
		r.mu.Unlock()
		return snapshot, false
	}
	job := &Job{
		ID:         id,
		Kind:       kind,
		EntityID:   entityID,
		Status:     StatusQueued,
		Provenance: ProvenanceLocal,
		EnqueuedAt: now,
	}
	r.jobs[id] = job
	r.wg.Add(1)
	snapshot := cloneJob(job)
	r.mu.Unlock()

	r.persistJob(snapshot)
	r.logger.Info("spawned %s", id)
	go r.run(id, kind, entityID)
	return snapshot, true
}

func (r *LocalRunner) run(id string, kind Kind, entityID string) {
	defer r.wg.Done()

	r.markStarted(id)

	var result string
	err := failure.SafeExecute(func() error {
		var execErr error
		result, execErr = r.exec(r.baseCtx, kind, entityID)
		return execErr
	})
	if err != nil {
		r.logger.Error("%s failed: %v", id, err)
		r.markFailed(id, err)
		return
	}
	r.logger.Info("%s finished", id)
	r.markFinished(id, result)
}

func (r *LocalRunner) Get(id string) (*Job, bool) {
	r.mu.RLock()
	job, ok := r.jobs[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return cloneJob(job), true
}

func (r *LocalRunner) List() []*Job {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ret := make([]*Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		ret = append(ret, cloneJob(job))
	}
	sort.Slice(ret, func(i, j int) bool {
		return ret[i].EnqueuedAt.Before(ret[j].EnqueuedAt)
	})
	return ret
}

// Active counts queued and started tasks.
func (r *LocalRunner) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, job := range r.jobs {
		if job.Status.Active() {
			n++
		}
	}
	return n
}

// Wait blocks until every spawned task has returned.
func (r *LocalRunner) Wait() {
	r.wg.Wait()
}

// Prune forgets terminal jobs that ended before cutoff and removes them from
// the journal. It returns how many were removed.
func (r *LocalRunner) Prune(ctx context.Context, cutoff time.Time) int {
	r.mu.Lock()
	ids := make([]string, 0)
	for id, job := range r.jobs {
		if job.Status.Active() || job.EndedAt == nil {
			continue
		}
		if job.EndedAt.Before(cutoff) {
			delete(r.jobs, id)
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	r.deleteFromJournal(ctx, ids)
	return len(ids)
}

func (r *LocalRunner) markStarted(id string) {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	job.Status = StatusStarted
	job.StartedAt = &now
	snapshot := cloneJob(job)
	r.mu.Unlock()

	r.persistJob(snapshot)
}

func (r *LocalRunner) markFinished(id, result string) {
	r.finish(id, func(job *Job) {
		job.Status = StatusFinished
		job.Result = result
		job.Error = ""
	})
}

func (r *LocalRunner) markFailed(id string, err error) {
	r.finish(id, func(job *Job) {
		job.Status = StatusFailed
		if err != nil {
			job.Error = err.Error()
		}
	})
}

func (r *LocalRunner) finish(id string, apply func(job *Job)) {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	apply(job)
	job.EndedAt = &now
	pruned := r.pruneTerminalJobsLocked()
	snapshot := cloneJob(job)
	r.mu.Unlock()

	r.persistJob(snapshot)
	r.deleteFromJournal(context.Background(), pruned)
}

// pruneTerminalJobsLocked drops the oldest terminal jobs once more than
// maxJobs are tracked.
func (r *LocalRunner) pruneTerminalJobsLocked() []string {
	if r.maxJobs <= 0 || len(r.jobs) <= r.maxJobs {
		return nil
	}

	type candidate struct {
		id      string
		endedAt time.Time
	}
	terminal := make([]candidate, 0, len(r.jobs))
	for id, job := range r.jobs {
		if job == nil || job.Status.Active() || job.EndedAt == nil {
			continue
		}
		terminal = append(terminal, candidate{id: id, endedAt: *job.EndedAt})
	}
	if len(terminal) == 0 {
		return nil
	}

	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].endedAt.Before(terminal[j].endedAt)
	})

	toRemove := len(r.jobs) - r.maxJobs
	if toRemove > len(terminal) {
		toRemove = len(terminal)
	}

	pruned := make([]string, 0, toRemove)
	for i := 0; i < toRemove; i++ {
		delete(r.jobs, terminal[i].id)
		pruned = append(pruned, terminal[i].id)
	}
	return pruned
}

// hydrateFromJournal restores journaled jobs. Jobs that were still active
// cannot be resumed, so they are recorded as failed.
func (r *LocalRunner) hydrateFromJournal(ctx context.Context) {
	if r.journal == nil {
		return
	}
	loaded, err := r.journal.Load(ctx)
	if err != nil {
		r.logger.Error("Failed to load jobs from journal: %v", err)
		return
	}

	now := time.Now().UTC()
	toPersist := make([]*Job, 0)
	r.mu.Lock()
	for _, raw := range loaded {
		if raw == nil || raw.ID == "" {
			continue
		}
		job := cloneJob(raw)
		if job.Status.Active() {
			job.Status = StatusFailed
			job.Error = InterruptedMessage
			job.EndedAt = &now
			toPersist = append(toPersist, cloneJob(job))
		}
		r.jobs[job.ID] = job
	}
	r.mu.Unlock()

	for _, job := range toPersist {
		r.persistJob(job)
	}
	if len(loaded) > 0 {
		r.logger.Info("restored %d jobs from journal, %d interrupted", len(loaded), len(toPersist))
	}
}

func (r *LocalRunner) persistJob(job *Job) {
	if r.journal == nil || job == nil {
		return
	}
	if err := r.journal.Put(context.Background(), job); err != nil {
		r.logger.Error("Failed to journal job %s: %v", job.ID, err)
	}
}

func (r *LocalRunner) deleteFromJournal(ctx context.Context, ids []string) {
	if r.journal == nil || len(ids) == 0 {
		return
	}
	for _, id := range ids {
		if err := r.journal.Delete(ctx, id); err != nil {
			r.logger.Error("Failed to delete job %s from journal: %v", id, err)
		}
	}
}
