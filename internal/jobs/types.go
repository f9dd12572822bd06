package jobs

import (
	"context"
	"strings"
	"time"
)

type Kind string

const (
	KindProcessVideo Kind = "process-video"
	KindRenderVideo  Kind = "render-video"
)

func (k Kind) Valid() bool {
	return k == KindProcessVideo || k == KindRenderVideo
}

type Status string

const (
	StatusQueued      Status = "queued"
	StatusStarted     Status = "started"
	StatusFinished    Status = "finished"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
	StatusUnavailable Status = "unavailable"
)

// Active reports whether the job may still run.
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusStarted
}

type Provenance string

const (
	ProvenanceDurable Provenance = "durable"
	ProvenanceLocal   Provenance = "local"
)

// LocalPrefix marks ids of jobs run by the in-process fallback.
const LocalPrefix = "sync_"

type Job struct {
	ID         string     `json:"id"`
	Kind       Kind       `json:"kind"`
	EntityID   string     `json:"entity_id"`
	Status     Status     `json:"status"`
	Provenance Provenance `json:"provenance"`
	Queue      string     `json:"queue,omitempty"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	Result     string     `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// JobID is the deterministic id of the job for (kind, entityID). Two
// submissions for the same entity collide on it.
func JobID(kind Kind, entityID string) string {
	return string(kind) + ":" + entityID
}

func LocalJobID(kind Kind, entityID string) string {
	return LocalPrefix + JobID(kind, entityID)
}

func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalPrefix)
}

// Executor runs one job and returns its JSON result.
type Executor func(ctx context.Context, kind Kind, entityID string) (string, error)

type QueueStats struct {
	Depth   int64 `json:"depth"`
	Failed  int64 `json:"failed"`
	Started int64 `json:"started"`
}

type Info struct {
	Available    bool                  `json:"available"`
	Mode         string                `json:"mode"`
	State        string                `json:"state"`
	Queues       map[string]QueueStats `json:"queues"`
	FailedCount  int64                 `json:"failed_count"`
	StartedCount int64                 `json:"started_count"`
	LocalActive  int                   `json:"local_active"`
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	tmp := *job
	if job.StartedAt != nil {
		t := *job.StartedAt
		tmp.StartedAt = &t
	}
	if job.EndedAt != nil {
		t := *job.EndedAt
		tmp.EndedAt = &t
	}
	return &tmp
}
