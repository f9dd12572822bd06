package jobs

import "context"

// Journal persists local fallback jobs so their outcome survives a restart.
type Journal interface {
	Load(ctx context.Context) ([]*Job, error)
	Put(ctx context.Context, job *Job) error
	Delete(ctx context.Context, jobID string) error
}
