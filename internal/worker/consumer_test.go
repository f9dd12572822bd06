package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/video-pipeline/internal/jobs"
	"github.com/MimeLyc/video-pipeline/internal/queue"
)

func newTestQueue(t *testing.T) *queue.Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	return queue.New(rc)
}

func enqueue(t *testing.T, q *queue.Redis, kind jobs.Kind, entityID, queueName string, timeout time.Duration) string {
	t.Helper()
	id, err := q.Enqueue(context.Background(), queue.EnqueueRequest{
		ID:       jobs.JobID(kind, entityID),
		Queue:    queueName,
		Kind:     string(kind),
		EntityID: entityID,
		Timeout:  timeout,
	})
	require.NoError(t, err)
	return id
}

func waitStatus(t *testing.T, q *queue.Redis, id string, want queue.Status) *queue.Job {
	t.Helper()
	var job *queue.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = q.FetchStatus(context.Background(), id)
		return err == nil && job.Status == want
	}, 3*time.Second, 20*time.Millisecond)
	return job
}

func TestConsumer_CompletesAndFailsJobs(t *testing.T) {
	q := newTestQueue(t)
	ok := enqueue(t, q, jobs.KindProcessVideo, "p1", "video_processing", time.Minute)
	bad := enqueue(t, q, jobs.KindRenderVideo, "r1", "video_rendering", time.Minute)

	handle := func(_ context.Context, kind jobs.Kind, entityID string) (string, error) {
		if kind == jobs.KindRenderVideo {
			return "", errors.New("encode failed")
		}
		return `{"entity":"` + entityID + `"}`, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	c := NewConsumer(q, handle, []string{"video_processing", "video_rendering"},
		WithConcurrency(2), WithPollWait(100*time.Millisecond))
	go func() { done <- c.Run(ctx) }()

	finished := waitStatus(t, q, ok, queue.StatusFinished)
	assert.Equal(t, `{"entity":"p1"}`, finished.Result)

	failed := waitStatus(t, q, bad, queue.StatusFailed)
	assert.Equal(t, "encode failed", failed.Error)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestConsumer_AppliesJobTimeout(t *testing.T) {
	q := newTestQueue(t)
	id := enqueue(t, q, jobs.KindProcessVideo, "p1", "video_processing", time.Second)

	var sawDeadline atomic.Bool
	handle := func(ctx context.Context, _ jobs.Kind, _ string) (string, error) {
		deadline, ok := ctx.Deadline()
		sawDeadline.Store(ok && time.Until(deadline) <= time.Second)
		<-ctx.Done()
		return "", ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := NewConsumer(q, handle, []string{"video_processing"}, WithPollWait(100*time.Millisecond))
	go func() { _ = c.Run(ctx) }()

	job := waitStatus(t, q, id, queue.StatusFailed)
	assert.Contains(t, job.Error, context.DeadlineExceeded.Error())
	assert.True(t, sawDeadline.Load())
}

type flakySource struct {
	calls atomic.Int32
}

func (f *flakySource) Dequeue(ctx context.Context, _ []string, _ time.Duration) (*queue.Job, error) {
	f.calls.Add(1)
	return nil, errors.New("connection refused")
}

func (f *flakySource) Complete(context.Context, *queue.Job, string) error { return nil }
func (f *flakySource) Fail(context.Context, *queue.Job, string) error     { return nil }

func TestConsumer_BacksOffOnDequeueErrors(t *testing.T) {
	src := &flakySource{}
	c := NewConsumer(src, nil, []string{"video_processing"}, WithErrorBackoff(50*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.NoError(t, c.Run(ctx))

	calls := src.calls.Load()
	assert.GreaterOrEqual(t, calls, int32(2))
	assert.LessOrEqual(t, calls, int32(10))
}
