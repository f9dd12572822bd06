package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func newTestQueue(t *testing.T) (*Redis, *miniredis.Miniredis, *testClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(rc, WithClock(clock.Now)), mr, clock
}

func processReq(entity string) EnqueueRequest {
	return EnqueueRequest{
		ID:       "process-video:" + entity,
		Queue:    "video_processing",
		Kind:     "process-video",
		EntityID: entity,
		Timeout:  30 * time.Minute,
	}
}

func TestRedis_EnqueueAndFetch(t *testing.T) {
	q, _, clock := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, processReq("p1"))
	require.NoError(t, err)
	assert.Equal(t, "process-video:p1", id)

	job, err := q.FetchStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, job.Status)
	assert.Equal(t, "video_processing", job.Queue)
	assert.Equal(t, "p1", job.EntityID)
	assert.Equal(t, 30*time.Minute, job.Timeout)
	assert.True(t, clock.now.Equal(job.EnqueuedAt))

	depth, err := q.Depth(ctx, "video_processing")
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	_, err = q.FetchStatus(ctx, "process-video:missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestRedis_DuplicateEnqueueIsIdempotent(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, processReq("p1"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, processReq("p1"))
	require.NoError(t, err)

	depth, err := q.Depth(ctx, "video_processing")
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	job, err := q.Dequeue(ctx, []string{"video_processing"}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)

	// Still in flight once started.
	_, err = q.Enqueue(ctx, processReq("p1"))
	require.NoError(t, err)
	depth, err = q.Depth(ctx, "video_processing")
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func TestRedis_DequeueCompleteLifecycle(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, processReq("p1"))
	require.NoError(t, err)

	job, err := q.Dequeue(ctx, []string{"video_rendering", "video_processing"}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, StatusStarted, job.Status)
	assert.False(t, job.StartedAt.IsZero())

	started, err := q.StartedCount(ctx, "video_processing")
	require.NoError(t, err)
	assert.Equal(t, int64(1), started)

	require.NoError(t, q.Complete(ctx, job, `{"status":"ready"}`))

	got, err := q.FetchStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, got.Status)
	assert.Equal(t, `{"status":"ready"}`, got.Result)
	assert.False(t, got.EndedAt.IsZero())

	started, err = q.StartedCount(ctx, "video_processing")
	require.NoError(t, err)
	assert.Equal(t, int64(0), started)

	// A finished job can be enqueued again.
	_, err = q.Enqueue(ctx, processReq("p1"))
	require.NoError(t, err)
	got, err = q.FetchStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Empty(t, got.Result)
}

func TestRedis_DequeueEmpty(t *testing.T) {
	q, _, _ := newTestQueue(t)
	job, err := q.Dequeue(context.Background(), []string{"video_processing"}, time.Second)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestRedis_FailAndRequeue(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, processReq("p1"))
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, []string{"video_processing"}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, q.Fail(ctx, job, "[ProbeError] probe source"))
	got, err := q.FetchStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "[ProbeError] probe source", got.Error)

	failed, err := q.FailedCount(ctx, "video_processing")
	require.NoError(t, err)
	assert.Equal(t, int64(1), failed)

	n, err := q.RequeueFailed(ctx, "video_processing")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err = q.FetchStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Empty(t, got.Error)

	failed, err = q.FailedCount(ctx, "video_processing")
	require.NoError(t, err)
	assert.Equal(t, int64(0), failed)
	depth, err := q.Depth(ctx, "video_processing")
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestRedis_CancelOnlyQueued(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, processReq("p1"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, processReq("p2"))
	require.NoError(t, err)

	ok, err := q.Cancel(ctx, "process-video:p1")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := q.FetchStatus(ctx, "process-video:p1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	depth, err := q.Depth(ctx, "video_processing")
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	job, err := q.Dequeue(ctx, []string{"video_processing"}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "process-video:p2", job.ID)

	ok, err = q.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok, "started jobs cannot be cancelled")

	ok, err = q.Cancel(ctx, "process-video:unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedis_ExpireStarted(t *testing.T) {
	q, _, clock := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, processReq("p1"))
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, []string{"video_processing"}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)

	clock.now = clock.now.Add(10 * time.Minute)
	n, err := q.ExpireStarted(ctx, "video_processing")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	clock.now = clock.now.Add(21 * time.Minute)
	n, err = q.ExpireStarted(ctx, "video_processing")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := q.FetchStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, ExpiredMessage, got.Error)

	// The late completion does not overwrite the expiry.
	require.NoError(t, q.Complete(ctx, job, "{}"))
	got, err = q.FetchStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
}

// popLost removes the next id from the queue list without claiming it, the
// way a worker killed right after BRPOP leaves things.
func popLost(t *testing.T, mr *miniredis.Miniredis, queue string) string {
	t.Helper()
	id, err := mr.Lpop("vq:queue:" + queue)
	require.NoError(t, err)
	return id
}

func TestRedis_EnqueueRepushesLostJob(t *testing.T) {
	q, mr, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, processReq("p1"))
	require.NoError(t, err)
	assert.Equal(t, "process-video:p1", popLost(t, mr, "video_processing"))

	_, err = q.Enqueue(ctx, processReq("p1"))
	require.NoError(t, err)
	depth, err := q.Depth(ctx, "video_processing")
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	job, err := q.Dequeue(ctx, []string{"video_processing"}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, StatusStarted, job.Status)
}

func TestRedis_RecoverOrphaned(t *testing.T) {
	q, mr, clock := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, processReq("p1"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, processReq("p2"))
	require.NoError(t, err)
	lost := popLost(t, mr, "video_processing")

	n, err := q.RecoverOrphaned(ctx, "video_processing", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "within grace")

	clock.now = clock.now.Add(2 * time.Minute)
	n, err = q.RecoverOrphaned(ctx, "video_processing", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	depth, err := q.Depth(ctx, "video_processing")
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)

	// Claimed jobs leave the queued registry, so nothing is pushed twice.
	first, err := q.Dequeue(ctx, []string{"video_processing"}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)
	second, err := q.Dequeue(ctx, []string{"video_processing"}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.ElementsMatch(t, []string{lost, "process-video:p2"}, []string{first.ID, second.ID})

	clock.now = clock.now.Add(time.Hour)
	n, err = q.RecoverOrphaned(ctx, "video_processing", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.False(t, mr.Exists("vq:queued:video_processing"))
}

func TestRedis_PingFailsWhenServerDown(t *testing.T) {
	q, mr, _ := newTestQueue(t)
	require.NoError(t, q.Ping(context.Background()))
	mr.Close()
	assert.Error(t, q.Ping(context.Background()))
}

func TestDial_RejectsBadURL(t *testing.T) {
	_, err := Dial("not-a-url")
	assert.Error(t, err)

	q, err := Dial("redis://localhost:6379/0")
	require.NoError(t, err)
	assert.NoError(t, q.Close())
}
