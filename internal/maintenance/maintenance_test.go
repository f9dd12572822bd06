package maintenance

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/video-pipeline/internal/jobs"
	"github.com/MimeLyc/video-pipeline/internal/queue"
	"github.com/MimeLyc/video-pipeline/pkg/icron"
)

type failingExpirer struct{}

func (failingExpirer) ExpireStarted(context.Context, string) (int, error) {
	return 0, errors.New("connection refused")
}

func (failingExpirer) RecoverOrphaned(context.Context, string, time.Duration) (int, error) {
	return 0, errors.New("connection refused")
}

func TestSweeper_ExpiresStartedJobs(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	q := queue.New(rc, queue.WithClock(clock))
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queue.EnqueueRequest{
		ID: "process-video:p1", Queue: "video_processing", Kind: "process-video", EntityID: "p1", Timeout: time.Minute,
	})
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, []string{"video_processing"}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)

	s := NewSweeper(WithExpirer(q, "video_processing", "video_rendering"), WithClock(clock))
	assert.Equal(t, 0, s.Run(ctx).Expired)

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, s.Run(ctx).Expired)

	got, err := q.FetchStatus(ctx, "process-video:p1")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, got.Status)
	assert.Equal(t, queue.ExpiredMessage, got.Error)
}

func TestSweeper_RecoversOrphanedJobs(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	q := queue.New(rc, queue.WithClock(clock))
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queue.EnqueueRequest{
		ID: "render-video:r1", Queue: "video_rendering", Kind: "render-video", EntityID: "r1", Timeout: time.Hour,
	})
	require.NoError(t, err)
	// A worker popped the id and died before claiming it.
	_, err = mr.Lpop("vq:queue:video_rendering")
	require.NoError(t, err)

	s := NewSweeper(WithExpirer(q, "video_processing", "video_rendering"), WithOrphanGrace(time.Minute), WithClock(clock))
	assert.Equal(t, 0, s.Run(ctx).Recovered)

	now = now.Add(48 * time.Hour)
	report := s.Run(ctx)
	assert.Equal(t, 1, report.Recovered)
	assert.Equal(t, 0, report.Expired)

	job, err := q.Dequeue(ctx, []string{"video_rendering"}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "render-video:r1", job.ID)
}

func TestSweeper_PrunesLocalJobs(t *testing.T) {
	runner := jobs.NewLocalRunner(func(context.Context, jobs.Kind, string) (string, error) {
		return "{}", nil
	})
	runner.Spawn(jobs.KindProcessVideo, "p1")
	runner.Wait()

	s := NewSweeper(WithPruner(runner, time.Hour))
	assert.Equal(t, 0, s.Run(context.Background()).Pruned)

	s = NewSweeper(WithPruner(runner, time.Hour), WithClock(func() time.Time {
		return time.Now().Add(2 * time.Hour)
	}))
	assert.Equal(t, 1, s.Run(context.Background()).Pruned)
	assert.Empty(t, runner.List())
}

func TestSweeper_RemovesStaleScratch(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "render-r1-111")
	fresh := filepath.Join(dir, "process-p1-222")
	require.NoError(t, os.MkdirAll(old, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(old, "source"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(fresh, 0o755))
	foreign := filepath.Join(dir, "someone-elses.log")
	require.NoError(t, os.WriteFile(foreign, []byte("x"), 0o644))
	past := time.Now().Add(-3 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))
	require.NoError(t, os.Chtimes(foreign, past, past))

	s := NewSweeper(WithScratch(dir, time.Hour))
	assert.Equal(t, 1, s.Run(context.Background()).Swept)

	_, err := os.Stat(old)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
	_, err = os.Stat(foreign)
	assert.NoError(t, err, "entries the pipeline did not create are kept")
}

func TestSweeper_ContinuesAfterFailure(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "process-p1-1")
	require.NoError(t, os.MkdirAll(stale, 0o755))
	past := time.Now().Add(-3 * time.Hour)
	require.NoError(t, os.Chtimes(stale, past, past))

	s := NewSweeper(WithExpirer(failingExpirer{}, "video_processing"), WithScratch(dir, time.Hour))
	report := s.Run(context.Background())
	assert.Equal(t, 0, report.Expired)
	assert.Equal(t, 1, report.Swept)
}

func TestSweeper_Schedule(t *testing.T) {
	c := icron.New()
	s := NewSweeper()

	require.NoError(t, s.Schedule(context.Background(), c, "@every 10m"))
	assert.Len(t, c.Entries(), 1)

	assert.Error(t, s.Schedule(context.Background(), c, "not a schedule"))
}
