package journal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/video-pipeline/internal/jobs"
)

func TestPebble_PutLoadDelete(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	j, err := Open(dir)
	require.NoError(t, err)

	ended := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	job := &jobs.Job{
		ID:         jobs.LocalJobID(jobs.KindProcessVideo, "p1"),
		Kind:       jobs.KindProcessVideo,
		EntityID:   "p1",
		Status:     jobs.StatusFailed,
		Provenance: jobs.ProvenanceLocal,
		EnqueuedAt: ended.Add(-time.Minute),
		EndedAt:    &ended,
		Error:      "probe failed",
	}
	require.NoError(t, j.Put(ctx, job))

	got, err := j.Get(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "probe failed", got.Error)
	assert.True(t, ended.Equal(*got.EndedAt))

	missing, err := j.Get(ctx, "sync_render-video:nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, j.Close())

	// Records survive reopening.
	j, err = Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	loaded, err := j.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, job.ID, loaded[0].ID)
	assert.Equal(t, jobs.StatusFailed, loaded[0].Status)

	require.NoError(t, j.Delete(ctx, job.ID))
	loaded, err = j.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestPebble_BacksLocalRunner(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	j, err := Open(dir)
	require.NoError(t, err)

	release := make(chan struct{})
	runner := jobs.NewLocalRunner(func(_ context.Context, _ jobs.Kind, _ string) (string, error) {
		<-release
		return "{}", nil
	}, jobs.WithJournal(j))

	job, _ := runner.Spawn(jobs.KindRenderVideo, "r1")
	require.Eventually(t, func() bool {
		got, _ := j.Get(ctx, job.ID)
		return got != nil && got.Status == jobs.StatusStarted
	}, time.Second, 10*time.Millisecond)

	// Simulate a crash: reopen the journal while the task is still started.
	snapshot, err := j.Load(ctx)
	require.NoError(t, err)
	close(release)
	runner.Wait()
	require.NoError(t, j.Close())

	j, err = Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	for _, s := range snapshot {
		require.NoError(t, j.Put(ctx, s))
	}

	restarted := jobs.NewLocalRunner(func(_ context.Context, _ jobs.Kind, _ string) (string, error) {
		return "{}", nil
	}, jobs.WithJournal(j))
	got, ok := restarted.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, jobs.StatusFailed, got.Status)
	assert.Equal(t, jobs.InterruptedMessage, got.Error)

	persisted, err := j.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, persisted.Status)
}
