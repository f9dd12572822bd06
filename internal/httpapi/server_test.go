package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/video-pipeline/internal/jobs"
	"github.com/MimeLyc/video-pipeline/internal/queue"
)

func okExecutor(_ context.Context, _ jobs.Kind, _ string) (string, error) {
	return "{}", nil
}

func newLocalServer(t *testing.T) (*Server, *jobs.LocalRunner) {
	t.Helper()
	local := jobs.NewLocalRunner(okExecutor)
	d := jobs.NewDispatcher(nil, local)
	return NewServer(d, WithLocalJobs(local), WithStreamInterval(20*time.Millisecond)), local
}

func newDurableServer(t *testing.T) (*Server, *queue.Redis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	q := queue.New(rc)
	d := jobs.NewDispatcher(q, jobs.NewLocalRunner(okExecutor))
	return NewServer(d), q
}

func do(t *testing.T, srv *Server, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestServer_Healthz(t *testing.T) {
	srv, _ := newLocalServer(t)
	rec := do(t, srv, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestServer_EnqueueAndStatus_Local(t *testing.T) {
	srv, local := newLocalServer(t)

	rec := do(t, srv, http.MethodPost, "/api/jobs", map[string]string{
		"kind":      "process-video",
		"entity_id": "p1",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	created := decode[map[string]string](t, rec)
	assert.Equal(t, "sync_process-video:p1", created["job_id"])

	local.Wait()

	rec = do(t, srv, http.MethodGet, "/api/jobs/"+created["job_id"], nil)
	require.Equal(t, http.StatusOK, rec.Code)
	job := decode[jobs.Job](t, rec)
	assert.Equal(t, jobs.StatusFinished, job.Status)

	rec = do(t, srv, http.MethodGet, "/api/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]jobs.Job](t, rec), 1)
}

func TestServer_Enqueue_Validation(t *testing.T) {
	srv, _ := newLocalServer(t)

	rec := do(t, srv, http.MethodPost, "/api/jobs", map[string]string{"kind": "transcribe", "entity_id": "p1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader("{"))
	bad := httptest.NewRecorder()
	srv.Handler().ServeHTTP(bad, req)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestServer_Status_NotFound(t *testing.T) {
	srv, _ := newLocalServer(t)
	rec := do(t, srv, http.MethodGet, "/api/jobs/sync_process-video:missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Cancel(t *testing.T) {
	srv, q := newDurableServer(t)

	rec := do(t, srv, http.MethodPost, "/api/jobs", map[string]string{"kind": "render-video", "entity_id": "r1"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := decode[map[string]string](t, rec)["job_id"]
	assert.Equal(t, "render-video:r1", id)

	depth, err := q.Depth(context.Background(), "video_rendering")
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	rec = do(t, srv, http.MethodDelete, "/api/jobs/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]bool{"cancelled": true}, decode[map[string]bool](t, rec))

	rec = do(t, srv, http.MethodDelete, "/api/jobs/sync_render-video:r1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]bool{"cancelled": false}, decode[map[string]bool](t, rec))
}

func TestServer_QueueInfo(t *testing.T) {
	srv, _ := newDurableServer(t)
	do(t, srv, http.MethodPost, "/api/jobs", map[string]string{"kind": "process-video", "entity_id": "p1"})

	rec := do(t, srv, http.MethodGet, "/api/queue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	info := decode[jobs.Info](t, rec)
	assert.True(t, info.Available)
	assert.Equal(t, "durable", info.Mode)
	assert.Equal(t, int64(1), info.Queues["video_processing"].Depth)
}

func TestServer_RequeueFailed(t *testing.T) {
	srv, q := newDurableServer(t)
	ctx := context.Background()
	do(t, srv, http.MethodPost, "/api/jobs", map[string]string{"kind": "process-video", "entity_id": "p1"})
	job, err := q.Dequeue(ctx, []string{"video_processing"}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, q.Fail(ctx, job, "boom"))

	rec := do(t, srv, http.MethodPost, "/api/queue/requeue-failed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]int{"requeued": 1}, decode[map[string]int](t, rec))

	local, _ := newLocalServer(t)
	rec = do(t, local, http.MethodPost, "/api/queue/requeue-failed", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_QueueStream(t *testing.T) {
	srv, _ := newLocalServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/queue/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	var data, pings int
	for data < 1 || pings < 1 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		switch {
		case strings.HasPrefix(line, "data: "):
			var info jobs.Info
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &info))
			assert.Equal(t, "local", info.Mode)
			data++
		case strings.HasPrefix(line, ": ping"):
			pings++
		}
	}
	assert.Equal(t, 1, data, "unchanged snapshots are sent as heartbeats")
}
