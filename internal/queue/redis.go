// Package queue is the durable job queue backed by Redis. Each job is a hash
// keyed by its id; queues are lists, and the queued, started, failed and
// finished registries are sorted sets. State transitions run as Lua scripts so they
// are atomic with respect to other producers and workers.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/MimeLyc/video-pipeline/pkg/log"
	"github.com/redis/go-redis/v9"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusStarted   Status = "started"
	StatusFinished  Status = "finished"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ExpiredMessage is recorded on started jobs that outlived their timeout.
const ExpiredMessage = "job exceeded timeout"

var ErrJobNotFound = errors.New("job not found")

type Job struct {
	ID         string        `json:"id"`
	Queue      string        `json:"queue"`
	Kind       string        `json:"kind"`
	EntityID   string        `json:"entity_id"`
	Status     Status        `json:"status"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
	StartedAt  time.Time     `json:"started_at"`
	EndedAt    time.Time     `json:"ended_at"`
	Timeout    time.Duration `json:"timeout"`
	Result     string        `json:"result,omitempty"`
	Error      string        `json:"exc_info,omitempty"`
}

type EnqueueRequest struct {
	ID       string
	Queue    string
	Kind     string
	EntityID string
	Timeout  time.Duration
}

type Redis struct {
	rc     redis.UniversalClient
	prefix string
	now    func() time.Time
	logger *log.Logger
}

type Option func(*Redis)

func WithPrefix(prefix string) Option {
	return func(r *Redis) {
		r.prefix = prefix
	}
}

// WithClock is used by tests to control timestamps and deadlines.
func WithClock(now func() time.Time) Option {
	return func(r *Redis) {
		r.now = now
	}
}

func New(rc redis.UniversalClient, opts ...Option) *Redis {
	r := &Redis{
		rc:     rc,
		prefix: "vq:",
		now:    time.Now,
		logger: log.Named("queue"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dial parses a redis:// URL. It does not contact the server.
func Dial(url string, opts ...Option) (*Redis, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return New(redis.NewClient(ropts), opts...), nil
}

func (r *Redis) jobKey(id string) string        { return r.prefix + "job:" + id }
func (r *Redis) queueKey(name string) string    { return r.prefix + "queue:" + name }
func (r *Redis) queuedKey(name string) string   { return r.prefix + "queued:" + name }
func (r *Redis) startedKey(name string) string  { return r.prefix + "started:" + name }
func (r *Redis) failedKey(name string) string   { return r.prefix + "failed:" + name }
func (r *Redis) finishedKey(name string) string { return r.prefix + "finished:" + name }

func (r *Redis) nowMillis() int64 {
	return r.now().UnixMilli()
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.rc.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.rc.Close()
}

// A queued job whose id is on no list was lost by a worker that died between
// pop and claim. Enqueue and RecoverOrphaned push such ids back.
var enqueueScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if st == 'started' then
	return 0
end
if st == 'queued' then
	if redis.call('LPOS', KEYS[2], ARGV[1]) then
		return 0
	end
	redis.call('ZADD', KEYS[5], tonumber(ARGV[5]), ARGV[1])
	redis.call('LPUSH', KEYS[2], ARGV[1])
	return 2
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1],
	'id', ARGV[1], 'queue', ARGV[2], 'kind', ARGV[3], 'entity_id', ARGV[4],
	'status', 'queued', 'enqueued_at', ARGV[5], 'timeout', ARGV[6])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('ZADD', KEYS[5], tonumber(ARGV[5]), ARGV[1])
redis.call('LPUSH', KEYS[2], ARGV[1])
return 1
`)

// Enqueue pushes the job unless a job with the same id is already waiting
// on its queue or started, in which case it returns the existing id without
// pushing again.
func (r *Redis) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if req.ID == "" || req.Queue == "" {
		return "", fmt.Errorf("job id and queue are required")
	}
	res, err := enqueueScript.Run(ctx, r.rc,
		[]string{r.jobKey(req.ID), r.queueKey(req.Queue), r.failedKey(req.Queue), r.finishedKey(req.Queue), r.queuedKey(req.Queue)},
		req.ID, req.Queue, req.Kind, req.EntityID, r.nowMillis(), int64(req.Timeout/time.Second),
	).Int()
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", req.ID, err)
	}
	switch res {
	case 0:
		r.logger.Info("job %s already in flight, not enqueued again", req.ID)
	case 2:
		r.logger.Warn("job %s was queued but on no list, pushed again", req.ID)
	}
	return req.ID, nil
}

func (r *Redis) FetchStatus(ctx context.Context, id string) (*Job, error) {
	fields, err := r.rc.HGetAll(ctx, r.jobKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	return decodeJob(fields), nil
}

var claimScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'queued' then
	return 0
end
local timeout = tonumber(redis.call('HGET', KEYS[1], 'timeout')) or 0
redis.call('HSET', KEYS[1], 'status', 'started', 'started_at', ARGV[2])
redis.call('ZADD', KEYS[2], tonumber(ARGV[2]) + timeout * 1000, ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
return 1
`)

// Dequeue blocks up to wait for a job on any of queues and marks it started.
// It returns nil when nothing arrived or the popped job was no longer queued.
// Once an id is popped the claim ignores ctx cancellation; a job popped but
// never claimed is pushed back by RecoverOrphaned or the next Enqueue.
func (r *Redis) Dequeue(ctx context.Context, queues []string, wait time.Duration) (*Job, error) {
	keys := make([]string, len(queues))
	for i, q := range queues {
		keys[i] = r.queueKey(q)
	}
	res, err := r.rc.BRPop(ctx, wait, keys...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	id := res[1]
	ctx = context.WithoutCancel(ctx)

	job, err := r.FetchStatus(ctx, id)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			r.logger.Warn("dropping unknown job id %s", id)
			return nil, nil
		}
		return nil, err
	}
	claimed, err := claimScript.Run(ctx, r.rc,
		[]string{r.jobKey(id), r.startedKey(job.Queue), r.queuedKey(job.Queue)},
		id, r.nowMillis(),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", id, err)
	}
	if claimed == 0 {
		r.logger.Info("skipping job %s in state %s", id, job.Status)
		return nil, nil
	}
	return r.FetchStatus(ctx, id)
}

var finishScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'started' then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[3], 'ended_at', ARGV[2], ARGV[4], ARGV[5])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[3], tonumber(ARGV[2]), ARGV[1])
return 1
`)

func (r *Redis) finish(ctx context.Context, job *Job, status Status, target, field, value string) (bool, error) {
	n, err := finishScript.Run(ctx, r.rc,
		[]string{r.jobKey(job.ID), r.startedKey(job.Queue), target},
		job.ID, r.nowMillis(), string(status), field, value,
	).Int()
	if err != nil {
		return false, fmt.Errorf("mark %s %s: %w", job.ID, status, err)
	}
	return n == 1, nil
}

// Complete records a started job as finished with its result payload.
func (r *Redis) Complete(ctx context.Context, job *Job, result string) error {
	ok, err := r.finish(ctx, job, StatusFinished, r.finishedKey(job.Queue), "result", result)
	if err == nil && !ok {
		r.logger.Warn("job %s was no longer started when it finished", job.ID)
	}
	return err
}

// Fail records a started job as failed with the error text.
func (r *Redis) Fail(ctx context.Context, job *Job, errText string) error {
	ok, err := r.finish(ctx, job, StatusFailed, r.failedKey(job.Queue), "exc_info", errText)
	if err == nil && !ok {
		r.logger.Warn("job %s was no longer started when it failed", job.ID)
	}
	return err
}

var cancelScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'queued' then
	return 0
end
redis.call('LREM', KEYS[2], 0, ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('HSET', KEYS[1], 'status', 'cancelled', 'ended_at', ARGV[2])
return 1
`)

// Cancel removes a job that has not been picked up yet. Started and
// terminal jobs are left alone and false is returned.
func (r *Redis) Cancel(ctx context.Context, id string) (bool, error) {
	job, err := r.FetchStatus(ctx, id)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return false, nil
		}
		return false, err
	}
	n, err := cancelScript.Run(ctx, r.rc,
		[]string{r.jobKey(id), r.queueKey(job.Queue), r.queuedKey(job.Queue)},
		id, r.nowMillis(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("cancel %s: %w", id, err)
	}
	return n == 1, nil
}

func (r *Redis) Depth(ctx context.Context, queue string) (int64, error) {
	return r.rc.LLen(ctx, r.queueKey(queue)).Result()
}

func (r *Redis) FailedCount(ctx context.Context, queue string) (int64, error) {
	return r.rc.ZCard(ctx, r.failedKey(queue)).Result()
}

func (r *Redis) StartedCount(ctx context.Context, queue string) (int64, error) {
	return r.rc.ZCard(ctx, r.startedKey(queue)).Result()
}

var requeueScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'failed' then
	redis.call('ZREM', KEYS[2], ARGV[1])
	return 0
end
redis.call('HSET', KEYS[1], 'status', 'queued', 'enqueued_at', ARGV[2])
redis.call('HDEL', KEYS[1], 'started_at', 'ended_at', 'exc_info')
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[4], tonumber(ARGV[2]), ARGV[1])
redis.call('LPUSH', KEYS[3], ARGV[1])
return 1
`)

// RequeueFailed moves every failed job of queue back onto it.
func (r *Redis) RequeueFailed(ctx context.Context, queue string) (int, error) {
	ids, err := r.rc.ZRange(ctx, r.failedKey(queue), 0, -1).Result()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, id := range ids {
		n, err := requeueScript.Run(ctx, r.rc,
			[]string{r.jobKey(id), r.failedKey(queue), r.queueKey(queue), r.queuedKey(queue)},
			id, r.nowMillis(),
		).Int()
		if err != nil {
			return count, fmt.Errorf("requeue %s: %w", id, err)
		}
		count += n
	}
	if count > 0 {
		r.logger.Info("requeued %d failed jobs on %s", count, queue)
	}
	return count, nil
}

// ExpireStarted fails started jobs of queue whose deadline has passed.
func (r *Redis) ExpireStarted(ctx context.Context, queue string) (int, error) {
	ids, err := r.rc.ZRangeByScore(ctx, r.startedKey(queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(r.nowMillis(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, id := range ids {
		ok, err := r.finish(ctx, &Job{ID: id, Queue: queue}, StatusFailed, r.failedKey(queue), "exc_info", ExpiredMessage)
		if err != nil {
			return count, err
		}
		if !ok {
			// Stale registry entry for a job that already ended.
			r.rc.ZRem(ctx, r.startedKey(queue), id)
			continue
		}
		count++
	}
	if count > 0 {
		r.logger.Warn("expired %d started jobs on %s", count, queue)
	}
	return count, nil
}

var recoverScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'queued' then
	redis.call('ZREM', KEYS[3], ARGV[1])
	return 0
end
if redis.call('LPOS', KEYS[2], ARGV[1]) then
	return 0
end
redis.call('LPUSH', KEYS[2], ARGV[1])
return 1
`)

// RecoverOrphaned pushes back queued jobs of queue that were enqueued more
// than grace ago and sit on no list. Entries whose job has moved on are
// dropped from the queued registry.
func (r *Redis) RecoverOrphaned(ctx context.Context, queue string, grace time.Duration) (int, error) {
	ids, err := r.rc.ZRangeByScore(ctx, r.queuedKey(queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(r.now().Add(-grace).UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, id := range ids {
		n, err := recoverScript.Run(ctx, r.rc,
			[]string{r.jobKey(id), r.queueKey(queue), r.queuedKey(queue)},
			id,
		).Int()
		if err != nil {
			return count, fmt.Errorf("recover %s: %w", id, err)
		}
		count += n
	}
	if count > 0 {
		r.logger.Warn("recovered %d orphaned jobs on %s", count, queue)
	}
	return count, nil
}

func decodeJob(fields map[string]string) *Job {
	timeoutSecs, _ := strconv.ParseInt(fields["timeout"], 10, 64)
	return &Job{
		ID:         fields["id"],
		Queue:      fields["queue"],
		Kind:       fields["kind"],
		EntityID:   fields["entity_id"],
		Status:     Status(fields["status"]),
		EnqueuedAt: parseMillis(fields["enqueued_at"]),
		StartedAt:  parseMillis(fields["started_at"]),
		EndedAt:    parseMillis(fields["ended_at"]),
		Timeout:    time.Duration(timeoutSecs) * time.Second,
		Result:     fields["result"],
		Error:      fields["exc_info"],
	}
}

func parseMillis(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
