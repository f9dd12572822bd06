package worker

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MimeLyc/video-pipeline/internal/jobs"
	"github.com/MimeLyc/video-pipeline/internal/queue"
	"github.com/MimeLyc/video-pipeline/pkg/log"
)

// Source is the durable queue surface the consumer pulls from.
type Source interface {
	Dequeue(ctx context.Context, queues []string, wait time.Duration) (*queue.Job, error)
	Complete(ctx context.Context, job *queue.Job, result string) error
	Fail(ctx context.Context, job *queue.Job, errText string) error
}

// HandleFunc is what the consumer runs for each job. Runtime.Handle fits.
type HandleFunc func(ctx context.Context, kind jobs.Kind, entityID string) (string, error)

// Consumer pulls jobs from the durable queue with a fixed number of loops.
type Consumer struct {
	source       Source
	handle       HandleFunc
	queues       []string
	concurrency  int
	pollWait     time.Duration
	errorBackoff time.Duration
	logger       *log.Logger
}

type ConsumerOption func(*Consumer)

func WithConcurrency(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

func WithPollWait(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if d > 0 {
			c.pollWait = d
		}
	}
}

func WithErrorBackoff(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.errorBackoff = d
	}
}

func NewConsumer(source Source, handle HandleFunc, queues []string, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		source:       source,
		handle:       handle,
		queues:       queues,
		concurrency:  1,
		pollWait:     5 * time.Second,
		errorBackoff: time.Second,
		logger:       log.Named("consumer"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run blocks until ctx is cancelled or a loop returns an error.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("consuming %v with %d loops", c.queues, c.concurrency)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.concurrency; i++ {
		g.Go(func() error {
			return c.loop(gctx)
		})
	}
	return g.Wait()
}

func (c *Consumer) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		job, err := c.source.Dequeue(ctx, c.queues, c.pollWait)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("dequeue: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.errorBackoff):
			}
			continue
		}
		if job == nil {
			continue
		}
		c.process(ctx, job)
	}
}

func (c *Consumer) process(ctx context.Context, job *queue.Job) {
	jctx, cancel := ctx, context.CancelFunc(func() {})
	if job.Timeout > 0 {
		jctx, cancel = context.WithTimeout(ctx, job.Timeout)
	}
	defer cancel()

	c.logger.Info("picked %s from %s", job.ID, job.Queue)
	result, err := c.handle(jctx, jobs.Kind(job.Kind), job.EntityID)

	finalCtx := context.WithoutCancel(ctx)
	if err != nil {
		if ferr := c.source.Fail(finalCtx, job, err.Error()); ferr != nil {
			c.logger.Error("mark %s failed: %v", job.ID, ferr)
		}
		return
	}
	if cerr := c.source.Complete(finalCtx, job, result); cerr != nil {
		c.logger.Error("mark %s finished: %v", job.ID, cerr)
	}
}
