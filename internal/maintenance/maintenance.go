package maintenance

import (
	"context"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/MimeLyc/video-pipeline/pkg/file"
	"github.com/MimeLyc/video-pipeline/pkg/icron"
	"github.com/MimeLyc/video-pipeline/pkg/log"
)

// Expirer fails durable jobs that outlived their timeout and pushes back
// queued jobs that a dead worker popped but never claimed.
type Expirer interface {
	ExpireStarted(ctx context.Context, queue string) (int, error)
	RecoverOrphaned(ctx context.Context, queue string, grace time.Duration) (int, error)
}

// DefaultOrphanGrace is how long a queued job may sit on no list before it
// is pushed back.
const DefaultOrphanGrace = 5 * time.Minute

// scratchPrefixes are the scratch entries the pipeline creates. Anything
// else in the scratch dir is left alone.
var scratchPrefixes = []string{"process-", "render-"}

// Pruner forgets terminal local jobs that ended before cutoff.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) int
}

type Report struct {
	Expired   int
	Recovered int
	Pruned    int
	Swept     int
}

// Sweeper runs the periodic housekeeping sweeps.
type Sweeper struct {
	expirer     Expirer
	queues      []string
	orphanGrace time.Duration
	pruner      Pruner
	retention   time.Duration

	scratchDir    string
	scratchMaxAge time.Duration

	now    func() time.Time
	sf     singleflight.Group
	logger *log.Logger
}

type Option func(*Sweeper)

// WithExpirer enables the expiry sweep over the given queues.
func WithExpirer(e Expirer, queues ...string) Option {
	return func(s *Sweeper) {
		s.expirer = e
		s.queues = queues
	}
}

// WithPruner enables pruning of local jobs older than retention.
func WithPruner(p Pruner, retention time.Duration) Option {
	return func(s *Sweeper) {
		s.pruner = p
		s.retention = retention
	}
}

// WithScratch enables removal of scratch entries older than maxAge.
func WithScratch(dir string, maxAge time.Duration) Option {
	return func(s *Sweeper) {
		s.scratchDir = dir
		s.scratchMaxAge = maxAge
	}
}

// WithOrphanGrace overrides DefaultOrphanGrace.
func WithOrphanGrace(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.orphanGrace = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		s.now = now
	}
}

func NewSweeper(opts ...Option) *Sweeper {
	s := &Sweeper{
		orphanGrace: DefaultOrphanGrace,
		now:         time.Now,
		logger:      log.Named("maintenance"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes every enabled sweep once. A failing sweep is logged and does
// not stop the others.
func (s *Sweeper) Run(ctx context.Context) Report {
	var report Report
	now := s.now()

	if s.expirer != nil {
		for _, q := range s.queues {
			n, err := s.expirer.ExpireStarted(ctx, q)
			if err != nil {
				s.logger.Warn("expire started jobs on %s: %v", q, err)
				continue
			}
			report.Expired += n

			n, err = s.expirer.RecoverOrphaned(ctx, q, s.orphanGrace)
			if err != nil {
				s.logger.Warn("recover orphaned jobs on %s: %v", q, err)
				continue
			}
			report.Recovered += n
		}
	}

	if s.pruner != nil && s.retention > 0 {
		report.Pruned = s.pruner.Prune(ctx, now.Add(-s.retention))
	}

	if s.scratchDir != "" && s.scratchMaxAge > 0 {
		stale, err := file.ListStale(s.scratchDir, now.Add(-s.scratchMaxAge), scratchPrefixes...)
		if err != nil {
			s.logger.Warn("list scratch dir %s: %v", s.scratchDir, err)
		}
		for _, p := range stale {
			if err := os.RemoveAll(p); err != nil {
				s.logger.Warn("remove stale scratch %s: %v", p, err)
				continue
			}
			report.Swept++
		}
	}

	if report.Expired+report.Recovered+report.Pruned+report.Swept > 0 {
		s.logger.Info("sweep done: expired=%d recovered=%d pruned=%d swept=%d",
			report.Expired, report.Recovered, report.Pruned, report.Swept)
	}
	return report
}

// Schedule registers the sweep on c. Overlapping triggers share one run.
func (s *Sweeper) Schedule(ctx context.Context, c *cron.Cron, cronExpr string) error {
	info, err := icron.GetTriggerInfo(cronExpr, s.now())
	if err != nil {
		return err
	}
	_, err = c.AddFunc(cronExpr, func() {
		_, _, _ = s.sf.Do("sweep", func() (any, error) {
			return s.Run(ctx), nil
		})
	})
	if err != nil {
		return err
	}
	s.logger.Info("maintenance scheduled (%s), first run in %s", cronExpr, info.TimeUntilNext.Round(time.Second))
	return nil
}
