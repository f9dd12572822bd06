package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/MimeLyc/video-pipeline/internal/config"
	"github.com/MimeLyc/video-pipeline/internal/events"
	"github.com/MimeLyc/video-pipeline/internal/httpapi"
	"github.com/MimeLyc/video-pipeline/internal/jobs"
	"github.com/MimeLyc/video-pipeline/internal/journal"
	"github.com/MimeLyc/video-pipeline/internal/maintenance"
	"github.com/MimeLyc/video-pipeline/internal/media"
	"github.com/MimeLyc/video-pipeline/internal/pipeline"
	"github.com/MimeLyc/video-pipeline/internal/queue"
	"github.com/MimeLyc/video-pipeline/internal/storage"
	"github.com/MimeLyc/video-pipeline/internal/store"
	"github.com/MimeLyc/video-pipeline/internal/worker"
	"github.com/MimeLyc/video-pipeline/pkg/icron"
	"github.com/MimeLyc/video-pipeline/pkg/log"
)

const usage = `usage: video-pipeline <command>

commands:
  serve                 dispatcher, local fallback runner, ops API and maintenance
  worker                durable queue consumer
  ingest <file> <user>  upload a local video, create its project and enqueue processing`

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Warn("Failed to load .env: %v", err)
	}
	cfg, err := config.NewFromEnv()
	if err != nil {
		log.Fatal("Failed to load configuration: %v", err)
	}
	closeLog := setupLogging(cfg)
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}
	switch cmd {
	case "serve":
		err = serve(ctx, cfg)
	case "worker":
		err = work(ctx, cfg)
	case "ingest":
		err = ingest(ctx, cfg, os.Args[2:])
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Error("%s: %v", cmd, err)
		os.Exit(1)
	}
}

func setupLogging(cfg *config.Config) func() {
	level := log.ParseLevel(cfg.System.LogLevel)
	if cfg.System.LogFile == "" {
		log.InitLogger(level)
		return func() {}
	}
	fl, err := log.NewFileLogger(cfg.System.LogFile, level)
	if err != nil {
		log.InitLogger(level)
		log.Warn("Failed to open log file %s, logging to stdout: %v", cfg.System.LogFile, err)
		return func() {}
	}
	log.SetLogger(fl.Logger)
	return func() { _ = fl.Close() }
}

// components are the pieces shared by every command.
type components struct {
	queue     *queue.Redis
	runtime   *worker.Runtime
	publisher events.Publisher
	reporter  worker.Reporter
}

func (c *components) durable() jobs.DurableQueue {
	if c.queue == nil {
		return nil
	}
	return c.queue
}

func (c *components) Close() {
	c.reporter.Flush(2 * time.Second)
	if err := c.publisher.Close(); err != nil {
		log.Warn("Failed to close event publisher: %v", err)
	}
	if c.queue != nil {
		_ = c.queue.Close()
	}
}

func buildComponents(cfg *config.Config) (*components, error) {
	c := &components{}

	if cfg.Queue.Configured() {
		q, err := queue.Dial(cfg.Queue.RedisURL)
		if err != nil {
			return nil, err
		}
		c.queue = q
	}

	c.publisher = events.NewLogPublisher()
	if cfg.Events.AMQPURL != "" {
		pub, err := events.Dial(cfg.Events.AMQPURL, cfg.Events.Exchange)
		if err != nil {
			log.Warn("Event broker unavailable, logging events instead: %v", err)
		} else {
			c.publisher = pub
		}
	}

	reporter, err := worker.NewReporter(cfg.Sentry)
	if err != nil {
		log.Warn("Failed to initialise sentry: %v", err)
		reporter, _ = worker.NewReporter(config.SentryConfig{})
	}
	c.reporter = reporter

	backend := media.NewBackend(
		media.WithBinaries(cfg.Media.FFmpegPath, cfg.Media.FFprobePath),
		media.WithTimeout(cfg.Media.Timeout),
	)
	engineOpts := []pipeline.Option{
		pipeline.WithScratchRoot(cfg.Worker.ScratchDir),
		pipeline.WithDownloadTimeout(cfg.Media.DownloadTimeout),
	}
	if cfg.Storage.Backend == "local" {
		engineOpts = append(engineOpts, pipeline.WithLocalFiles(cfg.Storage.LocalDir))
	}
	c.runtime = worker.New(
		worker.NewSessionFactory(cfg),
		worker.EnginePipelines(backend, engineOpts...),
		worker.WithPublisher(c.publisher),
		worker.WithReporter(c.reporter),
		worker.WithClaimLease(max(cfg.Queue.ProcessTimeout, cfg.Queue.RenderTimeout)),
	)
	return c, nil
}

func routes(cfg *config.Config) map[jobs.Kind]jobs.Route {
	return map[jobs.Kind]jobs.Route{
		jobs.KindProcessVideo: {Queue: cfg.Queue.ProcessQueue, Timeout: cfg.Queue.ProcessTimeout},
		jobs.KindRenderVideo:  {Queue: cfg.Queue.RenderQueue, Timeout: cfg.Queue.RenderTimeout},
	}
}

// prepareDatabase applies schema migrations once per process. Job sessions
// only connect.
func prepareDatabase(ctx context.Context, cfg *config.Config) error {
	if err := store.Migrate(ctx, cfg.Database); err != nil {
		return fmt.Errorf("migrate %s database: %w", cfg.Database.Driver(), err)
	}
	log.Info("Database schema up to date (%s)", cfg.Database.Driver())
	return nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	if err := prepareDatabase(ctx, cfg); err != nil {
		return err
	}
	c, err := buildComponents(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	j, err := journal.Open(cfg.JournalPath())
	if err != nil {
		return err
	}
	defer j.Close()

	local := jobs.NewLocalRunner(c.runtime.Handle,
		jobs.WithJournal(j),
		jobs.WithBaseContext(ctx),
	)
	defer local.Wait()

	dispatcher := jobs.NewDispatcher(c.durable(), local, jobs.WithRoutes(routes(cfg)))

	sweepOpts := []maintenance.Option{
		maintenance.WithPruner(local, cfg.Maintenance.JournalRetention),
		maintenance.WithScratch(cfg.Worker.ScratchDir, max(cfg.Queue.ProcessTimeout, cfg.Queue.RenderTimeout)),
	}
	if c.queue != nil {
		sweepOpts = append(sweepOpts, maintenance.WithExpirer(c.queue, dispatcher.Queues()...))
	}
	sweeper := maintenance.NewSweeper(sweepOpts...)

	cronEngine := icron.New()
	scheduler := schedulerFunc(func(ctx context.Context) error {
		return sweeper.Schedule(ctx, cronEngine, cfg.Maintenance.CronExpr)
	})

	srv := httpapi.NewServer(dispatcher, httpapi.WithLocalJobs(local))
	return runWithComponents(ctx, cfg, scheduler, cronEngine, srv)
}

type scheduler interface {
	Schedule(ctx context.Context) error
}

type schedulerFunc func(ctx context.Context) error

func (f schedulerFunc) Schedule(ctx context.Context) error { return f(ctx) }

type cronRunner interface {
	Start()
	Stop() context.Context
}

type httpServer interface {
	ListenAndServe(addr string) error
	Shutdown(ctx context.Context) error
}

// runWithComponents starts the schedule and the HTTP server and blocks until
// ctx is cancelled or the server stops on its own.
func runWithComponents(
	ctx context.Context,
	cfg *config.Config,
	sched scheduler,
	cronEngine cronRunner,
	httpSrv httpServer,
) error {
	if err := sched.Schedule(ctx); err != nil {
		return fmt.Errorf("schedule maintenance: %w", err)
	}
	cronEngine.Start()
	defer cronEngine.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe(cfg.HTTP.Addr)
	}()
	log.Info("Ops API listening on %s", cfg.HTTP.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func work(ctx context.Context, cfg *config.Config) error {
	if !cfg.Queue.Configured() {
		return errors.New("worker requires REDIS_URL")
	}
	if err := prepareDatabase(ctx, cfg); err != nil {
		return err
	}
	c, err := buildComponents(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.queue.Ping(ctx); err != nil {
		return fmt.Errorf("durable queue unreachable: %w", err)
	}

	consumer := worker.NewConsumer(c.queue, c.runtime.Handle,
		[]string{cfg.Queue.ProcessQueue, cfg.Queue.RenderQueue},
		worker.WithConcurrency(cfg.Worker.Concurrency),
		worker.WithPollWait(cfg.Worker.PollWait),
	)
	return consumer.Run(ctx)
}

// ingest uploads a local file as a new project and enqueues its processing.
// Without a durable queue it waits for the local run to finish.
func ingest(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: ingest <file> <user>")
	}
	path, userID := args[0], args[1]

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	objects, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer objects.Close()
	if err := objects.EnsureBucket(ctx); err != nil {
		return err
	}

	if err := prepareDatabase(ctx, cfg); err != nil {
		return err
	}
	st, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	project := &store.Project{
		ID:     store.NewID(),
		UserID: userID,
		Name:   filepath.Base(path),
	}
	obj, err := objects.Upload(ctx, data, storage.VideoPath(userID, project.ID), "")
	if err != nil {
		return err
	}
	project.OriginalURL = obj.URL
	if err := st.CreateProject(ctx, project); err != nil {
		return err
	}
	log.Info("Created project %s from %s (%d bytes)", project.ID, path, obj.Size)

	c, err := buildComponents(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	local := jobs.NewLocalRunner(c.runtime.Handle, jobs.WithBaseContext(ctx))
	dispatcher := jobs.NewDispatcher(c.durable(), local, jobs.WithRoutes(routes(cfg)))
	id, err := dispatcher.Enqueue(ctx, jobs.KindProcessVideo, project.ID)
	if err != nil {
		return err
	}
	local.Wait()

	job, err := dispatcher.Status(ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("project=%s job=%s status=%s\n", project.ID, id, job.Status)
	if job.Status == jobs.StatusFailed {
		return errors.New(job.Error)
	}
	return nil
}
