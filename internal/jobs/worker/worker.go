package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	jobrepo "github.com/yungbote/notification-engine/internal/data/repos/jobs"
	types "github.com/yungbote/notification-engine/internal/domain/jobs"
	"github.com/yungbote/notification-engine/internal/jobs/runtime"
	"github.com/yungbote/notification-engine/internal/observability"
	"github.com/yungbote/notification-engine/internal/pkg/ctxutil"
	"github.com/yungbote/notification-engine/internal/pkg/dbctx"
	"github.com/yungbote/notification-engine/internal/pkg/envutil"
	"github.com/yungbote/notification-engine/internal/pkg/logger"
)

type Config struct {
	Concurrency    int
	PollInterval   time.Duration
	MaxAttempts    int
	RetryDelay     time.Duration
	StaleRunning   time.Duration
	HeartbeatEvery time.Duration
}

func ConfigFromEnv(log *logger.Logger) Config {
	return Config{
		Concurrency:    envutil.Int("WORKER_CONCURRENCY", 4, log),
		PollInterval:   envutil.Millis("WORKER_POLL_MS", 1000),
		MaxAttempts:    envutil.Int("WORKER_MAX_ATTEMPTS", 5, log),
		RetryDelay:     envutil.Seconds("WORKER_RETRY_DELAY_SECONDS", 30),
		StaleRunning:   envutil.Seconds("WORKER_STALE_RUNNING_SECONDS", 600),
		HeartbeatEvery: envutil.Seconds("WORKER_HEARTBEAT_SECONDS", 15),
	}
}

func (c Config) withDefaults() Config {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 5
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 30 * time.Second
	}
	if c.StaleRunning <= 0 {
		c.StaleRunning = 10 * time.Minute
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = 15 * time.Second
	}
	return c
}

type Worker struct {
	log      *logger.Logger
	repo     jobrepo.JobRunRepo
	registry *runtime.Registry
	metrics  *observability.Metrics
	cfg      Config
	wg       sync.WaitGroup
}

func NewWorker(baseLog *logger.Logger, repo jobrepo.JobRunRepo, registry *runtime.Registry, metrics *observability.Metrics, cfg Config) *Worker {
	if baseLog == nil {
		baseLog = logger.Nop()
	}
	return &Worker{
		log:      baseLog.With("component", "JobWorker"),
		repo:     repo,
		registry: registry,
		metrics:  metrics,
		cfg:      cfg.withDefaults(),
	}
}

func (w *Worker) Start(ctx context.Context) {
	w.log.Info("Starting job worker pool", "concurrency", w.cfg.Concurrency, "job_types", w.registry.Types())
	for i := 0; i < w.cfg.Concurrency; i++ {
		workerID := i + 1
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.runLoop(ctx, workerID)
		}()
	}
}

// Wait blocks until every loop started by Start has returned.
func (w *Worker) Wait() { w.wg.Wait() }

func (w *Worker) runLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Info("Worker loop stopped", "worker_id", workerID)
			return
		case <-ticker.C:
			// drain the queue before waiting for the next tick
			for ctx.Err() == nil {
				ran, err := w.RunOnce(ctx)
				if err != nil {
					w.log.Warn("ClaimNextRunnable failed", "worker_id", workerID, "error", err)
					break
				}
				if !ran {
					break
				}
			}
		}
	}
}

// RunOnce claims and executes at most one job. It reports whether a job ran.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.repo.ClaimNextRunnable(dbctx.Context{Ctx: ctx}, w.cfg.MaxAttempts, w.cfg.RetryDelay, w.cfg.StaleRunning)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.execute(ctx, job)
	return true, nil
}

func (w *Worker) execute(ctx context.Context, job *types.JobRun) {
	start := time.Now()
	jc := runtime.NewContext(ctx, job, w.repo)
	log := w.log.With(append(ctxutil.TraceFields(jc.Ctx), "job_id", job.ID, "job_type", job.JobType, "attempt", job.Attempts)...)

	h, ok := w.registry.Get(job.JobType)
	if !ok {
		log.Warn("No handler registered for job_type")
		jc.Fail("dispatch", &missingHandlerError{JobType: job.JobType})
		w.metrics.ObserveJob(job.JobType, "failed", time.Since(start))
		return
	}

	stopBeat := w.heartbeat(ctx, job)
	defer stopBeat()

	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("Job handler panic", "panic", r)
				jc.Fail("panic", errFromRecover(r))
			}
		}()
		if runErr := h.Run(jc); runErr != nil && !jc.Finished() {
			jc.Fail("run", runErr)
		}
	}()
	if !jc.Finished() {
		jc.Succeed("done", nil)
	}

	status := jc.Job.Status
	if status == types.StatusRunning {
		// terminal write was rejected: the row was canceled underneath us
		status = types.StatusCanceled
	}
	w.metrics.ObserveJob(job.JobType, status, time.Since(start))
	if status == types.StatusFailed {
		log.Warn("Job failed", "error", jc.Job.Error, "duration_ms", time.Since(start).Milliseconds())
		return
	}
	log.Debug("Job finished", "status", status, "duration_ms", time.Since(start).Milliseconds())
}

// heartbeat keeps a long job from being reclaimed as stale.
func (w *Worker) heartbeat(ctx context.Context, job *types.JobRun) func() {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(w.cfg.HeartbeatEvery)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if err := w.repo.Heartbeat(dbctx.Context{Ctx: ctx}, job.ID); err != nil {
					w.log.Warn("Job heartbeat failed", "job_id", job.ID, "error", err)
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

type missingHandlerError struct{ JobType string }

func (e *missingHandlerError) Error() string { return "no handler registered for job_type=" + e.JobType }

func errFromRecover(v any) error { return &panicError{Val: v} }

type panicError struct{ Val any }

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.Val) }
