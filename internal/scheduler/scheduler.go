package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron"

	"github.com/yungbote/notification-engine/internal/pkg/ctxutil"
	"github.com/yungbote/notification-engine/internal/pkg/logger"
)

// Task is one scheduled run. It receives a context that is canceled when
// the scheduler stops.
type Task func(ctx context.Context) error

// Scheduler fires the periodic sweep. A tick that lands while the previous
// run is still going is skipped rather than queued.
type Scheduler struct {
	log     *logger.Logger
	spec    string
	task    Task
	timeout time.Duration

	cron    *cron.Cron
	running atomic.Bool
	skipped atomic.Int64
	runs    atomic.Int64
}

// New parses spec with the six-field seconds-first grammar or a descriptor
// such as "@every 15m".
func New(log *logger.Logger, spec string, timeout time.Duration, task Task) (*Scheduler, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	if task == nil {
		return nil, fmt.Errorf("nil task")
	}
	if _, err := cron.Parse(spec); err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Scheduler{
		log:     log.With("component", "SweepScheduler", "schedule", spec),
		spec:    spec,
		task:    task,
		timeout: timeout,
		cron:    cron.New(),
	}, nil
}

// Start registers the task and runs the cron loop until ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.cron.AddFunc(s.spec, func() { s.fire(ctx) }); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info("Sweep scheduler started", "next", s.Next(time.Now()))
	go func() {
		<-ctx.Done()
		s.cron.Stop()
		s.log.Info("Sweep scheduler stopped")
	}()
	return nil
}

func (s *Scheduler) fire(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if !s.running.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		s.log.Warn("previous sweep still running; skipping tick")
		return
	}
	defer s.running.Store(false)
	s.runs.Add(1)

	runCtx := ctxutil.Default(ctx)
	if s.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, s.timeout)
		defer cancel()
	}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduled sweep panicked", "panic", r)
		}
	}()
	if err := s.task(runCtx); err != nil {
		s.log.Warn("scheduled sweep failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
		return
	}
	s.log.Debug("scheduled sweep finished", "duration_ms", time.Since(start).Milliseconds())
}

// Next reports when the schedule fires after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	sched, err := cron.Parse(s.spec)
	if err != nil {
		return time.Time{}
	}
	return sched.Next(t)
}
