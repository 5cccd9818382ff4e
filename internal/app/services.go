package app

import (
	"fmt"

	"gorm.io/gorm"

	redisclient "github.com/yungbote/notification-engine/internal/clients/redis"
	types "github.com/yungbote/notification-engine/internal/domain/notifications"
	"github.com/yungbote/notification-engine/internal/jobs"
	"github.com/yungbote/notification-engine/internal/jobs/pipeline/notification_recompute"
	"github.com/yungbote/notification-engine/internal/jobs/pipeline/notification_sweep"
	"github.com/yungbote/notification-engine/internal/jobs/runtime"
	"github.com/yungbote/notification-engine/internal/jobs/worker"
	notifmod "github.com/yungbote/notification-engine/internal/modules/notifications"
	"github.com/yungbote/notification-engine/internal/observability"
	"github.com/yungbote/notification-engine/internal/pkg/logger"
	"github.com/yungbote/notification-engine/internal/scheduler"
	"github.com/yungbote/notification-engine/internal/temporalx/recompute"
	"github.com/yungbote/notification-engine/internal/temporalx/temporalworker"
)

type Services struct {
	Usecases      *notifmod.Usecases
	Notifications notifmod.NotificationService
	Signal        notifmod.RecomputeSignal
	Enqueuer      *jobs.Enqueuer
	Sweeps        *sweepDispatcher

	// Background consumers; nil when the configured trigger does not use them.
	JobWorker      *worker.Worker
	TemporalWorker *temporalworker.Runner
	Scheduler      *scheduler.Scheduler
}

func wireServices(db *gorm.DB, log *logger.Logger, cfg Config, metrics *observability.Metrics, repos Repos, clients Clients) (Services, error) {
	log.Info("Wiring services...")

	profiles, err := types.LoadProfiles(log)
	if err != nil {
		return Services{}, fmt.Errorf("load aggregation profiles: %w", err)
	}

	var locker notifmod.RecipientLocker = notifmod.NewLocalLocker()
	if clients.Redis != nil {
		locker = redisclient.NewRecipientLocker(clients.Redis, log, metrics, redisclient.LockerOptions{
			Prefix: clients.RedisCfg.KeyPrefix,
			TTL:    cfg.RecipientLockTTL,
		})
		log.Info("Using redis recipient lock", "ttl", cfg.RecipientLockTTL)
	} else {
		log.Warn("REDIS_ADDR not set; recipient lock is process-local")
	}

	uc := notifmod.New(notifmod.UsecasesDeps{
		DB:            db,
		Log:           log,
		Metrics:       metrics,
		Profiles:      profiles,
		Notifications: repos.Notifications,
		Locker:        locker,
	})
	enqueuer := jobs.NewEnqueuer(repos.JobRuns, log, metrics)

	out := Services{Usecases: uc, Enqueuer: enqueuer}
	switch cfg.RecomputeTrigger {
	case TriggerJobs:
		out.Signal = enqueuer
		if cfg.RunWorker {
			registry := runtime.NewRegistry()
			for _, h := range []runtime.Handler{
				notification_recompute.New(log, uc.Driver),
				notification_sweep.New(log, uc.Driver),
			} {
				if err := registry.Register(h); err != nil {
					return Services{}, err
				}
			}
			out.JobWorker = worker.NewWorker(log, repos.JobRuns, registry, metrics, worker.ConfigFromEnv(log))
		}
	case TriggerTemporal:
		out.Signal = &recompute.Signal{
			Client:      clients.Temporal,
			TaskQueue:   clients.TemporalCfg.TaskQueue,
			IdleSeconds: cfg.WorkflowIdleSeconds,
			Metrics:     metrics,
		}
		if cfg.RunWorker {
			runner, err := temporalworker.NewRunner(log, clients.Temporal, clients.TemporalCfg, uc.Driver)
			if err != nil {
				return Services{}, fmt.Errorf("init temporal worker: %w", err)
			}
			out.TemporalWorker = runner
		}
	default:
		out.Signal = notifmod.NewDirectSignal(uc.Driver, log, metrics)
	}
	out.Notifications = uc.Service(out.Signal)
	log.Info("Recompute trigger selected", "trigger", cfg.RecomputeTrigger)

	out.Sweeps = &sweepDispatcher{
		log:         log.With("component", "SweepDispatcher"),
		mode:        cfg.RecomputeTrigger,
		driver:      uc.Driver,
		enqueuer:    enqueuer,
		temporal:    clients.Temporal,
		taskQueue:   clients.TemporalCfg.TaskQueue,
		batchSize:   cfg.SweepBatchSize,
		concurrency: cfg.SweepConcurrency,
	}

	if cfg.SweepSchedule != "" && cfg.RunWorker {
		sched, err := scheduler.New(log, cfg.SweepSchedule, cfg.SweepTimeout, out.Sweeps.scheduledSweep)
		if err != nil {
			return Services{}, fmt.Errorf("init sweep scheduler: %w", err)
		}
		out.Scheduler = sched
	}
	return out, nil
}
