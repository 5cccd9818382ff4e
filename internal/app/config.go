package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/yungbote/notification-engine/internal/pkg/envutil"
	"github.com/yungbote/notification-engine/internal/pkg/logger"
)

const (
	TriggerDirect   = "direct"
	TriggerJobs     = "jobs"
	TriggerTemporal = "temporal"
)

type Config struct {
	Env     string
	Version string
	Port    string

	// RecomputeTrigger picks the single path recipient changes take.
	RecomputeTrigger string
	// RunWorker starts the background consumer for the selected trigger.
	RunWorker bool
	RunServer bool

	SweepSchedule    string
	SweepTimeout     time.Duration
	SweepConcurrency int
	SweepBatchSize   int

	RecipientLockTTL    time.Duration
	WorkflowIdleSeconds int

	AdminToken  string
	CORSOrigins []string
	MetricsAddr string
}

func LoadConfig(log *logger.Logger) (Config, error) {
	cfg := Config{
		Env:                 envutil.String("APP_ENV", "development", log),
		Version:             envutil.String("APP_VERSION", "dev", log),
		Port:                envutil.String("PORT", "8080", log),
		RecomputeTrigger:    strings.ToLower(envutil.String("RECOMPUTE_TRIGGER", TriggerDirect, log)),
		RunWorker:           envutil.Bool("RUN_WORKER", true),
		RunServer:           envutil.Bool("RUN_SERVER", true),
		SweepSchedule:       envutil.String("SWEEP_SCHEDULE", "", log),
		SweepTimeout:        envutil.Seconds("SWEEP_TIMEOUT_SECONDS", 1800),
		SweepConcurrency:    envutil.Int("SWEEP_CONCURRENCY", 4, log),
		SweepBatchSize:      envutil.Int("SWEEP_BATCH_SIZE", 200, log),
		RecipientLockTTL:    envutil.Seconds("RECIPIENT_LOCK_TTL_SECONDS", 30),
		WorkflowIdleSeconds: envutil.Int("TEMPORAL_RECOMPUTE_IDLE_SECONDS", 60, log),
		AdminToken:          envutil.String("ADMIN_TOKEN", "", log),
		CORSOrigins:         splitList(envutil.String("CORS_ALLOWED_ORIGINS", "", log)),
		MetricsAddr:         envutil.String("METRICS_ADDR", "", log),
	}
	switch cfg.RecomputeTrigger {
	case TriggerDirect, TriggerJobs, TriggerTemporal:
	default:
		return cfg, fmt.Errorf("unknown RECOMPUTE_TRIGGER %q (want direct, jobs or temporal)", cfg.RecomputeTrigger)
	}
	if cfg.SweepConcurrency <= 0 {
		cfg.SweepConcurrency = 4
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = 200
	}
	if cfg.RecipientLockTTL <= 0 {
		cfg.RecipientLockTTL = 30 * time.Second
	}
	return cfg, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
