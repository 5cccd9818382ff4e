package app

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	temporalsdkclient "go.temporal.io/sdk/client"

	redisclient "github.com/yungbote/notification-engine/internal/clients/redis"
	"github.com/yungbote/notification-engine/internal/pkg/logger"
	"github.com/yungbote/notification-engine/internal/temporalx"
)

type Clients struct {
	Redis       *goredis.Client
	RedisCfg    redisclient.Config
	Temporal    temporalsdkclient.Client
	TemporalCfg temporalx.Config
}

func wireClients(ctx context.Context, log *logger.Logger, cfg Config) (Clients, error) {
	log.Info("Wiring clients...")
	var out Clients

	// Redis
	out.RedisCfg = redisclient.ConfigFromEnv(log)
	if out.RedisCfg.Enabled() {
		rdb, err := redisclient.NewClient(ctx, log, out.RedisCfg)
		if err != nil {
			return Clients{}, fmt.Errorf("init redis: %w", err)
		}
		out.Redis = rdb
	}

	// Temporal
	out.TemporalCfg = temporalx.LoadConfig(log)
	if cfg.RecomputeTrigger == TriggerTemporal && !out.TemporalCfg.Enabled() {
		out.Close()
		return Clients{}, fmt.Errorf("RECOMPUTE_TRIGGER=temporal requires TEMPORAL_ADDRESS")
	}
	if out.TemporalCfg.Enabled() {
		tc, err := temporalx.NewClient(ctx, log, out.TemporalCfg)
		if err != nil {
			out.Close()
			return Clients{}, fmt.Errorf("init temporal: %w", err)
		}
		out.Temporal = tc
	}
	return out, nil
}

func (c *Clients) Close() {
	if c == nil {
		return
	}
	if c.Temporal != nil {
		c.Temporal.Close()
	}
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
}
