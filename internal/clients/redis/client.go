package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/notification-engine/internal/pkg/envutil"
	"github.com/yungbote/notification-engine/internal/pkg/logger"
)

type Config struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
	KeyPrefix   string
}

func ConfigFromEnv(log *logger.Logger) Config {
	return Config{
		Addr:        envutil.String("REDIS_ADDR", "", log),
		Password:    envutil.String("REDIS_PASSWORD", "", nil),
		DB:          envutil.Int("REDIS_DB", 0, log),
		DialTimeout: envutil.Seconds("REDIS_DIAL_TIMEOUT_SECONDS", 5),
		KeyPrefix:   envutil.String("REDIS_KEY_PREFIX", "notif", log),
	}
}

func (c Config) Enabled() bool { return strings.TrimSpace(c.Addr) != "" }

// NewClient dials and pings. The caller owns the returned client.
func NewClient(ctx context.Context, log *logger.Logger, cfg Config) (*goredis.Client, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if log != nil {
		log.Info("redis connected", "addr", cfg.Addr, "db", cfg.DB)
	}
	return rdb, nil
}
