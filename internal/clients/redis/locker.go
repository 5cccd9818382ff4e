package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	types "github.com/yungbote/notification-engine/internal/domain/notifications"
	"github.com/yungbote/notification-engine/internal/observability"
	"github.com/yungbote/notification-engine/internal/pkg/ctxutil"
	"github.com/yungbote/notification-engine/internal/pkg/logger"
)

const (
	defaultLockTTL  = 30 * time.Second
	defaultLockPoll = 50 * time.Millisecond
)

// releaseScript deletes the key only while it still carries our token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type LockerOptions struct {
	Prefix string
	// TTL bounds how long a crashed holder can block a recipient.
	TTL  time.Duration
	Poll time.Duration
}

// RecipientLocker serializes recompute for one recipient across processes
// with SET NX PX and a token-checked release.
type RecipientLocker struct {
	rdb     goredis.UniversalClient
	log     *logger.Logger
	metrics *observability.Metrics
	opts    LockerOptions
}

func NewRecipientLocker(rdb goredis.UniversalClient, log *logger.Logger, metrics *observability.Metrics, opts LockerOptions) *RecipientLocker {
	if log == nil {
		log = logger.Nop()
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultLockTTL
	}
	if opts.Poll <= 0 {
		opts.Poll = defaultLockPoll
	}
	opts.Prefix = strings.TrimSuffix(strings.TrimSpace(opts.Prefix), ":")
	if opts.Prefix == "" {
		opts.Prefix = "notif"
	}
	return &RecipientLocker{rdb: rdb, log: log.With("service", "RedisRecipientLocker"), metrics: metrics, opts: opts}
}

func (l *RecipientLocker) key(recipient types.RecipientRef) string {
	return fmt.Sprintf("%s:recompute-lock:%s:%s", l.opts.Prefix, recipient.Kind, recipient.ID)
}

func (l *RecipientLocker) Lock(ctx context.Context, recipient types.RecipientRef) (func(), error) {
	if l == nil || l.rdb == nil {
		return nil, fmt.Errorf("redis locker not initialized")
	}
	key := l.key(recipient)
	token := uuid.NewString()

	ticker := time.NewTicker(l.opts.Poll)
	defer ticker.Stop()
	contended := false
	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.opts.TTL).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				l.metrics.IncLockAttempt("redis", "canceled")
				return nil, ctxErr
			}
			l.metrics.IncLockAttempt("redis", "error")
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			result := "acquired"
			if contended {
				result = "acquired_after_wait"
			}
			l.metrics.IncLockAttempt("redis", result)
			return l.unlocker(ctx, key, token), nil
		}
		contended = true
		select {
		case <-ctx.Done():
			l.metrics.IncLockAttempt("redis", "canceled")
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *RecipientLocker) unlocker(ctx context.Context, key, token string) func() {
	released := false
	return func() {
		if released {
			return
		}
		released = true
		// release must run even when the caller's context is already done
		rctx, cancel := context.WithTimeout(ctxutil.Detached(ctx), 5*time.Second)
		defer cancel()
		n, err := releaseScript.Run(rctx, l.rdb, []string{key}, token).Int()
		switch {
		case err != nil && !errors.Is(err, goredis.Nil):
			l.log.Warn("recompute lock release failed", "key", key, "error", err)
		case n == 0:
			l.log.Warn("recompute lock expired before release", "key", key, "ttl", l.opts.TTL)
		}
	}
}
