// Command notification_sweep runs one grouping sweep against the configured
// store and prints the report as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	redisclient "github.com/yungbote/notification-engine/internal/clients/redis"
	"github.com/yungbote/notification-engine/internal/data/db"
	notifrepo "github.com/yungbote/notification-engine/internal/data/repos/notifications"
	types "github.com/yungbote/notification-engine/internal/domain/notifications"
	notifmod "github.com/yungbote/notification-engine/internal/modules/notifications"
	"github.com/yungbote/notification-engine/internal/observability"
	"github.com/yungbote/notification-engine/internal/pkg/envutil"
	"github.com/yungbote/notification-engine/internal/pkg/logger"
	"github.com/yungbote/notification-engine/internal/pkg/shutdown"
)

type recipientList []types.RecipientRef

func (l *recipientList) String() string {
	parts := make([]string, 0, len(*l))
	for _, r := range *l {
		parts = append(parts, r.String())
	}
	return strings.Join(parts, ",")
}

func (l *recipientList) Set(raw string) error {
	r, err := types.ParseRecipientRef(raw)
	if err != nil {
		return err
	}
	*l = append(*l, r)
	return nil
}

func main() {
	_ = godotenv.Load()

	var (
		recipients  recipientList
		after       = flag.String("after", "", "resume after this recipient (kind:id)")
		limit       = flag.Int("limit", 0, "stop after this many recipients (0 = all)")
		batchSize   = flag.Int("batch-size", envutil.Int("SWEEP_BATCH_SIZE", 200, nil), "recipients per page")
		concurrency = flag.Int("concurrency", envutil.Int("SWEEP_CONCURRENCY", 4, nil), "recipients processed in parallel")
		dryRun      = flag.Bool("dry-run", false, "compute the report without writing")
	)
	flag.Var(&recipients, "recipient", "restrict to this recipient (kind:id); repeatable")
	flag.Parse()

	if err := run(recipients, *after, *limit, *batchSize, *concurrency, *dryRun); err != nil {
		fmt.Fprintf(os.Stderr, "notification_sweep: %v\n", err)
		os.Exit(1)
	}
}

func run(recipients recipientList, after string, limit, batchSize, concurrency int, dryRun bool) error {
	log, err := logger.New(envutil.String("LOG_MODE", "development", nil))
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	opts := notifmod.SweepOptions{
		Recipients:  recipients,
		Limit:       limit,
		BatchSize:   batchSize,
		Concurrency: concurrency,
		DryRun:      dryRun,
	}
	if after != "" {
		r, err := types.ParseRecipientRef(after)
		if err != nil {
			return err
		}
		opts.After = &r
	}

	store, err := db.Open(log)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := db.AutoMigrateAll(store.DB()); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}
	profiles, err := types.LoadProfiles(log)
	if err != nil {
		return err
	}

	ctx, stop := shutdown.NotifyContext(context.Background())
	defer stop()
	otelShutdown := observability.InitOTel(ctx, log, observability.OtelConfig{ServiceName: "notification-sweep"})
	if otelShutdown != nil {
		defer otelShutdown(context.Background())
	}

	// share the server's recipient lock when redis is configured
	var locker notifmod.RecipientLocker = notifmod.NewLocalLocker()
	if rcfg := redisclient.ConfigFromEnv(log); rcfg.Enabled() {
		rdb, err := redisclient.NewClient(ctx, log, rcfg)
		if err != nil {
			return err
		}
		defer rdb.Close()
		locker = redisclient.NewRecipientLocker(rdb, log, nil, redisclient.LockerOptions{
			Prefix: rcfg.KeyPrefix,
			TTL:    envutil.Seconds("RECIPIENT_LOCK_TTL_SECONDS", 30),
		})
	}

	uc := notifmod.New(notifmod.UsecasesDeps{
		DB:            store.DB(),
		Log:           log,
		Profiles:      profiles,
		Notifications: notifrepo.NewNotificationRepo(store.DB(), log),
		Locker:        locker,
	})
	rep, err := uc.Driver.Sweep(ctx, opts)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return err
	}
	if rep.Canceled && rep.LastRecipient != nil {
		log.Warn("sweep interrupted; resume with -after", "after", rep.LastRecipient.String())
	}
	if rep.Failed > 0 {
		return fmt.Errorf("%d recipients failed", rep.Failed)
	}
	return nil
}
