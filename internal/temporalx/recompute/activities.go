package recompute

import (
	"context"
	"errors"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	domainagg "github.com/yungbote/notification-engine/internal/domain/aggregates"
	types "github.com/yungbote/notification-engine/internal/domain/notifications"
	notifmod "github.com/yungbote/notification-engine/internal/modules/notifications"
	"github.com/yungbote/notification-engine/internal/pkg/logger"
)

const errTypeValidation = "NotificationValidation"

type Activities struct {
	Log    *logger.Logger
	Driver *notifmod.Driver
}

func (a *Activities) Recompute(ctx context.Context, recipient types.RecipientRef) (Result, error) {
	if a == nil || a.Driver == nil {
		return Result{}, errors.New("recompute: activity not configured")
	}
	if !recipient.Valid() {
		return Result{}, temporal.NewNonRetryableApplicationError("invalid recipient", errTypeValidation, nil)
	}
	rep, err := a.Driver.Recompute(ctx, recipient, notifmod.RecomputeOptions{Trigger: notifmod.TriggerTemporal})
	out := Result{
		Candidates: rep.Aggregate.Candidates,
		Buckets:    len(rep.Aggregate.Buckets),
		Malformed:  len(rep.Aggregate.Malformed),
		Retired:    len(rep.Reap.Retired),
		Refreshed:  len(rep.Reap.Refreshed),
		DurationMS: rep.DurationMS,
	}
	return out, activityError(err)
}

func (a *Activities) SweepPage(ctx context.Context, in SweepPageInput) (SweepPageResult, error) {
	if a == nil || a.Driver == nil {
		return SweepPageResult{}, errors.New("sweep: activity not configured")
	}
	stop := heartbeat(ctx, 10*time.Second)
	defer stop()

	rep, err := a.Driver.Sweep(ctx, notifmod.SweepOptions{
		After:       in.After,
		Recipients:  in.Recipients,
		Limit:       in.Limit,
		BatchSize:   in.Limit,
		Concurrency: in.Concurrency,
		DryRun:      in.DryRun,
	})
	if err != nil {
		return SweepPageResult{}, err
	}
	if rep.Canceled {
		return SweepPageResult{}, ctx.Err()
	}
	if rep.Failed > 0 && a.Log != nil {
		a.Log.Warn("sweep page finished with recipient failures", "failed", rep.Failed, "processed", rep.Processed)
	}
	return SweepPageResult{
		Processed:      rep.Processed,
		Failed:         rep.Failed,
		ParentsCreated: rep.ParentsCreated,
		ParentsUpdated: rep.ParentsUpdated,
		Retired:        rep.Retired,
		LastRecipient:  rep.LastRecipient,
	}, nil
}

// activityError marks validation failures non-retryable; everything else
// goes through the retry policy.
func activityError(err error) error {
	if err == nil {
		return nil
	}
	if domainagg.IsCode(err, domainagg.CodeValidation) {
		return temporal.NewNonRetryableApplicationError(err.Error(), errTypeValidation, err)
	}
	return err
}

func heartbeat(ctx context.Context, every time.Duration) func() {
	if !activity.IsActivity(ctx) {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				activity.RecordHeartbeat(ctx)
			}
		}
	}()
	return func() { close(done) }
}
