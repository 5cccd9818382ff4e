package notification_recompute

import (
	"fmt"

	types "github.com/yungbote/notification-engine/internal/domain/notifications"
	jobrt "github.com/yungbote/notification-engine/internal/jobs/runtime"
	notifmod "github.com/yungbote/notification-engine/internal/modules/notifications"
)

func (p *Pipeline) Run(jc *jobrt.Context) error {
	if jc == nil || jc.Job == nil {
		return nil
	}
	id, ok := jc.PayloadUUID("recipient_id")
	recipient := types.RecipientRef{ID: id, Kind: jc.PayloadString("recipient_kind")}
	if !ok || !recipient.Valid() {
		jc.Fail("validate", fmt.Errorf("payload needs recipient_id and recipient_kind"))
		return nil
	}

	jc.Progress("recompute", 10, "Recomputing summaries")
	rep, err := p.driver.Recompute(jc.Ctx, recipient, notifmod.RecomputeOptions{
		Trigger: notifmod.TriggerJobs,
		DryRun:  jc.PayloadBool("dry_run"),
	})
	if err != nil {
		jc.Fail("recompute", err)
		return nil
	}

	jc.Succeed("done", map[string]any{
		"candidates":  rep.Aggregate.Candidates,
		"buckets":     len(rep.Aggregate.Buckets),
		"malformed":   len(rep.Aggregate.Malformed),
		"retired":     len(rep.Reap.Retired),
		"refreshed":   len(rep.Reap.Refreshed),
		"duration_ms": rep.DurationMS,
	})
	return nil
}
