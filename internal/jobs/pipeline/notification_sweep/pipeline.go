package notification_sweep

import (
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"

	types "github.com/yungbote/notification-engine/internal/domain/notifications"
	"github.com/yungbote/notification-engine/internal/jobs"
	jobrt "github.com/yungbote/notification-engine/internal/jobs/runtime"
	notifmod "github.com/yungbote/notification-engine/internal/modules/notifications"
)

func (p *Pipeline) Run(jc *jobrt.Context) error {
	if jc == nil || jc.Job == nil {
		return nil
	}
	var req jobs.SweepRequest
	if len(jc.Job.Payload) > 0 {
		if err := json.Unmarshal(jc.Job.Payload, &req); err != nil {
			jc.Fail("validate", fmt.Errorf("decode sweep payload: %w", err))
			return nil
		}
	}

	jc.Progress("sweep", 5, "Sweeping recipients")
	rep, err := p.driver.Sweep(jc.Ctx, notifmod.SweepOptions{
		After:       req.After,
		Recipients:  req.Recipients,
		Limit:       req.Limit,
		BatchSize:   req.BatchSize,
		Concurrency: req.Concurrency,
		DryRun:      req.DryRun,
	})
	if err != nil {
		jc.Fail("sweep", err)
		return nil
	}
	if rep.Canceled {
		// a canceled sweep is retried from where it stopped
		if rep.LastRecipient != nil {
			_ = jc.Update(map[string]any{"payload": resumePayload(req, rep.LastRecipient)})
		}
		jc.Fail("canceled", fmt.Errorf("sweep canceled after %d recipients", rep.Processed))
		return nil
	}
	if rep.Failed > 0 {
		p.log.Warn("sweep finished with recipient failures", "job_id", jc.Job.ID, "failed", rep.Failed, "processed", rep.Processed)
	}
	jc.Succeed("done", rep)
	return nil
}

// resumePayload rewrites the request so the retry starts after last.
func resumePayload(req jobs.SweepRequest, last *types.RecipientRef) datatypes.JSON {
	if len(req.Recipients) > 0 {
		for i, r := range req.Recipients {
			if r == *last {
				req.Recipients = req.Recipients[i+1:]
				break
			}
		}
	} else {
		req.After = last
	}
	raw, _ := json.Marshal(req)
	return datatypes.JSON(raw)
}
