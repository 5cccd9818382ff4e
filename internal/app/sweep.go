package app

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	temporalsdkclient "go.temporal.io/sdk/client"

	domainagg "github.com/yungbote/notification-engine/internal/domain/aggregates"
	httpH "github.com/yungbote/notification-engine/internal/http/handlers"
	"github.com/yungbote/notification-engine/internal/jobs"
	notifmod "github.com/yungbote/notification-engine/internal/modules/notifications"
	"github.com/yungbote/notification-engine/internal/pkg/logger"
	"github.com/yungbote/notification-engine/internal/temporalx/recompute"
)

// sweepDispatcher sends a sweep down the same path recipient changes take:
// inline, as a job run, or as a Temporal workflow.
type sweepDispatcher struct {
	log       *logger.Logger
	mode      string
	driver    *notifmod.Driver
	enqueuer  *jobs.Enqueuer
	temporal  temporalsdkclient.Client
	taskQueue string

	batchSize   int
	concurrency int
}

func (d *sweepDispatcher) withDefaults(req jobs.SweepRequest) jobs.SweepRequest {
	if req.BatchSize <= 0 {
		req.BatchSize = d.batchSize
	}
	if req.Concurrency <= 0 {
		req.Concurrency = d.concurrency
	}
	return req
}

func (d *sweepDispatcher) DispatchSweep(ctx context.Context, req jobs.SweepRequest, wait bool) (httpH.SweepDispatch, error) {
	req = d.withDefaults(req)
	mode := d.mode
	if wait {
		mode = TriggerDirect
	}
	switch mode {
	case TriggerJobs:
		job, err := d.enqueuer.EnqueueSweep(ctx, req)
		if err != nil {
			return httpH.SweepDispatch{}, domainagg.Wrap(domainagg.CodeInternal, "Sweep.Enqueue", err)
		}
		return httpH.SweepDispatch{Mode: mode, JobID: job.ID.String()}, nil

	case TriggerTemporal:
		if req.Limit > 0 {
			return httpH.SweepDispatch{}, domainagg.NewError(domainagg.CodeValidation, "Sweep.Temporal", "limit is not supported by workflow sweeps", nil)
		}
		id := "notification-sweep-" + uuid.NewString()
		runID, err := recompute.StartSweep(ctx, d.temporal, d.taskQueue, id, recompute.SweepInput{
			After:       req.After,
			Recipients:  req.Recipients,
			PageSize:    req.BatchSize,
			Concurrency: req.Concurrency,
			DryRun:      req.DryRun,
		})
		if err != nil {
			return httpH.SweepDispatch{}, domainagg.Wrap(domainagg.CodeRetryable, "Sweep.Temporal", err)
		}
		return httpH.SweepDispatch{Mode: mode, WorkflowID: id, RunID: runID}, nil

	case TriggerDirect:
		rep, err := d.driver.Sweep(ctx, notifmod.SweepOptions{
			After:       req.After,
			Recipients:  req.Recipients,
			Limit:       req.Limit,
			BatchSize:   req.BatchSize,
			Concurrency: req.Concurrency,
			DryRun:      req.DryRun,
		})
		if err != nil {
			return httpH.SweepDispatch{}, err
		}
		return httpH.SweepDispatch{Mode: mode, Report: &rep}, nil
	}
	return httpH.SweepDispatch{}, fmt.Errorf("unknown sweep mode %q", mode)
}

// scheduledSweep is the cron task. Direct mode runs the whole sweep on the
// scheduler goroutine.
func (d *sweepDispatcher) scheduledSweep(ctx context.Context) error {
	out, err := d.DispatchSweep(ctx, jobs.SweepRequest{}, false)
	if err != nil {
		return err
	}
	fields := []interface{}{"mode", out.Mode}
	switch {
	case out.Report != nil:
		fields = append(fields, "processed", out.Report.Processed, "failed", out.Report.Failed, "canceled", out.Report.Canceled)
	case out.JobID != "":
		fields = append(fields, "job_id", out.JobID)
	default:
		fields = append(fields, "workflow_id", out.WorkflowID)
	}
	d.log.Info("scheduled sweep dispatched", fields...)
	return nil
}
