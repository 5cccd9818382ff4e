package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	jobrepo "github.com/yungbote/notification-engine/internal/data/repos/jobs"
	jobtypes "github.com/yungbote/notification-engine/internal/domain/jobs"
	types "github.com/yungbote/notification-engine/internal/domain/notifications"
	"github.com/yungbote/notification-engine/internal/observability"
	"github.com/yungbote/notification-engine/internal/pkg/ctxutil"
	"github.com/yungbote/notification-engine/internal/pkg/dbctx"
	"github.com/yungbote/notification-engine/internal/pkg/logger"
	"github.com/yungbote/notification-engine/internal/pkg/pointers"
)

const (
	JobTypeRecompute = "notification_recompute"
	JobTypeSweep     = "notification_sweep"
)

// SweepRequest is the payload of a notification_sweep job.
type SweepRequest struct {
	After       *types.RecipientRef  `json:"after,omitempty"`
	Recipients  []types.RecipientRef `json:"recipients,omitempty"`
	Limit       int                  `json:"limit,omitempty"`
	BatchSize   int                  `json:"batch_size,omitempty"`
	Concurrency int                  `json:"concurrency,omitempty"`
	DryRun      bool                 `json:"dry_run,omitempty"`
}

type Enqueuer struct {
	repo    jobrepo.JobRunRepo
	log     *logger.Logger
	metrics *observability.Metrics
}

func NewEnqueuer(repo jobrepo.JobRunRepo, log *logger.Logger, metrics *observability.Metrics) *Enqueuer {
	if log == nil {
		log = logger.Nop()
	}
	return &Enqueuer{repo: repo, log: log.With("service", "JobEnqueuer"), metrics: metrics}
}

// RecipientChanged queues a recompute for recipient unless one is already
// waiting to be claimed. A running job does not absorb the signal.
func (e *Enqueuer) RecipientChanged(ctx context.Context, recipient types.RecipientRef) error {
	if !recipient.Valid() {
		return fmt.Errorf("enqueue recompute: invalid recipient %q", recipient)
	}
	dbc := dbctx.Context{Ctx: ctx}
	exists, err := e.repo.ExistsQueued(dbc, JobTypeRecompute, recipient.Kind, &recipient.ID)
	if err != nil {
		e.metrics.IncSignal("jobs", "failed")
		return fmt.Errorf("check queued recompute: %w", err)
	}
	if exists {
		e.metrics.IncSignal("jobs", "coalesced")
		return nil
	}
	payload := withTrace(ctx, map[string]any{
		"recipient_id":   recipient.ID.String(),
		"recipient_kind": recipient.Kind,
	})
	if _, err := e.enqueue(dbc, &jobtypes.JobRun{
		OwnerID:    recipient.ID,
		JobType:    JobTypeRecompute,
		EntityType: recipient.Kind,
		EntityID:   pointers.UUID(recipient.ID),
	}, payload); err != nil {
		e.metrics.IncSignal("jobs", "failed")
		return err
	}
	e.metrics.IncSignal("jobs", "enqueued")
	return nil
}

func (e *Enqueuer) EnqueueSweep(ctx context.Context, req SweepRequest) (*jobtypes.JobRun, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	job, err := e.enqueue(dbctx.Context{Ctx: ctx}, &jobtypes.JobRun{
		OwnerID: uuid.Nil,
		JobType: JobTypeSweep,
	}, withTrace(ctx, payload))
	if err != nil {
		return nil, err
	}
	e.log.Info("sweep enqueued", append(ctxutil.TraceFields(ctx), "job_id", job.ID, "dry_run", req.DryRun)...)
	return job, nil
}

func (e *Enqueuer) enqueue(dbc dbctx.Context, job *jobtypes.JobRun, payload map[string]any) (*jobtypes.JobRun, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	job.Status = jobtypes.StatusQueued
	job.Payload = datatypes.JSON(raw)
	job.Result = datatypes.JSON([]byte("{}"))
	created, err := e.repo.Create(dbc, []*jobtypes.JobRun{job})
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", job.JobType, err)
	}
	return created[0], nil
}

func withTrace(ctx context.Context, payload map[string]any) map[string]any {
	if payload == nil {
		payload = map[string]any{}
	}
	if td := ctxutil.GetTraceData(ctx); td != nil {
		if td.TraceID != "" {
			payload["trace_id"] = td.TraceID
		}
		if td.RequestID != "" {
			payload["request_id"] = td.RequestID
		}
	}
	return payload
}
