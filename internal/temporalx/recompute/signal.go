package recompute

import (
	"context"
	"fmt"

	"go.temporal.io/api/enums/v1"
	temporalsdkclient "go.temporal.io/sdk/client"

	types "github.com/yungbote/notification-engine/internal/domain/notifications"
	"github.com/yungbote/notification-engine/internal/observability"
)

// Signal delivers recipient changes to the per-recipient workflow,
// starting it when none is running.
type Signal struct {
	Client      temporalsdkclient.Client
	TaskQueue   string
	IdleSeconds int
	Metrics     *observability.Metrics
}

func (s *Signal) RecipientChanged(ctx context.Context, recipient types.RecipientRef) error {
	if s == nil || s.Client == nil {
		return fmt.Errorf("temporal signal: client not configured")
	}
	if !recipient.Valid() {
		return fmt.Errorf("temporal signal: invalid recipient %q", recipient)
	}
	_, err := s.Client.SignalWithStartWorkflow(ctx, WorkflowID(recipient), SignalRecipientChanged, nil,
		temporalsdkclient.StartWorkflowOptions{
			ID:                    WorkflowID(recipient),
			TaskQueue:             s.TaskQueue,
			WorkflowIDReusePolicy: enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		},
		WorkflowName, Input{Recipient: recipient, IdleSeconds: s.IdleSeconds},
	)
	if err != nil {
		s.Metrics.IncSignal("temporal", "failed")
		return fmt.Errorf("signal recompute workflow: %w", err)
	}
	s.Metrics.IncSignal("temporal", "sent")
	return nil
}

// StartSweep launches a sweep workflow and returns its run id.
func StartSweep(ctx context.Context, c temporalsdkclient.Client, taskQueue, id string, in SweepInput) (string, error) {
	run, err := c.ExecuteWorkflow(ctx, temporalsdkclient.StartWorkflowOptions{
		ID:        id,
		TaskQueue: taskQueue,
	}, SweepWorkflowName, in)
	if err != nil {
		return "", fmt.Errorf("start sweep workflow: %w", err)
	}
	return run.GetRunID(), nil
}
