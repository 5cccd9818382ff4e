package recompute

import (
	types "github.com/yungbote/notification-engine/internal/domain/notifications"
)

const (
	WorkflowName      = "notification_recompute"
	SweepWorkflowName = "notification_sweep"

	ActivityRecompute = "notification_recompute_recipient"
	ActivitySweepPage = "notification_sweep_page"

	SignalRecipientChanged = "recipient_changed"
)

// WorkflowID is stable per recipient so SignalWithStart funnels every
// change for one recipient into one running workflow.
func WorkflowID(r types.RecipientRef) string {
	return "notification-recompute-" + r.Kind + "-" + r.ID.String()
}

type Input struct {
	Recipient types.RecipientRef `json:"recipient"`
	// IdleSeconds is how long the workflow waits for another signal before
	// completing.
	IdleSeconds int `json:"idle_seconds,omitempty"`
}

type Result struct {
	Candidates int   `json:"candidates"`
	Buckets    int   `json:"buckets"`
	Malformed  int   `json:"malformed"`
	Retired    int   `json:"retired"`
	Refreshed  int   `json:"refreshed"`
	DurationMS int64 `json:"duration_ms"`
}

type SweepInput struct {
	After       *types.RecipientRef  `json:"after,omitempty"`
	Recipients  []types.RecipientRef `json:"recipients,omitempty"`
	PageSize    int                  `json:"page_size,omitempty"`
	Concurrency int                  `json:"concurrency,omitempty"`
	DryRun      bool                 `json:"dry_run,omitempty"`
	// Totals carries counts across continue-as-new.
	Totals SweepTotals `json:"totals"`
}

type SweepTotals struct {
	Pages          int `json:"pages"`
	Processed      int `json:"processed"`
	Failed         int `json:"failed"`
	ParentsCreated int `json:"parents_created"`
	ParentsUpdated int `json:"parents_updated"`
	Retired        int `json:"retired"`
}

type SweepPageInput struct {
	After       *types.RecipientRef  `json:"after,omitempty"`
	Recipients  []types.RecipientRef `json:"recipients,omitempty"`
	Limit       int                  `json:"limit"`
	Concurrency int                  `json:"concurrency,omitempty"`
	DryRun      bool                 `json:"dry_run,omitempty"`
}

type SweepPageResult struct {
	Processed      int                 `json:"processed"`
	Failed         int                 `json:"failed"`
	ParentsCreated int                 `json:"parents_created"`
	ParentsUpdated int                 `json:"parents_updated"`
	Retired        int                 `json:"retired"`
	LastRecipient  *types.RecipientRef `json:"last_recipient,omitempty"`
}
