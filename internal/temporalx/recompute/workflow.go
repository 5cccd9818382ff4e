package recompute

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	defaultIdle       = 5 * time.Minute
	maxRunsPerHistory = 200
	defaultPageSize   = 200
	maxPagesPerRun    = 100
)

func activityOptions(timeout time.Duration) workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		HeartbeatTimeout:    time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2,
			MaximumInterval:        time.Minute,
			MaximumAttempts:        5,
			NonRetryableErrorTypes: []string{errTypeValidation},
		},
	}
}

// Workflow recomputes one recipient, then keeps listening for change
// signals. Signals that arrive during a run are drained before the next run,
// so a burst of writes costs one extra recompute.
func Workflow(ctx workflow.Context, in Input) error {
	log := workflow.GetLogger(ctx)
	ctx = workflow.WithActivityOptions(ctx, activityOptions(2*time.Minute))
	idle := time.Duration(in.IdleSeconds) * time.Second
	if idle <= 0 {
		idle = defaultIdle
	}
	changed := workflow.GetSignalChannel(ctx, SignalRecipientChanged)

	for runs := 1; ; runs++ {
		drain(changed)
		var out Result
		if err := workflow.ExecuteActivity(ctx, ActivityRecompute, in.Recipient).Get(ctx, &out); err != nil {
			// the next signal or the sweep picks the recipient up again
			log.Warn("recompute activity failed", "recipient", in.Recipient.String(), "error", err)
		}

		if !waitForSignal(ctx, changed, idle) {
			return nil
		}
		if runs >= maxRunsPerHistory {
			// the new run recomputes first, which covers the signal just received
			return workflow.NewContinueAsNewError(ctx, Workflow, Input{Recipient: in.Recipient, IdleSeconds: in.IdleSeconds})
		}
	}
}

// waitForSignal blocks until a signal arrives or idle passes. It reports
// whether a signal was received.
func waitForSignal(ctx workflow.Context, ch workflow.ReceiveChannel, idle time.Duration) bool {
	got := false
	timerCtx, cancel := workflow.WithCancel(ctx)
	defer cancel()
	sel := workflow.NewSelector(ctx)
	sel.AddReceive(ch, func(c workflow.ReceiveChannel, more bool) {
		var v any
		c.Receive(ctx, &v)
		got = true
	})
	sel.AddFuture(workflow.NewTimer(timerCtx, idle), func(workflow.Future) {})
	sel.Select(ctx)
	if !got {
		// a signal racing the timer must not be dropped on completion
		var v any
		got = ch.ReceiveAsync(&v)
	}
	return got
}

func drain(ch workflow.ReceiveChannel) {
	for {
		var v any
		if !ch.ReceiveAsync(&v) {
			return
		}
	}
}

// SweepWorkflow pages through recipients one activity per page. The cursor
// and totals survive continue-as-new.
func SweepWorkflow(ctx workflow.Context, in SweepInput) (SweepTotals, error) {
	ctx = workflow.WithActivityOptions(ctx, activityOptions(30*time.Minute))
	pageSize := in.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	totals := in.Totals
	after := in.After

	if len(in.Recipients) > 0 {
		var page SweepPageResult
		err := workflow.ExecuteActivity(ctx, ActivitySweepPage, SweepPageInput{
			Recipients:  in.Recipients,
			Concurrency: in.Concurrency,
			DryRun:      in.DryRun,
		}).Get(ctx, &page)
		if err != nil {
			return totals, err
		}
		totals.add(page)
		return totals, nil
	}

	for pages := 0; ; pages++ {
		if pages >= maxPagesPerRun {
			return totals, workflow.NewContinueAsNewError(ctx, SweepWorkflow, SweepInput{
				After:       after,
				PageSize:    pageSize,
				Concurrency: in.Concurrency,
				DryRun:      in.DryRun,
				Totals:      totals,
			})
		}
		var page SweepPageResult
		err := workflow.ExecuteActivity(ctx, ActivitySweepPage, SweepPageInput{
			After:       after,
			Limit:       pageSize,
			Concurrency: in.Concurrency,
			DryRun:      in.DryRun,
		}).Get(ctx, &page)
		if err != nil {
			return totals, err
		}
		totals.add(page)
		if page.Processed < pageSize || page.LastRecipient == nil {
			return totals, nil
		}
		after = page.LastRecipient
	}
}

func (t *SweepTotals) add(p SweepPageResult) {
	t.Pages++
	t.Processed += p.Processed
	t.Failed += p.Failed
	t.ParentsCreated += p.ParentsCreated
	t.ParentsUpdated += p.ParentsUpdated
	t.Retired += p.Retired
}
