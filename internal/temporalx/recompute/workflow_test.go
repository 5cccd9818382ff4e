package recompute

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/testsuite"

	types "github.com/yungbote/notification-engine/internal/domain/notifications"
)

func TestWorkflowCoalescesSignals(t *testing.T) {
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()

	recipient := types.RecipientRef{ID: uuid.New(), Kind: "expert"}
	runs := 0
	env.RegisterActivityWithOptions(func(_ context.Context, r types.RecipientRef) (Result, error) {
		if r != recipient {
			t.Errorf("activity got recipient %s", r)
		}
		runs++
		return Result{Buckets: 1}, nil
	}, activity.RegisterOptions{Name: ActivityRecompute})

	// a burst delivered together is drained into a single extra run
	for i := 0; i < 3; i++ {
		env.RegisterDelayedCallback(func() {
			env.SignalWorkflow(SignalRecipientChanged, nil)
		}, time.Minute)
	}
	env.ExecuteWorkflow(Workflow, Input{Recipient: recipient, IdleSeconds: 600})

	if !env.IsWorkflowCompleted() {
		t.Fatalf("workflow did not complete")
	}
	if err := env.GetWorkflowError(); err != nil {
		t.Fatalf("workflow error: %v", err)
	}
	if runs < 2 || runs > 3 {
		t.Fatalf("recompute runs: want 2..3 got %d", runs)
	}
}

func TestWorkflowCompletesWhenIdle(t *testing.T) {
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	runs := 0
	env.RegisterActivityWithOptions(func(context.Context, types.RecipientRef) (Result, error) {
		runs++
		return Result{}, nil
	}, activity.RegisterOptions{Name: ActivityRecompute})

	env.ExecuteWorkflow(Workflow, Input{Recipient: types.RecipientRef{ID: uuid.New(), Kind: "client"}, IdleSeconds: 30})
	if !env.IsWorkflowCompleted() || env.GetWorkflowError() != nil {
		t.Fatalf("workflow: completed=%v err=%v", env.IsWorkflowCompleted(), env.GetWorkflowError())
	}
	if runs != 1 {
		t.Fatalf("recompute runs: want=1 got=%d", runs)
	}
}

func TestWorkflowSurvivesActivityFailure(t *testing.T) {
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	env.RegisterActivityWithOptions(func(context.Context, types.RecipientRef) (Result, error) {
		return Result{}, activityError(errors.New("store unavailable"))
	}, activity.RegisterOptions{Name: ActivityRecompute})

	env.ExecuteWorkflow(Workflow, Input{Recipient: types.RecipientRef{ID: uuid.New(), Kind: "apporteur"}, IdleSeconds: 1})
	if !env.IsWorkflowCompleted() || env.GetWorkflowError() != nil {
		t.Fatalf("a failed recompute must not fail the workflow: %v", env.GetWorkflowError())
	}
}

func TestSweepWorkflowPagesUntilShortPage(t *testing.T) {
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()

	var cursors []*types.RecipientRef
	served := 0
	env.RegisterActivityWithOptions(func(_ context.Context, in SweepPageInput) (SweepPageResult, error) {
		cursors = append(cursors, in.After)
		n := in.Limit
		if served+n > 5 {
			n = 5 - served
		}
		served += n
		last := types.RecipientRef{ID: uuid.New(), Kind: "expert"}
		return SweepPageResult{Processed: n, ParentsCreated: n, LastRecipient: &last}, nil
	}, activity.RegisterOptions{Name: ActivitySweepPage})

	env.ExecuteWorkflow(SweepWorkflow, SweepInput{PageSize: 2})
	if !env.IsWorkflowCompleted() || env.GetWorkflowError() != nil {
		t.Fatalf("sweep workflow: completed=%v err=%v", env.IsWorkflowCompleted(), env.GetWorkflowError())
	}
	var totals SweepTotals
	if err := env.GetWorkflowResult(&totals); err != nil {
		t.Fatalf("result: %v", err)
	}
	if totals.Pages != 3 || totals.Processed != 5 || totals.ParentsCreated != 5 {
		t.Fatalf("totals: %+v", totals)
	}
	if cursors[0] != nil || cursors[1] == nil || cursors[2] == nil {
		t.Fatalf("cursor must advance after the first page")
	}
}

func TestSweepWorkflowExplicitRecipientsRunOnePage(t *testing.T) {
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	calls := 0
	env.RegisterActivityWithOptions(func(_ context.Context, in SweepPageInput) (SweepPageResult, error) {
		calls++
		return SweepPageResult{Processed: len(in.Recipients)}, nil
	}, activity.RegisterOptions{Name: ActivitySweepPage})

	rs := []types.RecipientRef{{ID: uuid.New(), Kind: "expert"}, {ID: uuid.New(), Kind: "client"}}
	env.ExecuteWorkflow(SweepWorkflow, SweepInput{Recipients: rs})
	var totals SweepTotals
	if err := env.GetWorkflowResult(&totals); err != nil {
		t.Fatalf("result: %v", err)
	}
	if calls != 1 || totals.Processed != 2 {
		t.Fatalf("explicit sweep: calls=%d totals=%+v", calls, totals)
	}
}

func TestWorkflowIDIsStablePerRecipient(t *testing.T) {
	r := types.RecipientRef{ID: uuid.New(), Kind: "expert"}
	if WorkflowID(r) != WorkflowID(types.RecipientRef{ID: r.ID, Kind: "expert"}) {
		t.Fatalf("workflow id not stable")
	}
	if WorkflowID(r) == WorkflowID(types.RecipientRef{ID: r.ID, Kind: "client"}) {
		t.Fatalf("recipient kinds must not share a workflow")
	}
}
