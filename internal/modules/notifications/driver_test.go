package notifications

import (
	"context"
	"testing"

	"github.com/google/uuid"

	repotest "github.com/yungbote/notification-engine/internal/data/repos/testutil"
	domainagg "github.com/yungbote/notification-engine/internal/domain/aggregates"
	types "github.com/yungbote/notification-engine/internal/domain/notifications"
	"github.com/yungbote/notification-engine/internal/pkg/dbctx"
)

func seedGroupedRecipients(e *engine, n int) []types.RecipientRef {
	kinds := []string{"expert", "client", "apporteur"}
	out := make([]types.RecipientRef, 0, n)
	for i := 0; i < n; i++ {
		r := repotest.Recipient(kinds[i%len(kinds)])
		e.child(r, "g-1", types.PriorityMedium, 0, "")
		e.child(r, "g-1", types.PriorityHigh, 1, "")
		out = append(out, r)
	}
	return out
}

func TestSweepVisitsEveryRecipientOnce(t *testing.T) {
	e := newEngine(t)
	seedGroupedRecipients(e, 7)

	rep, err := e.uc.Driver.Sweep(e.ctx, SweepOptions{BatchSize: 2, Concurrency: 3})
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if rep.Processed != 7 || rep.Failed != 0 || rep.ParentsCreated != 7 || rep.Linked != 14 {
		t.Fatalf("first sweep: %+v", rep)
	}
	if rep.LastRecipient == nil || rep.Canceled {
		t.Fatalf("first sweep cursor: %+v", rep)
	}
	e.assertCounts()

	again, err := e.uc.Driver.Sweep(e.ctx, SweepOptions{BatchSize: 3, Concurrency: 2})
	if err != nil {
		t.Fatalf("second Sweep: %v", err)
	}
	if again.Processed != 7 || again.ParentsCreated != 0 || again.ParentsUpdated != 0 || again.Linked != 0 {
		t.Fatalf("second sweep must be a no-op: %+v", again)
	}
}

func TestSweepLimitAndResume(t *testing.T) {
	e := newEngine(t)
	seedGroupedRecipients(e, 5)

	first, err := e.uc.Driver.Sweep(e.ctx, SweepOptions{BatchSize: 2, Limit: 3, Concurrency: 1})
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if first.Processed != 3 || first.LastRecipient == nil {
		t.Fatalf("limited sweep: %+v", first)
	}

	rest, err := e.uc.Driver.Sweep(e.ctx, SweepOptions{After: first.LastRecipient, BatchSize: 2, Concurrency: 1})
	if err != nil {
		t.Fatalf("resumed Sweep: %v", err)
	}
	if rest.Processed != 2 || rest.ParentsCreated != 2 {
		t.Fatalf("resumed sweep: %+v", rest)
	}
}

func TestSweepDryRunWritesNothing(t *testing.T) {
	e := newEngine(t)
	seedGroupedRecipients(e, 3)

	rep, err := e.uc.Driver.Sweep(e.ctx, SweepOptions{DryRun: true})
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if !rep.DryRun || rep.Processed != 3 || rep.ParentsCreated != 3 {
		t.Fatalf("dry run report: %+v", rep)
	}
	stats, err := e.repo.Stats(dbctx.Context{Ctx: e.ctx}, nil)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.LiveParents != 0 || stats.ActiveChildren != 0 || stats.UnreadStandalone != 6 {
		t.Fatalf("dry run wrote rows: %+v", stats)
	}
}

func TestSweepExplicitRecipients(t *testing.T) {
	e := newEngine(t)
	rs := seedGroupedRecipients(e, 4)

	rep, err := e.uc.Driver.Sweep(e.ctx, SweepOptions{Recipients: rs[1:2]})
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if rep.Processed != 1 || rep.ParentsCreated != 1 {
		t.Fatalf("filtered sweep: %+v", rep)
	}
	if e.liveParent(rs[1], "g-1") == nil || e.liveParent(rs[0], "g-1") != nil {
		t.Fatalf("filtered sweep touched the wrong recipient")
	}
}

func TestSweepCanceledBeforeStart(t *testing.T) {
	e := newEngine(t)
	seedGroupedRecipients(e, 2)

	ctx, cancel := context.WithCancel(e.ctx)
	cancel()
	rep, err := e.uc.Driver.Sweep(ctx, SweepOptions{})
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if !rep.Canceled || rep.Processed != 0 {
		t.Fatalf("canceled sweep: %+v", rep)
	}
}

func TestSweepRecordsRecipientFailures(t *testing.T) {
	var bad uuid.UUID
	e := newEngine(t, withGroups(func(inner domainagg.NotificationGroupAggregate) domainagg.NotificationGroupAggregate {
		return &lateFailingGroups{inner: inner, bad: &bad}
	}))
	rs := seedGroupedRecipients(e, 4)
	bad = rs[2].ID

	rep, err := e.uc.Driver.Sweep(e.ctx, SweepOptions{Concurrency: 2})
	if err != nil {
		t.Fatalf("Sweep must not fail on one recipient: %v", err)
	}
	if rep.Processed != 4 || rep.Failed != 1 || len(rep.Failures) != 1 {
		t.Fatalf("sweep report: %+v", rep)
	}
	if rep.Failures[0].Recipient != rs[2] {
		t.Fatalf("failure recorded for %s, want %s", rep.Failures[0].Recipient, rs[2])
	}
	if rep.ParentsCreated != 3 {
		t.Fatalf("healthy recipients must still group: %+v", rep)
	}
}

// lateFailingGroups reads the failing recipient at call time, after seeding.
type lateFailingGroups struct {
	inner domainagg.NotificationGroupAggregate
	bad   *uuid.UUID
}

func (l *lateFailingGroups) Contract() domainagg.Contract { return l.inner.Contract() }

func (l *lateFailingGroups) ApplyGroup(ctx context.Context, in domainagg.ApplyGroupInput) (domainagg.ApplyGroupResult, error) {
	return failingGroups{NotificationGroupAggregate: l.inner, failRecipient: *l.bad}.ApplyGroup(ctx, in)
}

func (l *lateFailingGroups) RetireOrphan(ctx context.Context, in domainagg.RetireOrphanInput) (domainagg.RetireOrphanResult, error) {
	return l.inner.RetireOrphan(ctx, in)
}

func (l *lateFailingGroups) ChangeReadState(ctx context.Context, in domainagg.ChangeReadStateInput) (domainagg.ChangeReadStateResult, error) {
	return l.inner.ChangeReadState(ctx, in)
}
