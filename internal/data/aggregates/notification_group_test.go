package aggregates_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/notification-engine/internal/data/aggregates"
	aggtest "github.com/yungbote/notification-engine/internal/data/aggregates/testutil"
	notifrepo "github.com/yungbote/notification-engine/internal/data/repos/notifications"
	repotest "github.com/yungbote/notification-engine/internal/data/repos/testutil"
	domainagg "github.com/yungbote/notification-engine/internal/domain/aggregates"
	"github.com/yungbote/notification-engine/internal/domain/notifications"
	"github.com/yungbote/notification-engine/internal/pkg/dbctx"
)

type groupFixture struct {
	db      *gorm.DB
	repo    notifrepo.NotificationRepo
	hooks   *aggtest.HooksRecorder
	agg     domainagg.NotificationGroupAggregate
	profile notifications.Profile
	expert  notifications.RecipientRef
	now     time.Time
}

func newGroupFixture(t *testing.T) *groupFixture {
	t.Helper()
	db := repotest.DB(t)
	repo := notifrepo.NewNotificationRepo(db, repotest.Logger(t))
	ps, err := notifications.DefaultProfiles()
	if err != nil {
		t.Fatalf("DefaultProfiles: %v", err)
	}
	profile, _ := ps.For("expert")
	f := &groupFixture{
		db:      db,
		repo:    repo,
		hooks:   &aggtest.HooksRecorder{},
		profile: profile,
		expert:  repotest.Recipient("expert"),
		now:     time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC),
	}
	f.agg = f.build(repo, nil)
	return f
}

func (f *groupFixture) build(repo notifrepo.NotificationRepo, runner aggregates.TxRunner) domainagg.NotificationGroupAggregate {
	return aggregates.NewNotificationGroupAggregate(aggregates.NotificationGroupAggregateDeps{
		Base: aggregates.BaseDeps{
			DB:     f.db,
			Runner: runner,
			Hooks:  f.hooks,
		},
		Notifications: repo,
	})
}

func (f *groupFixture) seed(t *testing.T, kind, client string, age time.Duration) *notifications.Notification {
	t.Helper()
	return repotest.SeedNotification(t, context.Background(), f.db, repotest.NotificationSeed{
		Recipient: f.expert,
		Kind:      kind,
		Priority:  notifications.PriorityHigh,
		Detail:    map[string]any{"client_id": client, "client_company": "ACME"},
		CreatedAt: f.now.Add(-age),
	})
}

func (f *groupFixture) apply(t *testing.T, key string, members ...*notifications.Notification) domainagg.ApplyGroupResult {
	t.Helper()
	res, err := f.agg.ApplyGroup(context.Background(), f.input(key, members...))
	if err != nil {
		t.Fatalf("ApplyGroup(%s): %v", key, err)
	}
	return res
}

func (f *groupFixture) input(key string, members ...*notifications.Notification) domainagg.ApplyGroupInput {
	ids := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
	}
	return domainagg.ApplyGroupInput{
		Recipient:   f.expert,
		Profile:     f.profile,
		GroupingKey: key,
		MemberIDs:   ids,
		Now:         f.now,
	}
}

func TestApplyGroupCreatesParentAndIsIdempotent(t *testing.T) {
	f := newGroupFixture(t)
	ctx := context.Background()
	a := f.seed(t, "expert_new_assignment", "c-1", 3*24*time.Hour)
	b := f.seed(t, "ticpe_expert_audit_due", "c-1", time.Hour)

	first := f.apply(t, "c-1", a, b)
	if !first.ParentCreated || first.Linked != 2 || first.ChildrenCount != 2 {
		t.Fatalf("first run: %+v", first)
	}
	parent := repotest.Reload(t, ctx, f.db, first.ParentID)
	if parent.Role != notifications.RoleParent || !parent.Visible || parent.ChildrenCount != 2 {
		t.Fatalf("parent shape: %+v", parent)
	}
	if parent.Kind != "expert_client_actions_summary" || parent.ActionURL != "/expert/clients/c-1" {
		t.Fatalf("parent kind/url: %s %s", parent.Kind, parent.ActionURL)
	}
	if parent.Priority != notifications.PriorityHigh {
		t.Fatalf("parent priority: %s", parent.Priority)
	}
	for _, id := range []uuid.UUID{a.ID, b.ID} {
		c := repotest.Reload(t, ctx, f.db, id)
		if !c.IsActiveChild(parent.ID) || c.Visible || c.GroupingKeyValue() != "c-1" {
			t.Fatalf("child %s not linked: %+v", id, c)
		}
	}

	second := f.apply(t, "c-1", a, b)
	if second.ParentCreated || second.ParentUpdated || second.Linked != 0 || second.ParentID != first.ParentID {
		t.Fatalf("rerun must be a no-op: %+v", second)
	}
	again := repotest.Reload(t, ctx, f.db, first.ParentID)
	if !again.UpdatedAt.Equal(parent.UpdatedAt) {
		t.Fatalf("rerun touched updated_at: %v -> %v", parent.UpdatedAt, again.UpdatedAt)
	}
	if !aggregates.SummaryEqual(again.Summary, parent.Summary) {
		t.Fatalf("summary drifted on rerun")
	}
}

func TestApplyGroupRefreshesWhenChildLeaves(t *testing.T) {
	f := newGroupFixture(t)
	ctx := context.Background()
	a := f.seed(t, "expert_new_assignment", "c-2", 2*time.Hour)
	b := f.seed(t, "expert_client_message", "c-2", time.Hour)
	c := f.seed(t, "expert_document_required", "c-2", 30*time.Minute)
	res := f.apply(t, "c-2", a, b, c)

	if _, err := f.repo.SetReadState(dbctx.Context{Ctx: ctx}, []uuid.UUID{b.ID}, notifications.ReadStateRead, f.now); err != nil {
		t.Fatalf("SetReadState: %v", err)
	}
	refreshed := f.apply(t, "c-2", a, c)
	if !refreshed.ParentUpdated || refreshed.ChildrenCount != 2 {
		t.Fatalf("refresh: %+v", refreshed)
	}
	parent := repotest.Reload(t, ctx, f.db, res.ParentID)
	if parent.ChildrenCount != 2 {
		t.Fatalf("children_count after read: want=2 got=%d", parent.ChildrenCount)
	}
	summary, err := notifications.DecodeSummary(parent.Summary)
	if err != nil || summary == nil || len(summary.Items) != 2 {
		t.Fatalf("summary items: %v %+v", err, summary)
	}
}

func TestApplyGroupSkipsStaleAndConflictingMembers(t *testing.T) {
	f := newGroupFixture(t)
	ctx := context.Background()
	held := f.seed(t, "expert_new_assignment", "c-3", time.Hour)
	other := f.apply(t, "other-key", held)

	fresh := f.seed(t, "expert_deadline_approaching", "c-3", time.Hour)
	gone := f.seed(t, "expert_deadline_overdue", "c-3", time.Hour)
	if _, err := f.repo.SetReadState(dbctx.Context{Ctx: ctx}, []uuid.UUID{gone.ID}, notifications.ReadStateArchived, f.now); err != nil {
		t.Fatalf("SetReadState: %v", err)
	}

	res := f.apply(t, "c-3", held, fresh, gone)
	if res.Linked != 1 || res.ChildrenCount != 1 || res.Stale != 1 {
		t.Fatalf("result: %+v", res)
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0] != held.ID {
		t.Fatalf("conflicts: %v", res.Conflicts)
	}
	if got := repotest.Reload(t, ctx, f.db, held.ID); !got.IsActiveChild(other.ParentID) {
		t.Fatalf("conflicting member moved: parent_ref=%v", got.ParentRef)
	}
}

// missFirstLookup hides the live parent on the first lookup to force the
// insert path into the unique index.
type missFirstLookup struct {
	notifrepo.NotificationRepo
	mu     sync.Mutex
	missed bool
}

func (m *missFirstLookup) FindLiveParent(dbc dbctx.Context, r notifications.RecipientRef, key string, lock bool) (*notifications.Notification, error) {
	m.mu.Lock()
	miss := !m.missed
	m.missed = true
	m.mu.Unlock()
	if miss {
		return nil, nil
	}
	return m.NotificationRepo.FindLiveParent(dbc, r, key, lock)
}

func TestApplyGroupAdoptsParentAfterUniqueConflict(t *testing.T) {
	f := newGroupFixture(t)
	ctx := context.Background()
	a := f.seed(t, "expert_new_assignment", "c-4", time.Hour)
	winner := f.apply(t, "c-4", a)

	b := f.seed(t, "expert_client_message", "c-4", time.Minute)
	racing := f.build(&missFirstLookup{NotificationRepo: f.repo}, nil)
	res, err := racing.ApplyGroup(ctx, f.input("c-4", b))
	if err != nil {
		t.Fatalf("ApplyGroup after conflict: %v", err)
	}
	if res.ParentCreated || res.ParentID != winner.ParentID || res.ChildrenCount != 2 {
		t.Fatalf("should adopt the existing parent: %+v", res)
	}
	live, err := f.repo.ListLiveParents(dbctx.Context{Ctx: ctx}, f.expert)
	if err != nil || len(live) != 1 {
		t.Fatalf("live parents: n=%d err=%v", len(live), err)
	}
}

func TestApplyGroupConcurrentRunsKeepOneParent(t *testing.T) {
	f := newGroupFixture(t)
	ctx := context.Background()
	var members []*notifications.Notification
	for i := 0; i < 6; i++ {
		members = append(members, f.seed(t, "expert_workflow_escalated", "c-5", time.Duration(i)*time.Minute))
	}

	const workers = 12
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := f.agg.ApplyGroup(ctx, f.input("c-5", members[i%len(members):]...))
			errs <- err
		}(i)
	}
	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil && !domainagg.Transient(err) {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	// converge in case a run lost a race
	res := f.apply(t, "c-5", members...)
	live, err := f.repo.ListLiveParents(dbctx.Context{Ctx: ctx}, f.expert)
	if err != nil || len(live) != 1 {
		t.Fatalf("live parents: n=%d err=%v", len(live), err)
	}
	if res.ChildrenCount != len(members) || live[0].ChildrenCount != len(members) {
		t.Fatalf("children_count: result=%d stored=%d", res.ChildrenCount, live[0].ChildrenCount)
	}
}

func TestApplyGroupDryRunWritesNothing(t *testing.T) {
	f := newGroupFixture(t)
	ctx := context.Background()
	a := f.seed(t, "expert_new_assignment", "c-6", time.Hour)

	in := f.input("c-6", a)
	in.DryRun = true
	res, err := f.agg.ApplyGroup(ctx, in)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if !res.ParentCreated || res.Linked != 1 {
		t.Fatalf("dry run should report the plan: %+v", res)
	}
	if got := repotest.Reload(t, ctx, f.db, a.ID); got.Role != notifications.RoleStandalone || !got.Visible {
		t.Fatalf("dry run linked a child: %+v", got)
	}
	if live, _ := f.repo.ListLiveParents(dbctx.Context{Ctx: ctx}, f.expert); len(live) != 0 {
		t.Fatalf("dry run created %d parents", len(live))
	}
	if got := f.hooks.Statuses("Notifications.Group.ApplyGroup"); len(got) != 1 || got[0] != "dry_run" {
		t.Fatalf("hook statuses: %v", got)
	}
}

func TestApplyGroupRollsBackOnCommitFailure(t *testing.T) {
	f := newGroupFixture(t)
	ctx := context.Background()
	a := f.seed(t, "expert_new_assignment", "c-7", time.Hour)

	runner := &aggtest.InjectedTxRunner{
		Inner:      aggregates.NewGormTxRunner(f.db),
		FailCommit: errors.New("connection reset by peer"),
	}
	_, err := f.build(f.repo, runner).ApplyGroup(ctx, f.input("c-7", a))
	if err == nil {
		t.Fatalf("expected injected failure")
	}
	if runner.RollbackCalls != 1 {
		t.Fatalf("rollback calls: %d", runner.RollbackCalls)
	}
	if got := repotest.Reload(t, ctx, f.db, a.ID); got.Role != notifications.RoleStandalone {
		t.Fatalf("failed run left a partial link: %+v", got)
	}
}

func TestRetireOrphan(t *testing.T) {
	f := newGroupFixture(t)
	ctx := context.Background()
	a := f.seed(t, "expert_new_assignment", "c-8", time.Hour)
	res := f.apply(t, "c-8", a)

	kept, err := f.agg.RetireOrphan(ctx, domainagg.RetireOrphanInput{ParentID: res.ParentID, Now: f.now})
	if err != nil || kept.Retired {
		t.Fatalf("parent with an active child retired: %+v err=%v", kept, err)
	}

	if _, err := f.repo.SetReadState(dbctx.Context{Ctx: ctx}, []uuid.UUID{a.ID}, notifications.ReadStateRead, f.now); err != nil {
		t.Fatalf("SetReadState: %v", err)
	}
	dry, err := f.agg.RetireOrphan(ctx, domainagg.RetireOrphanInput{ParentID: res.ParentID, Now: f.now, DryRun: true})
	if err != nil || !dry.Retired {
		t.Fatalf("dry retire: %+v err=%v", dry, err)
	}
	if got := repotest.Reload(t, ctx, f.db, res.ParentID); !got.IsLiveParent() {
		t.Fatalf("dry retire archived the parent")
	}

	done, err := f.agg.RetireOrphan(ctx, domainagg.RetireOrphanInput{ParentID: res.ParentID, Now: f.now})
	if err != nil || !done.Retired {
		t.Fatalf("retire: %+v err=%v", done, err)
	}
	if got := repotest.Reload(t, ctx, f.db, res.ParentID); got.ReadState != notifications.ReadStateArchived {
		t.Fatalf("orphan state: %s", got.ReadState)
	}

	again, err := f.agg.RetireOrphan(ctx, domainagg.RetireOrphanInput{ParentID: res.ParentID, Now: f.now})
	if err != nil || again.Retired {
		t.Fatalf("second retire must be a no-op: %+v err=%v", again, err)
	}
}

func TestChangeReadStateCascadesFromParent(t *testing.T) {
	f := newGroupFixture(t)
	ctx := context.Background()
	a := f.seed(t, "expert_new_assignment", "c-9", time.Hour)
	b := f.seed(t, "expert_client_message", "c-9", time.Hour)
	res := f.apply(t, "c-9", a, b)

	out, err := f.agg.ChangeReadState(ctx, domainagg.ChangeReadStateInput{NotificationID: res.ParentID, To: notifications.ReadStateRead, Now: f.now})
	if err != nil {
		t.Fatalf("ChangeReadState: %v", err)
	}
	if !out.Changed || out.Cascaded != 2 {
		t.Fatalf("cascade result: %+v", out)
	}
	for _, id := range []uuid.UUID{a.ID, b.ID} {
		if got := repotest.Reload(t, ctx, f.db, id); got.ReadState != notifications.ReadStateRead {
			t.Fatalf("child %s state: %s", id, got.ReadState)
		}
	}

	again, err := f.agg.ChangeReadState(ctx, domainagg.ChangeReadStateInput{NotificationID: res.ParentID, To: notifications.ReadStateArchived, Now: f.now})
	if err != nil || again.Changed {
		t.Fatalf("leaving unread twice: %+v err=%v", again, err)
	}
}

func TestChangeReadStateReplace(t *testing.T) {
	f := newGroupFixture(t)
	ctx := context.Background()
	old := f.seed(t, "expert_deadline_approaching", "c-10", time.Hour)

	replacement := &notifications.Notification{
		RecipientID:   f.expert.ID,
		RecipientKind: f.expert.Kind,
		Kind:          "expert_deadline_overdue",
		Priority:      notifications.PriorityUrgent,
		Title:         "Deadline passed",
	}
	out, err := f.agg.ChangeReadState(ctx, domainagg.ChangeReadStateInput{
		NotificationID: old.ID,
		To:             notifications.ReadStateReplaced,
		Now:            f.now,
		Replacement:    replacement,
	})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if out.Replacement == nil || out.Replacement.ID == uuid.Nil {
		t.Fatalf("replacement not written: %+v", out)
	}
	if got := repotest.Reload(t, ctx, f.db, old.ID); got.ReadState != notifications.ReadStateReplaced {
		t.Fatalf("old state: %s", got.ReadState)
	}

	_, err = f.agg.ChangeReadState(ctx, domainagg.ChangeReadStateInput{NotificationID: uuid.New(), To: notifications.ReadStateRead})
	if !domainagg.IsCode(err, domainagg.CodeNotFound) {
		t.Fatalf("missing id: want not_found got=%v", err)
	}
	_, err = f.agg.ChangeReadState(ctx, domainagg.ChangeReadStateInput{NotificationID: old.ID, To: notifications.ReadStateUnread})
	if !domainagg.IsCode(err, domainagg.CodeValidation) {
		t.Fatalf("back to unread: want validation got=%v", err)
	}
}
