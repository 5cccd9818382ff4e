package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	notifrepo "github.com/yungbote/notification-engine/internal/data/repos/notifications"
	repotest "github.com/yungbote/notification-engine/internal/data/repos/testutil"
	domainagg "github.com/yungbote/notification-engine/internal/domain/aggregates"
	types "github.com/yungbote/notification-engine/internal/domain/notifications"
)

func (e *engine) directService() NotificationService {
	return e.uc.Service(NewDirectSignal(e.uc.Driver, nil, e.metrics))
}

func publishInput(r types.RecipientRef, kind string, detail map[string]any) PublishInput {
	raw, _ := json.Marshal(detail)
	return PublishInput{
		RecipientID:   r.ID,
		RecipientKind: r.Kind,
		Kind:          kind,
		Title:         "t",
		Detail:        raw,
	}
}

func TestPublishValidation(t *testing.T) {
	e := newEngine(t)
	svc := e.directService()
	r := repotest.Recipient("expert")

	cases := map[string]PublishInput{
		"missing recipient": {Kind: "expert_new_assignment", Title: "t"},
		"missing kind":      {RecipientID: r.ID, RecipientKind: r.Kind, Title: "t"},
		"summary kind":      {RecipientID: r.ID, RecipientKind: r.Kind, Kind: "expert_client_actions_summary", Title: "t"},
		"missing title":     {RecipientID: r.ID, RecipientKind: r.Kind, Kind: "expert_new_assignment"},
		"bad priority":      {RecipientID: r.ID, RecipientKind: r.Kind, Kind: "expert_new_assignment", Title: "t", Priority: "asap"},
		"bad detail":        {RecipientID: r.ID, RecipientKind: r.Kind, Kind: "expert_new_assignment", Title: "t", Detail: json.RawMessage(`{"client_id":`)},
	}
	for name, in := range cases {
		if _, err := svc.Publish(e.ctx, in); !domainagg.IsCode(err, domainagg.CodeValidation) {
			t.Fatalf("%s: want validation error, got %v", name, err)
		}
	}
}

func TestPublishGroupsThroughSignal(t *testing.T) {
	e := newEngine(t)
	svc := e.directService()
	r := repotest.Recipient("expert")

	in := publishInput(r, "expert_new_assignment", map[string]any{"client_id": "c-8", "priority": "urgent"})
	earlier := e.now.Add(-2 * time.Hour)
	in.CreatedAt = &earlier
	first, err := svc.Publish(e.ctx, in)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if first.Priority != types.PriorityUrgent {
		t.Fatalf("priority hint from detail: got %s", first.Priority)
	}
	if _, err := svc.Publish(e.ctx, publishInput(r, "expert_document_required", map[string]any{"client_id": "c-8"})); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	parent := e.liveParent(r, "c-8")
	if parent == nil || parent.ChildrenCount != 2 || parent.Priority != types.PriorityUrgent {
		t.Fatalf("parent after publish: %+v", parent)
	}
	visible, err := svc.ListVisible(e.ctx, r, notifrepo.ListOptions{})
	if err != nil {
		t.Fatalf("ListVisible: %v", err)
	}
	if len(visible) != 1 || visible[0].ID != parent.ID {
		t.Fatalf("visible feed: want only the parent, got %d rows", len(visible))
	}
	children, err := svc.ListChildren(e.ctx, parent.ID)
	if err != nil || len(children) != 2 {
		t.Fatalf("ListChildren: n=%d err=%v", len(children), err)
	}
	if children[0].Kind != "expert_document_required" {
		t.Fatalf("children must be most recent first, got %s", children[0].Kind)
	}
}

func TestMarkReadParentCascades(t *testing.T) {
	e := newEngine(t)
	svc := e.directService()
	r := repotest.Recipient("client")
	a := e.child(r, "d-3", types.PriorityMedium, 0, "")
	b := e.child(r, "d-3", types.PriorityLow, 1, "")
	e.recompute(r)
	parent := e.liveParent(r, "d-3")

	got, err := svc.MarkRead(e.ctx, parent.ID)
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if got.ReadState != types.ReadStateRead {
		t.Fatalf("parent read_state=%s", got.ReadState)
	}
	for _, c := range []uuid.UUID{a.ID, b.ID} {
		if n := e.reload(c); n.ReadState != types.ReadStateRead {
			t.Fatalf("child %s read_state=%s", c, n.ReadState)
		}
	}
	if again, err := svc.MarkRead(e.ctx, parent.ID); err != nil || again.ReadState != types.ReadStateRead {
		t.Fatalf("second MarkRead: %v", err)
	}
	if e.liveParent(r, "d-3") != nil {
		t.Fatalf("read parent is still live")
	}
}

func TestReplaceAndArchive(t *testing.T) {
	e := newEngine(t)
	svc := e.directService()
	r := repotest.Recipient("apporteur")
	orig := repotest.SeedNotification(t, e.ctx, e.db, repotest.NotificationSeed{Recipient: r, Kind: "system_announcement"})

	old, next, err := svc.Replace(e.ctx, orig.ID, PublishInput{Kind: "system_announcement", Title: "updated"})
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if old.ReadState != types.ReadStateReplaced || next == nil || next.Recipient() != r || next.ReadState != types.ReadStateUnread {
		t.Fatalf("replace: old=%+v next=%+v", old, next)
	}
	if _, _, err := svc.Replace(e.ctx, orig.ID, PublishInput{Kind: "system_announcement", Title: "again"}); !domainagg.IsCode(err, domainagg.CodeConflict) {
		t.Fatalf("replacing twice: want conflict, got %v", err)
	}
	if _, _, err := svc.Replace(e.ctx, uuid.New(), PublishInput{Kind: "x", Title: "y"}); !domainagg.IsCode(err, domainagg.CodeNotFound) {
		t.Fatalf("replace unknown: want not_found, got %v", err)
	}

	archived, err := svc.Archive(e.ctx, next.ID)
	if err != nil || archived.ReadState != types.ReadStateArchived {
		t.Fatalf("Archive: %+v err=%v", archived, err)
	}
	visible, err := svc.ListVisible(e.ctx, r, notifrepo.ListOptions{})
	if err != nil || len(visible) != 0 {
		t.Fatalf("archived and replaced rows must leave the feed: n=%d err=%v", len(visible), err)
	}
}

func TestListChildrenUnknownParent(t *testing.T) {
	e := newEngine(t)
	svc := e.directService()
	standalone := repotest.SeedNotification(t, e.ctx, e.db, repotest.NotificationSeed{Recipient: repotest.Recipient("client"), Kind: "x"})
	for _, id := range []uuid.UUID{uuid.New(), standalone.ID} {
		if _, err := svc.ListChildren(e.ctx, id); !domainagg.IsCode(err, domainagg.CodeNotFound) {
			t.Fatalf("ListChildren(%s): want not_found, got %v", id, err)
		}
	}
}

func TestSignalFailureDoesNotFailWrite(t *testing.T) {
	e := newEngine(t)
	calls := 0
	svc := e.uc.Service(SignalFunc(func(context.Context, types.RecipientRef) error {
		calls++
		return errors.New("queue down")
	}))
	r := repotest.Recipient("expert")
	n, err := svc.Publish(e.ctx, publishInput(r, "expert_new_assignment", map[string]any{"client_id": "c-1"}))
	if err != nil || n == nil {
		t.Fatalf("Publish must succeed when the signal fails: %v", err)
	}
	if calls != 1 {
		t.Fatalf("signal calls: want=1 got=%d", calls)
	}
	stats, err := svc.Stats(e.ctx, &r)
	if err != nil || stats.UnreadStandalone != 1 {
		t.Fatalf("Stats: %+v err=%v", stats, err)
	}
}
