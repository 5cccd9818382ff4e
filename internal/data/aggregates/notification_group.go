package aggregates

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	notifrepo "github.com/yungbote/notification-engine/internal/data/repos/notifications"
	domainagg "github.com/yungbote/notification-engine/internal/domain/aggregates"
	"github.com/yungbote/notification-engine/internal/domain/notifications"
	"github.com/yungbote/notification-engine/internal/pkg/dbctx"
	"github.com/yungbote/notification-engine/internal/pkg/pointers"
)

type NotificationGroupAggregateDeps struct {
	Base BaseDeps

	Notifications notifrepo.NotificationRepo
}

type notificationGroupAggregate struct {
	deps NotificationGroupAggregateDeps
}

func NewNotificationGroupAggregate(deps NotificationGroupAggregateDeps) domainagg.NotificationGroupAggregate {
	deps.Base = deps.Base.withDefaults()
	return &notificationGroupAggregate{deps: deps}
}

func (a *notificationGroupAggregate) Contract() domainagg.Contract {
	return domainagg.NotificationGroupAggregateContract
}

// errParentRace marks a parent insert that lost to a concurrent writer.
var errParentRace = errors.New("live parent created concurrently")

// groupPlan is the partition of a bucket decided under lock.
type groupPlan struct {
	children  []*notifications.Notification
	link      []uuid.UUID
	conflicts []uuid.UUID
	stale     int
}

func (a *notificationGroupAggregate) ApplyGroup(ctx context.Context, in domainagg.ApplyGroupInput) (domainagg.ApplyGroupResult, error) {
	const op = "Notifications.Group.ApplyGroup"
	var out domainagg.ApplyGroupResult
	if !in.Recipient.Valid() {
		return out, domainagg.NewError(domainagg.CodeValidation, op, "missing recipient", nil)
	}
	key := strings.TrimSpace(in.GroupingKey)
	if key == "" {
		return out, domainagg.NewError(domainagg.CodeValidation, op, "missing grouping_key", nil)
	}
	if in.Profile.SummaryKind == "" || in.Profile.RecipientKind != in.Recipient.Kind {
		return out, domainagg.NewError(domainagg.CodeValidation, op, "profile does not match recipient kind", nil)
	}
	if a.deps.Notifications == nil {
		return out, domainagg.NewError(domainagg.CodeInternal, op, "notification repo not configured", nil)
	}
	now := in.Now.UTC()
	if in.Now.IsZero() {
		now = time.Now().UTC()
	}

	err := executeWrite(ctx, a.deps.Base, op, dryRunnable(in.DryRun, func(dbc dbctx.Context) error {
		out = domainagg.ApplyGroupResult{}
		members, err := a.deps.Notifications.LockByIDs(dbc, uniqueIDs(in.MemberIDs))
		if err != nil {
			return err
		}
		parent, err := a.deps.Notifications.FindLiveParent(dbc, in.Recipient, key, true)
		if err != nil {
			return err
		}

		for attempt := 0; ; attempt++ {
			plan, err := a.planGroup(dbc, in.Recipient, key, parent, members)
			if err != nil {
				return err
			}
			out.Conflicts = plan.conflicts
			out.Stale = plan.stale
			if len(plan.children) == 0 {
				// nothing active to summarize; an empty live parent is the reaper's job
				return nil
			}

			comp, err := notifications.Compose(notifications.ComposeInput{
				Profile:     in.Profile,
				GroupingKey: key,
				Children:    plan.children,
				Now:         now,
			})
			if err != nil {
				return err
			}

			if parent == nil {
				created, err := a.createParent(dbc, in.Recipient, comp, now)
				if errors.Is(err, errParentRace) {
					if attempt > 0 {
						return ConflictError(err.Error())
					}
					parent, err = a.deps.Notifications.FindLiveParent(dbc, in.Recipient, key, true)
					if err != nil {
						return err
					}
					if parent == nil {
						return RetryableError("live parent vanished after unique conflict")
					}
					continue
				}
				if err != nil {
					return err
				}
				out.ParentID = created.ID
				out.ParentCreated = true
			} else {
				changed, err := a.refreshParent(dbc, parent, comp, now)
				if err != nil {
					return err
				}
				out.ParentID = parent.ID
				out.ParentUpdated = changed
			}

			linked, err := a.deps.Notifications.LinkChildren(dbc, out.ParentID, key, plan.link, now)
			if err != nil {
				return err
			}
			if err := RequireRowCount(linked, len(plan.link), "bucket members changed while linking"); err != nil {
				return err
			}
			out.Linked = len(plan.link)
			out.ChildrenCount = comp.ChildrenCount
			return nil
		}
	}))
	if err != nil {
		return domainagg.ApplyGroupResult{}, err
	}
	return out, nil
}

// planGroup decides which rows end up under the live parent for key. The
// parent's current active children always stay; members join unless they
// left unread or belong to a different live parent.
func (a *notificationGroupAggregate) planGroup(dbc dbctx.Context, recipient notifications.RecipientRef, key string, parent *notifications.Notification, members []*notifications.Notification) (groupPlan, error) {
	var plan groupPlan
	var parentID uuid.UUID
	seen := map[uuid.UUID]bool{}

	if parent != nil {
		parentID = parent.ID
		existing, err := a.deps.Notifications.ListActiveChildren(dbc, parent.ID)
		if err != nil {
			return plan, err
		}
		for _, c := range existing {
			seen[c.ID] = true
			plan.children = append(plan.children, c)
			if c.Visible || c.GroupingKeyValue() != key {
				plan.link = append(plan.link, c.ID)
			}
		}
	}

	var otherRefs []uuid.UUID
	for _, m := range members {
		if m.Role == notifications.RoleChild && m.ParentRef != nil && *m.ParentRef != parentID {
			otherRefs = append(otherRefs, *m.ParentRef)
		}
	}
	otherLive, err := a.deps.Notifications.FilterLiveParentIDs(dbc, uniqueIDs(otherRefs))
	if err != nil {
		return plan, err
	}

	for _, m := range members {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		if !m.ReadState.Active() || m.Role == notifications.RoleParent || m.Recipient() != recipient {
			plan.stale++
			continue
		}
		if m.Role == notifications.RoleChild && m.ParentRef != nil && otherLive[*m.ParentRef] {
			plan.conflicts = append(plan.conflicts, m.ID)
			continue
		}
		plan.children = append(plan.children, m)
		plan.link = append(plan.link, m.ID)
	}
	return plan, nil
}

// createParent inserts a new live parent inside a savepoint so a unique
// violation leaves the surrounding transaction usable.
func (a *notificationGroupAggregate) createParent(dbc dbctx.Context, recipient notifications.RecipientRef, comp notifications.Composition, now time.Time) (*notifications.Notification, error) {
	parent := &notifications.Notification{
		ID:            uuid.New(),
		RecipientID:   recipient.ID,
		RecipientKind: recipient.Kind,
		Kind:          comp.Kind,
		GroupingKey:   pointers.String(comp.GroupingKey),
		Priority:      comp.Priority,
		ReadState:     notifications.ReadStateUnread,
		Role:          notifications.RoleParent,
		ChildrenCount: comp.ChildrenCount,
		Visible:       true,
		Title:         comp.Title,
		Message:       comp.Message,
		ActionURL:     comp.ActionURL,
		Summary:       comp.SummaryJSON,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	tx := dbc.Tx
	if tx == nil {
		return nil, ValidationError("parent create requires a transaction")
	}
	err := tx.Transaction(func(sp *gorm.DB) error {
		_, err := a.deps.Notifications.Create(dbctx.Context{Ctx: dbc.Ctx, Tx: sp}, []*notifications.Notification{parent})
		return err
	})
	if IsDuplicate(err) {
		return nil, fmt.Errorf("%w: %s", errParentRace, recipient)
	}
	if err != nil {
		return nil, err
	}
	return parent, nil
}

// refreshParent writes only the fields that differ from comp. An unchanged
// parent is not touched, so reruns leave updated_at alone.
func (a *notificationGroupAggregate) refreshParent(dbc dbctx.Context, parent *notifications.Notification, comp notifications.Composition, now time.Time) (bool, error) {
	updates := map[string]any{}
	if parent.Kind != comp.Kind {
		updates["kind"] = comp.Kind
	}
	if parent.Priority != comp.Priority {
		updates["priority"] = comp.Priority
	}
	if parent.ChildrenCount != comp.ChildrenCount {
		updates["children_count"] = comp.ChildrenCount
	}
	if parent.Title != comp.Title {
		updates["title"] = comp.Title
	}
	if parent.Message != comp.Message {
		updates["message"] = comp.Message
	}
	if parent.ActionURL != comp.ActionURL {
		updates["action_url"] = comp.ActionURL
	}
	if !parent.Visible {
		updates["visible"] = true
	}
	if !SummaryEqual(parent.Summary, comp.SummaryJSON) {
		updates["summary"] = comp.SummaryJSON
	}
	if len(updates) == 0 {
		return false, nil
	}
	updates["updated_at"] = now
	ok, err := a.deps.Base.CASGuard.UpdateByState(dbc, notifications.Notification{}.TableName(), parent.ID, "read_state",
		[]string{string(notifications.ReadStateUnread)}, updates)
	if err != nil {
		return false, err
	}
	if err := RequireCASSuccess(ok, "live parent left unread while refreshing"); err != nil {
		return false, err
	}
	return true, nil
}

// SummaryEqual compares a stored summary with a freshly composed one by
// content. jsonb may reorder keys, so both sides go through Summary.
func SummaryEqual(stored []byte, composed []byte) bool {
	if len(stored) == 0 {
		return len(composed) == 0
	}
	s, err := notifications.DecodeSummary(stored)
	if err != nil || s == nil {
		return false
	}
	normalized, err := json.Marshal(s)
	if err != nil {
		return false
	}
	return bytes.Equal(normalized, composed)
}

func (a *notificationGroupAggregate) RetireOrphan(ctx context.Context, in domainagg.RetireOrphanInput) (domainagg.RetireOrphanResult, error) {
	const op = "Notifications.Group.RetireOrphan"
	var out domainagg.RetireOrphanResult
	if in.ParentID == uuid.Nil {
		return out, domainagg.NewError(domainagg.CodeValidation, op, "missing parent_id", nil)
	}
	if a.deps.Notifications == nil {
		return out, domainagg.NewError(domainagg.CodeInternal, op, "notification repo not configured", nil)
	}
	now := in.Now.UTC()
	if in.Now.IsZero() {
		now = time.Now().UTC()
	}
	err := executeWrite(ctx, a.deps.Base, op, dryRunnable(in.DryRun, func(dbc dbctx.Context) error {
		retired, err := a.deps.Notifications.ArchiveIfOrphan(dbc, in.ParentID, now)
		if err != nil {
			return err
		}
		out.Retired = retired
		return nil
	}))
	if err != nil {
		return domainagg.RetireOrphanResult{}, err
	}
	return out, nil
}

func (a *notificationGroupAggregate) ChangeReadState(ctx context.Context, in domainagg.ChangeReadStateInput) (domainagg.ChangeReadStateResult, error) {
	const op = "Notifications.Group.ChangeReadState"
	var out domainagg.ChangeReadStateResult
	if in.NotificationID == uuid.Nil {
		return out, domainagg.NewError(domainagg.CodeValidation, op, "missing notification_id", nil)
	}
	switch in.To {
	case notifications.ReadStateRead, notifications.ReadStateArchived:
		if in.Replacement != nil {
			return out, domainagg.NewError(domainagg.CodeValidation, op, "replacement given without replaced state", nil)
		}
	case notifications.ReadStateReplaced:
		if in.Replacement == nil {
			return out, domainagg.NewError(domainagg.CodeValidation, op, "replaced state requires a replacement", nil)
		}
	default:
		return out, domainagg.NewError(domainagg.CodeValidation, op, fmt.Sprintf("cannot move to read_state %q", in.To), nil)
	}
	if a.deps.Notifications == nil {
		return out, domainagg.NewError(domainagg.CodeInternal, op, "notification repo not configured", nil)
	}
	now := in.Now.UTC()
	if in.Now.IsZero() {
		now = time.Now().UTC()
	}

	err := executeWrite(ctx, a.deps.Base, op, func(dbc dbctx.Context) error {
		out = domainagg.ChangeReadStateResult{}
		rows, err := a.deps.Notifications.LockByIDs(dbc, []uuid.UUID{in.NotificationID})
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return domainagg.NewError(domainagg.CodeNotFound, op, fmt.Sprintf("notification not found: %s", in.NotificationID), nil)
		}
		n := rows[0]
		out.Notification = n
		if !n.ReadState.Active() {
			return nil
		}
		if in.To == notifications.ReadStateReplaced {
			if n.Role == notifications.RoleParent {
				return ValidationError("summaries are engine-owned and cannot be replaced")
			}
			if in.Replacement.RecipientID != n.RecipientID || in.Replacement.RecipientKind != n.RecipientKind {
				return ValidationError("replacement must target the same recipient")
			}
		}

		moved, err := a.deps.Notifications.SetReadState(dbc, []uuid.UUID{n.ID}, in.To, now)
		if err != nil {
			return err
		}
		if err := RequireRowCount(moved, 1, "notification left unread concurrently"); err != nil {
			return err
		}
		if n.Role == notifications.RoleParent {
			cascaded, err := a.deps.Notifications.SetActiveChildrenReadState(dbc, n.ID, in.To, now)
			if err != nil {
				return err
			}
			out.Cascaded = int(cascaded)
		}
		if in.Replacement != nil {
			r := in.Replacement
			r.ID = uuid.Nil
			r.Role = notifications.RoleStandalone
			r.ParentRef = nil
			r.GroupingKey = nil
			r.ReadState = notifications.ReadStateUnread
			if _, err := a.deps.Notifications.Create(dbc, []*notifications.Notification{r}); err != nil {
				return err
			}
			out.Replacement = r
		}
		n.ReadState = in.To
		n.UpdatedAt = now
		out.Changed = true
		return nil
	})
	if err != nil {
		return domainagg.ChangeReadStateResult{}, err
	}
	return out, nil
}

func uniqueIDs(ids []uuid.UUID) []uuid.UUID {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
