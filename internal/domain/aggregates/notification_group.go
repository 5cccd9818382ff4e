package aggregates

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/notification-engine/internal/domain/notifications"
)

var NotificationGroupAggregateContract = Contract{
	Name:             "Notifications.GroupAggregate",
	WriteTxOwnership: WriteTxOwnedByAggregate,
	ReadPolicy:       ReadPolicyInvariantScoped,
	Notes: "Owns the live parent of one (recipient, grouping key): parent upsert, child linking, " +
		"orphan retirement and read-state cascades run in a single transaction.",
}

// NotificationGroupAggregate keeps a parent and its children consistent.
//
// Write method failures return *aggregates.Error with codes:
// CodeValidation, CodeNotFound, CodeConflict, CodeInvariantViolation, CodeRetryable, CodeInternal.
type NotificationGroupAggregate interface {
	Aggregate

	// ApplyGroup links the bucket members under the live parent for the key,
	// creating or refreshing that parent from the full active child set.
	ApplyGroup(ctx context.Context, in ApplyGroupInput) (ApplyGroupResult, error)

	// RetireOrphan archives a live parent that has no active children left.
	RetireOrphan(ctx context.Context, in RetireOrphanInput) (RetireOrphanResult, error)

	// ChangeReadState moves one notification out of unread and cascades to
	// the active children when the target is a live parent.
	ChangeReadState(ctx context.Context, in ChangeReadStateInput) (ChangeReadStateResult, error)
}

type ApplyGroupInput struct {
	Recipient   notifications.RecipientRef
	Profile     notifications.Profile
	GroupingKey string
	// MemberIDs are the bucket candidates; each is re-read under lock before linking.
	MemberIDs []uuid.UUID
	Now       time.Time
	DryRun    bool
}

type ApplyGroupResult struct {
	ParentID      uuid.UUID
	ParentCreated bool
	ParentUpdated bool
	ChildrenCount int
	Linked        int
	// Conflicts lists members left alone because another live parent holds them.
	Conflicts []uuid.UUID
	// Stale counts members that stopped being candidates between the read and the lock.
	Stale int
}

// Empty reports that there was nothing left to group.
func (r ApplyGroupResult) Empty() bool { return r.ParentID == uuid.Nil }

type RetireOrphanInput struct {
	ParentID uuid.UUID
	Now      time.Time
	DryRun   bool
}

type RetireOrphanResult struct {
	Retired bool
}

type ChangeReadStateInput struct {
	NotificationID uuid.UUID
	To             notifications.ReadState
	Now            time.Time
	// Replacement is written in the same transaction when To is replaced.
	Replacement *notifications.Notification
}

type ChangeReadStateResult struct {
	Notification *notifications.Notification
	// Changed is false when the notification was already out of unread.
	Changed bool
	// Cascaded counts children moved along with a parent.
	Cascaded    int
	Replacement *notifications.Notification
}
