package notifications

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank orders priorities; unknown values rank below low.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	case PriorityUrgent:
		return 4
	default:
		return 0
	}
}

func (p Priority) Valid() bool { return p.Rank() > 0 }

func ParsePriority(raw string) (Priority, bool) {
	p := Priority(strings.ToLower(strings.TrimSpace(raw)))
	return p, p.Valid()
}

// MaxPriority returns the higher ranked of a and b.
func MaxPriority(a, b Priority) Priority {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

type ReadState string

const (
	ReadStateUnread   ReadState = "unread"
	ReadStateRead     ReadState = "read"
	ReadStateArchived ReadState = "archived"
	ReadStateReplaced ReadState = "replaced"
)

// Active reports whether a child in this state still counts toward its parent.
func (s ReadState) Active() bool { return s == ReadStateUnread }

func (s ReadState) Valid() bool {
	switch s {
	case ReadStateUnread, ReadStateRead, ReadStateArchived, ReadStateReplaced:
		return true
	default:
		return false
	}
}

type Role string

const (
	RoleStandalone Role = "standalone"
	RoleParent     Role = "parent"
	RoleChild      Role = "child"
)

// Notification is both the producer-written leaf and the engine-written
// summary; Role tells them apart. Hierarchy depth is fixed at one.
type Notification struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	RecipientID   uuid.UUID      `gorm:"type:uuid;not null;index:idx_notification_recipient,priority:1" json:"recipient_id"`
	RecipientKind string         `gorm:"column:recipient_kind;not null;index:idx_notification_recipient,priority:2" json:"recipient_kind"`
	Kind          string         `gorm:"column:kind;not null;index" json:"kind"`
	GroupingKey   *string        `gorm:"column:grouping_key;index" json:"grouping_key,omitempty"`
	Priority      Priority       `gorm:"column:priority;not null" json:"priority"`
	ReadState     ReadState      `gorm:"column:read_state;not null;index:idx_notification_recipient,priority:3" json:"read_state"`
	Role          Role           `gorm:"column:role;not null;index" json:"role"`
	ParentRef     *uuid.UUID     `gorm:"type:uuid;column:parent_ref;index" json:"parent_ref,omitempty"`
	ChildrenCount int            `gorm:"column:children_count;not null;default:0" json:"children_count"`
	Visible       bool           `gorm:"column:visible;not null" json:"visible"`
	Title         string         `gorm:"column:title;not null" json:"title"`
	Message       string         `gorm:"column:message" json:"message"`
	ActionURL     string         `gorm:"column:action_url" json:"action_url,omitempty"`
	Summary       datatypes.JSON `gorm:"column:summary" json:"summary,omitempty"`
	Detail        datatypes.JSON `gorm:"column:detail" json:"detail,omitempty"`
	CreatedAt     time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"not null" json:"updated_at"`
}

func (Notification) TableName() string { return "notification" }

// BeforeCreate fills ids and defaults and derives visibility from role.
func (n *Notification) BeforeCreate(tx *gorm.DB) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.Role == "" {
		n.Role = RoleStandalone
	}
	if n.ReadState == "" {
		n.ReadState = ReadStateUnread
	}
	if !n.Priority.Valid() {
		n.Priority = PriorityMedium
	}
	n.Visible = n.Role != RoleChild
	now := time.Now().UTC()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.CreatedAt = n.CreatedAt.UTC()
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = n.CreatedAt
	}
	return CheckShape(n)
}

// IsLiveParent reports whether n is the current summary for its grouping key.
func (n *Notification) IsLiveParent() bool {
	return n != nil && n.Role == RoleParent && n.ReadState == ReadStateUnread
}

// IsActiveChild reports whether n is an unread child of parentID.
func (n *Notification) IsActiveChild(parentID uuid.UUID) bool {
	return n != nil &&
		n.Role == RoleChild &&
		n.ReadState.Active() &&
		n.ParentRef != nil &&
		*n.ParentRef == parentID
}

func (n *Notification) GroupingKeyValue() string {
	if n == nil || n.GroupingKey == nil {
		return ""
	}
	return *n.GroupingKey
}

// RecipientRef identifies a recipient; ids are only unique per kind.
type RecipientRef struct {
	ID   uuid.UUID `json:"id"`
	Kind string    `json:"kind"`
}

func (r RecipientRef) String() string { return r.Kind + ":" + r.ID.String() }

func (r RecipientRef) Valid() bool { return r.ID != uuid.Nil && strings.TrimSpace(r.Kind) != "" }

// ParseRecipientRef reads the "kind:id" form produced by String.
func ParseRecipientRef(raw string) (RecipientRef, error) {
	kind, id, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok || strings.TrimSpace(kind) == "" {
		return RecipientRef{}, fmt.Errorf("recipient %q: want kind:id", raw)
	}
	parsed, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return RecipientRef{}, fmt.Errorf("recipient %q: %w", raw, err)
	}
	return RecipientRef{ID: parsed, Kind: strings.TrimSpace(kind)}, nil
}

func (n *Notification) Recipient() RecipientRef {
	return RecipientRef{ID: n.RecipientID, Kind: n.RecipientKind}
}
