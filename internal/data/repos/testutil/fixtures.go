package testutil

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/yungbote/notification-engine/internal/domain/notifications"
	"github.com/yungbote/notification-engine/internal/pkg/pointers"
)

// NotificationSeed describes one producer-written notification.
type NotificationSeed struct {
	Recipient types.RecipientRef
	Kind      string
	Priority  types.Priority
	Title     string
	Detail    map[string]any
	CreatedAt time.Time
	ReadState types.ReadState
}

func Recipient(kind string) types.RecipientRef {
	return types.RecipientRef{ID: uuid.New(), Kind: kind}
}

func SeedNotification(tb testing.TB, ctx context.Context, tx *gorm.DB, seed NotificationSeed) *types.Notification {
	tb.Helper()
	detail := []byte("{}")
	if seed.Detail != nil {
		raw, err := json.Marshal(seed.Detail)
		if err != nil {
			tb.Fatalf("seed detail: %v", err)
		}
		detail = raw
	}
	title := seed.Title
	if title == "" {
		title = seed.Kind
	}
	n := &types.Notification{
		ID:            uuid.New(),
		RecipientID:   seed.Recipient.ID,
		RecipientKind: seed.Recipient.Kind,
		Kind:          seed.Kind,
		Priority:      seed.Priority,
		ReadState:     seed.ReadState,
		Role:          types.RoleStandalone,
		Title:         title,
		Detail:        datatypes.JSON(detail),
		CreatedAt:     seed.CreatedAt,
	}
	if err := tx.WithContext(ctx).Create(n).Error; err != nil {
		tb.Fatalf("seed notification: %v", err)
	}
	return n
}

// SeedParent writes a live parent directly, bypassing composition.
func SeedParent(tb testing.TB, ctx context.Context, tx *gorm.DB, recipient types.RecipientRef, kind, groupingKey string, childrenCount int) *types.Notification {
	tb.Helper()
	n := &types.Notification{
		ID:            uuid.New(),
		RecipientID:   recipient.ID,
		RecipientKind: recipient.Kind,
		Kind:          kind,
		GroupingKey:   pointers.String(groupingKey),
		Priority:      types.PriorityMedium,
		ReadState:     types.ReadStateUnread,
		Role:          types.RoleParent,
		ChildrenCount: childrenCount,
		Title:         "parent",
		Summary:       datatypes.JSON([]byte("{}")),
	}
	if err := tx.WithContext(ctx).Create(n).Error; err != nil {
		tb.Fatalf("seed parent: %v", err)
	}
	return n
}

// Reload reads a notification back, failing the test when it is gone.
func Reload(tb testing.TB, ctx context.Context, tx *gorm.DB, id uuid.UUID) *types.Notification {
	tb.Helper()
	var n types.Notification
	if err := tx.WithContext(ctx).Where("id = ?", id).First(&n).Error; err != nil {
		tb.Fatalf("reload %s: %v", id, err)
	}
	return &n
}
