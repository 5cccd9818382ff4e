package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	notifrepo "github.com/yungbote/notification-engine/internal/data/repos/notifications"
	domainagg "github.com/yungbote/notification-engine/internal/domain/aggregates"
	types "github.com/yungbote/notification-engine/internal/domain/notifications"
	"github.com/yungbote/notification-engine/internal/observability"
	"github.com/yungbote/notification-engine/internal/pkg/ctxutil"
	"github.com/yungbote/notification-engine/internal/pkg/dbctx"
	"github.com/yungbote/notification-engine/internal/pkg/logger"
)

// PublishInput is what a producer may set. Role, parent_ref, visibility,
// grouping_key and children_count belong to the engine and are never read
// from producers.
type PublishInput struct {
	RecipientID   uuid.UUID       `json:"recipient_id"`
	RecipientKind string          `json:"recipient_kind"`
	Kind          string          `json:"kind"`
	Priority      string          `json:"priority,omitempty"`
	Title         string          `json:"title"`
	Message       string          `json:"message,omitempty"`
	ActionURL     string          `json:"action_url,omitempty"`
	Detail        json.RawMessage `json:"detail,omitempty"`
	CreatedAt     *time.Time      `json:"created_at,omitempty"`
}

type NotificationService interface {
	Publish(ctx context.Context, in PublishInput) (*types.Notification, error)
	MarkRead(ctx context.Context, id uuid.UUID) (*types.Notification, error)
	Archive(ctx context.Context, id uuid.UUID) (*types.Notification, error)
	Replace(ctx context.Context, id uuid.UUID, replacement PublishInput) (*types.Notification, *types.Notification, error)
	ListVisible(ctx context.Context, recipient types.RecipientRef, opts notifrepo.ListOptions) ([]*types.Notification, error)
	ListChildren(ctx context.Context, parentID uuid.UUID) ([]*types.Notification, error)
	Stats(ctx context.Context, recipient *types.RecipientRef) (notifrepo.Stats, error)
}

type ServiceDeps struct {
	Log           *logger.Logger
	Profiles      *types.Profiles
	Notifications notifrepo.NotificationRepo
	Groups        domainagg.NotificationGroupAggregate
	Signal        RecomputeSignal
	Metrics       *observability.Metrics
	Clock         func() time.Time
}

type notificationService struct {
	deps ServiceDeps
	log  *logger.Logger
}

func NewNotificationService(deps ServiceDeps) NotificationService {
	if deps.Log == nil {
		deps.Log = logger.Nop()
	}
	if deps.Clock == nil {
		deps.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &notificationService{deps: deps, log: deps.Log.With("service", "NotificationService")}
}

func (s *notificationService) Publish(ctx context.Context, in PublishInput) (*types.Notification, error) {
	const op = "Notifications.Publish"
	n, err := s.build(op, in)
	if err != nil {
		return nil, err
	}
	if _, err := s.deps.Notifications.Create(dbctx.Context{Ctx: ctx}, []*types.Notification{n}); err != nil {
		return nil, domainagg.Wrap(domainagg.CodeInternal, op, types.StoreError("create notification", err))
	}
	s.log.Debug("notification published", append(ctxutil.TraceFields(ctx), "notification_id", n.ID, "kind", n.Kind, "recipient_id", n.RecipientID)...)
	s.signal(ctx, n.Recipient())
	return n, nil
}

// build validates producer input and turns it into a standalone row.
func (s *notificationService) build(op string, in PublishInput) (*types.Notification, error) {
	recipient := types.RecipientRef{ID: in.RecipientID, Kind: strings.TrimSpace(in.RecipientKind)}
	if !recipient.Valid() {
		return nil, domainagg.NewError(domainagg.CodeValidation, op, "recipient_id and recipient_kind are required", nil)
	}
	kind := strings.TrimSpace(in.Kind)
	if kind == "" {
		return nil, domainagg.NewError(domainagg.CodeValidation, op, "kind is required", nil)
	}
	if s.deps.Profiles.IsSummaryKind(kind) {
		return nil, domainagg.NewError(domainagg.CodeValidation, op, fmt.Sprintf("kind %q is reserved for summaries", kind), nil)
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, domainagg.NewError(domainagg.CodeValidation, op, "title is required", nil)
	}

	detail := []byte(strings.TrimSpace(string(in.Detail)))
	if len(detail) == 0 {
		detail = []byte("{}")
	}
	if !json.Valid(detail) {
		return nil, domainagg.NewError(domainagg.CodeValidation, op, "detail is not valid JSON", nil)
	}

	priority := types.PriorityMedium
	if raw := strings.TrimSpace(in.Priority); raw != "" {
		p, ok := types.ParsePriority(raw)
		if !ok {
			return nil, domainagg.NewError(domainagg.CodeValidation, op, fmt.Sprintf("unknown priority %q", raw), nil)
		}
		priority = p
	} else if _, schema, ok := s.deps.Profiles.Resolve(recipient.Kind, kind); ok {
		// a malformed detail simply yields no hint
		if doc, err := types.DecodeDetail(datatypes.JSON(detail)); err == nil {
			if p, ok := types.PriorityHint(schema, doc); ok {
				priority = p
			}
		}
	}

	createdAt := s.deps.Clock()
	if in.CreatedAt != nil && !in.CreatedAt.IsZero() {
		createdAt = in.CreatedAt.UTC()
	}
	return &types.Notification{
		ID:            uuid.New(),
		RecipientID:   recipient.ID,
		RecipientKind: recipient.Kind,
		Kind:          kind,
		Priority:      priority,
		ReadState:     types.ReadStateUnread,
		Role:          types.RoleStandalone,
		Visible:       true,
		Title:         title,
		Message:       strings.TrimSpace(in.Message),
		ActionURL:     strings.TrimSpace(in.ActionURL),
		Detail:        datatypes.JSON(detail),
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}, nil
}

func (s *notificationService) MarkRead(ctx context.Context, id uuid.UUID) (*types.Notification, error) {
	return s.changeState(ctx, id, types.ReadStateRead)
}

func (s *notificationService) Archive(ctx context.Context, id uuid.UUID) (*types.Notification, error) {
	return s.changeState(ctx, id, types.ReadStateArchived)
}

func (s *notificationService) changeState(ctx context.Context, id uuid.UUID, to types.ReadState) (*types.Notification, error) {
	res, err := s.deps.Groups.ChangeReadState(ctx, domainagg.ChangeReadStateInput{
		NotificationID: id,
		To:             to,
		Now:            s.deps.Clock(),
	})
	if err != nil {
		return nil, err
	}
	if res.Changed {
		s.deps.Metrics.IncReadStateChange(string(to))
		s.log.Debug("read state changed", "notification_id", id, "to", to, "cascaded", res.Cascaded)
		s.signal(ctx, res.Notification.Recipient())
	}
	return res.Notification, nil
}

// Replace marks id replaced and writes replacement in the same transaction.
// Recipient fields left empty on replacement are taken from the original.
func (s *notificationService) Replace(ctx context.Context, id uuid.UUID, replacement PublishInput) (*types.Notification, *types.Notification, error) {
	const op = "Notifications.Replace"
	if id == uuid.Nil {
		return nil, nil, domainagg.NewError(domainagg.CodeValidation, op, "missing notification id", nil)
	}
	original, err := s.deps.Notifications.GetByID(dbctx.Context{Ctx: ctx}, id)
	if err != nil {
		return nil, nil, domainagg.Wrap(domainagg.CodeInternal, op, types.StoreError("get notification", err))
	}
	if original == nil {
		return nil, nil, domainagg.NewError(domainagg.CodeNotFound, op, fmt.Sprintf("notification not found: %s", id), nil)
	}
	if replacement.RecipientID == uuid.Nil {
		replacement.RecipientID = original.RecipientID
	}
	if strings.TrimSpace(replacement.RecipientKind) == "" {
		replacement.RecipientKind = original.RecipientKind
	}
	next, err := s.build(op, replacement)
	if err != nil {
		return nil, nil, err
	}
	res, err := s.deps.Groups.ChangeReadState(ctx, domainagg.ChangeReadStateInput{
		NotificationID: id,
		To:             types.ReadStateReplaced,
		Now:            s.deps.Clock(),
		Replacement:    next,
	})
	if err != nil {
		return nil, nil, err
	}
	if !res.Changed {
		return res.Notification, nil, domainagg.NewError(domainagg.CodeConflict, op, "notification is no longer unread", nil)
	}
	s.deps.Metrics.IncReadStateChange(string(types.ReadStateReplaced))
	s.signal(ctx, res.Notification.Recipient())
	return res.Notification, res.Replacement, nil
}

func (s *notificationService) ListVisible(ctx context.Context, recipient types.RecipientRef, opts notifrepo.ListOptions) ([]*types.Notification, error) {
	if !recipient.Valid() {
		return nil, domainagg.NewError(domainagg.CodeValidation, "Notifications.ListVisible", "recipient_id and recipient_kind are required", nil)
	}
	out, err := s.deps.Notifications.ListVisible(dbctx.Context{Ctx: ctx}, recipient, opts)
	if err != nil {
		return nil, domainagg.Wrap(domainagg.CodeInternal, "Notifications.ListVisible", types.StoreError("list visible", err))
	}
	return out, nil
}

func (s *notificationService) ListChildren(ctx context.Context, parentID uuid.UUID) ([]*types.Notification, error) {
	const op = "Notifications.ListChildren"
	dbc := dbctx.Context{Ctx: ctx}
	parent, err := s.deps.Notifications.GetByID(dbc, parentID)
	if err != nil {
		return nil, domainagg.Wrap(domainagg.CodeInternal, op, types.StoreError("get parent", err))
	}
	if parent == nil || parent.Role != types.RoleParent {
		return nil, domainagg.NewError(domainagg.CodeNotFound, op, fmt.Sprintf("parent not found: %s", parentID), nil)
	}
	out, err := s.deps.Notifications.ListActiveChildren(dbc, parentID)
	if err != nil {
		return nil, domainagg.Wrap(domainagg.CodeInternal, op, types.StoreError("list children", err))
	}
	return out, nil
}

func (s *notificationService) Stats(ctx context.Context, recipient *types.RecipientRef) (notifrepo.Stats, error) {
	out, err := s.deps.Notifications.Stats(dbctx.Context{Ctx: ctx}, recipient)
	if err != nil {
		return out, domainagg.Wrap(domainagg.CodeInternal, "Notifications.Stats", types.StoreError("stats", err))
	}
	return out, nil
}

// signal tells the trigger that recipient changed. The write already
// committed, so a failed signal is logged and left to the next sweep.
func (s *notificationService) signal(ctx context.Context, recipient types.RecipientRef) {
	if s.deps.Signal == nil {
		return
	}
	if err := s.deps.Signal.RecipientChanged(ctx, recipient); err != nil {
		s.log.Warn("recompute signal failed", append(ctxutil.TraceFields(ctx), "recipient_id", recipient.ID, "recipient_kind", recipient.Kind, "error", err)...)
	}
}
