package handlers

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	notifrepo "github.com/yungbote/notification-engine/internal/data/repos/notifications"
	domainagg "github.com/yungbote/notification-engine/internal/domain/aggregates"
	types "github.com/yungbote/notification-engine/internal/domain/notifications"
	"github.com/yungbote/notification-engine/internal/http/response"
	notifmod "github.com/yungbote/notification-engine/internal/modules/notifications"
)

const maxPageSize = 200

type NotificationHandler struct {
	svc notifmod.NotificationService
}

func NewNotificationHandler(svc notifmod.NotificationService) *NotificationHandler {
	return &NotificationHandler{svc: svc}
}

// POST /api/notifications
func (h *NotificationHandler) Publish(c *gin.Context) {
	var in notifmod.PublishInput
	if err := c.ShouldBindJSON(&in); err != nil {
		response.Error(c, domainagg.NewError(domainagg.CodeValidation, "Notifications.Publish", "invalid request body", err))
		return
	}
	n, err := h.svc.Publish(c.Request.Context(), in)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.RespondCreated(c, gin.H{"notification": n})
}

// POST /api/notifications/:id/read
func (h *NotificationHandler) MarkRead(c *gin.Context) {
	id, ok := notificationID(c)
	if !ok {
		return
	}
	n, err := h.svc.MarkRead(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.RespondOK(c, gin.H{"notification": n})
}

// POST /api/notifications/:id/archive
func (h *NotificationHandler) Archive(c *gin.Context) {
	id, ok := notificationID(c)
	if !ok {
		return
	}
	n, err := h.svc.Archive(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.RespondOK(c, gin.H{"notification": n})
}

// POST /api/notifications/:id/replace
func (h *NotificationHandler) Replace(c *gin.Context) {
	id, ok := notificationID(c)
	if !ok {
		return
	}
	var in notifmod.PublishInput
	if err := c.ShouldBindJSON(&in); err != nil {
		response.Error(c, domainagg.NewError(domainagg.CodeValidation, "Notifications.Replace", "invalid request body", err))
		return
	}
	old, next, err := h.svc.Replace(c.Request.Context(), id, in)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.RespondCreated(c, gin.H{"replaced": old, "notification": next})
}

// GET /api/notifications/:id/children
func (h *NotificationHandler) ListChildren(c *gin.Context) {
	id, ok := notificationID(c)
	if !ok {
		return
	}
	children, err := h.svc.ListChildren(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.RespondOK(c, gin.H{"children": children})
}

// GET /api/recipients/:id/notifications?kind=expert&unread=true&limit=50&offset=0
func (h *NotificationHandler) ListVisible(c *gin.Context) {
	recipient, ok := recipientRef(c)
	if !ok {
		return
	}
	opts, err := listOptions(c)
	if err != nil {
		response.Error(c, domainagg.NewError(domainagg.CodeValidation, "Notifications.ListVisible", err.Error(), nil))
		return
	}
	rows, err := h.svc.ListVisible(c.Request.Context(), recipient, opts)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.RespondOK(c, gin.H{"notifications": rows})
}

// GET /api/recipients/:id/notifications/stats?kind=expert
func (h *NotificationHandler) RecipientStats(c *gin.Context) {
	recipient, ok := recipientRef(c)
	if !ok {
		return
	}
	stats, err := h.svc.Stats(c.Request.Context(), &recipient)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.RespondOK(c, gin.H{"stats": stats})
}

// GET /api/admin/stats
func (h *NotificationHandler) GlobalStats(c *gin.Context) {
	stats, err := h.svc.Stats(c.Request.Context(), nil)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.RespondOK(c, gin.H{"stats": stats})
}

func notificationID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, domainagg.NewError(domainagg.CodeValidation, "Notifications", "invalid notification id", err))
		return uuid.Nil, false
	}
	return id, true
}

func recipientRef(c *gin.Context) (types.RecipientRef, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, domainagg.NewError(domainagg.CodeValidation, "Notifications", "invalid recipient id", err))
		return types.RecipientRef{}, false
	}
	kind := strings.TrimSpace(c.Query("kind"))
	if kind == "" {
		response.Error(c, domainagg.NewError(domainagg.CodeValidation, "Notifications", "kind query parameter is required", nil))
		return types.RecipientRef{}, false
	}
	return types.RecipientRef{ID: id, Kind: kind}, true
}

func listOptions(c *gin.Context) (notifrepo.ListOptions, error) {
	var opts notifrepo.ListOptions
	if raw := strings.TrimSpace(c.Query("unread")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return opts, fmt.Errorf("invalid unread %q", raw)
		}
		opts.UnreadOnly = v
	}
	var err error
	if opts.Limit, err = intQuery(c, "limit"); err != nil {
		return opts, err
	}
	if opts.Limit > maxPageSize {
		opts.Limit = maxPageSize
	}
	if opts.Offset, err = intQuery(c, "offset"); err != nil {
		return opts, err
	}
	return opts, nil
}

func intQuery(c *gin.Context, key string) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, raw)
	}
	return v, nil
}
