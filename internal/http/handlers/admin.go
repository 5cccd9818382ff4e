package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	domainagg "github.com/yungbote/notification-engine/internal/domain/aggregates"
	types "github.com/yungbote/notification-engine/internal/domain/notifications"
	"github.com/yungbote/notification-engine/internal/http/response"
	"github.com/yungbote/notification-engine/internal/jobs"
	notifmod "github.com/yungbote/notification-engine/internal/modules/notifications"
)

// SweepDispatch describes where a requested sweep went. Exactly one of
// Report, JobID or WorkflowID is set.
type SweepDispatch struct {
	Mode       string                `json:"mode"`
	Report     *notifmod.SweepReport `json:"report,omitempty"`
	JobID      string                `json:"job_id,omitempty"`
	WorkflowID string                `json:"workflow_id,omitempty"`
	RunID      string                `json:"run_id,omitempty"`
}

// SweepDispatcher runs a sweep inline or hands it to the background
// trigger. wait forces an inline run.
type SweepDispatcher interface {
	DispatchSweep(ctx context.Context, req jobs.SweepRequest, wait bool) (SweepDispatch, error)
}

type AdminHandler struct {
	sweeps SweepDispatcher
	driver *notifmod.Driver
}

func NewAdminHandler(sweeps SweepDispatcher, driver *notifmod.Driver) *AdminHandler {
	return &AdminHandler{sweeps: sweeps, driver: driver}
}

type sweepBody struct {
	After       string   `json:"after"`
	Recipients  []string `json:"recipients"`
	Limit       int      `json:"limit"`
	BatchSize   int      `json:"batch_size"`
	Concurrency int      `json:"concurrency"`
	DryRun      bool     `json:"dry_run"`
	Wait        bool     `json:"wait"`
}

// POST /api/admin/sweep
func (h *AdminHandler) Sweep(c *gin.Context) {
	const op = "Admin.Sweep"
	var body sweepBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			response.Error(c, domainagg.NewError(domainagg.CodeValidation, op, "invalid request body", err))
			return
		}
	}
	if body.Limit < 0 || body.BatchSize < 0 || body.Concurrency < 0 {
		response.Error(c, domainagg.NewError(domainagg.CodeValidation, op, "limit, batch_size and concurrency must not be negative", nil))
		return
	}
	req := jobs.SweepRequest{
		Limit:       body.Limit,
		BatchSize:   body.BatchSize,
		Concurrency: body.Concurrency,
		DryRun:      body.DryRun,
	}
	if body.After != "" {
		after, err := types.ParseRecipientRef(body.After)
		if err != nil {
			response.Error(c, domainagg.NewError(domainagg.CodeValidation, op, err.Error(), nil))
			return
		}
		req.After = &after
	}
	for _, raw := range body.Recipients {
		r, err := types.ParseRecipientRef(raw)
		if err != nil {
			response.Error(c, domainagg.NewError(domainagg.CodeValidation, op, err.Error(), nil))
			return
		}
		req.Recipients = append(req.Recipients, r)
	}

	out, err := h.sweeps.DispatchSweep(c.Request.Context(), req, body.Wait)
	if err != nil {
		response.Error(c, err)
		return
	}
	if out.Report != nil {
		response.RespondOK(c, gin.H{"sweep": out})
		return
	}
	response.RespondAccepted(c, gin.H{"sweep": out})
}

type recomputeBody struct {
	RecipientID   string `json:"recipient_id"`
	RecipientKind string `json:"recipient_kind"`
	DryRun        bool   `json:"dry_run"`
}

// POST /api/admin/recompute runs one recipient inline.
func (h *AdminHandler) Recompute(c *gin.Context) {
	const op = "Admin.Recompute"
	var body recomputeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, domainagg.NewError(domainagg.CodeValidation, op, "invalid request body", err))
		return
	}
	r, err := types.ParseRecipientRef(body.RecipientKind + ":" + body.RecipientID)
	if err != nil {
		response.Error(c, domainagg.NewError(domainagg.CodeValidation, op, err.Error(), nil))
		return
	}
	rep, err := h.driver.Recompute(c.Request.Context(), r, notifmod.RecomputeOptions{
		Trigger: notifmod.TriggerDirect,
		DryRun:  body.DryRun,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.RespondOK(c, gin.H{"report": rep})
}
