package notifications

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	notifrepo "github.com/yungbote/notification-engine/internal/data/repos/notifications"
	domainagg "github.com/yungbote/notification-engine/internal/domain/aggregates"
	types "github.com/yungbote/notification-engine/internal/domain/notifications"
	"github.com/yungbote/notification-engine/internal/observability"
	"github.com/yungbote/notification-engine/internal/pkg/dbctx"
	"github.com/yungbote/notification-engine/internal/pkg/logger"
)

type ReaperDeps struct {
	Log           *logger.Logger
	Profiles      *types.Profiles
	Notifications notifrepo.NotificationRepo
	Groups        domainagg.NotificationGroupAggregate
	Metrics       *observability.Metrics
	Clock         func() time.Time
}

// Reaper archives live parents left without active children and re-derives
// parents whose stored count drifted after children were read one by one.
type Reaper struct {
	deps ReaperDeps
	log  *logger.Logger
}

func NewReaper(deps ReaperDeps) *Reaper {
	if deps.Log == nil {
		deps.Log = logger.Nop()
	}
	if deps.Clock == nil {
		deps.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &Reaper{deps: deps, log: deps.Log.With("component", "NotificationReaper")}
}

type ReapReport struct {
	Checked   int         `json:"checked"`
	Retired   []uuid.UUID `json:"retired,omitempty"`
	Refreshed []uuid.UUID `json:"refreshed,omitempty"`
	Failed    int         `json:"failed"`
}

func (r *ReapReport) merge(o ReapReport) {
	r.Checked += o.Checked
	r.Retired = append(r.Retired, o.Retired...)
	r.Refreshed = append(r.Refreshed, o.Refreshed...)
	r.Failed += o.Failed
}

// Run checks every live parent of one recipient. Rerunning it changes nothing.
func (r *Reaper) Run(ctx context.Context, recipient types.RecipientRef, dryRun bool) (ReapReport, error) {
	var report ReapReport
	if !recipient.Valid() {
		return report, domainagg.NewError(domainagg.CodeValidation, "Notifications.Reap", "missing recipient", nil)
	}
	log := r.log.With("recipient_id", recipient.ID, "recipient_kind", recipient.Kind)
	dbc := dbctx.Context{Ctx: ctx}

	parents, err := r.deps.Notifications.ListLiveParents(dbc, recipient)
	if err != nil {
		return report, types.StoreError("list live parents", err)
	}
	var errs []error
	for _, p := range parents {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		report.Checked++
		active, err := r.deps.Notifications.CountActiveChildren(dbc, p.ID)
		if err != nil {
			report.Failed++
			errs = append(errs, types.StoreError("count active children", err))
			continue
		}
		if active > 0 {
			if int(active) == p.ChildrenCount {
				continue
			}
			if err := r.refresh(ctx, recipient, p, dryRun); err != nil {
				report.Failed++
				errs = append(errs, err)
				log.Warn("refresh parent failed", "parent_id", p.ID, "error", err)
				continue
			}
			report.Refreshed = append(report.Refreshed, p.ID)
			continue
		}
		res, err := r.deps.Groups.RetireOrphan(ctx, domainagg.RetireOrphanInput{
			ParentID: p.ID,
			Now:      r.deps.Clock(),
			DryRun:   dryRun,
		})
		if err != nil {
			report.Failed++
			errs = append(errs, err)
			log.Warn("retire orphan failed", "parent_id", p.ID, "error", err)
			continue
		}
		if res.Retired {
			report.Retired = append(report.Retired, p.ID)
			log.Debug("orphan parent retired", "parent_id", p.ID, "grouping_key", p.GroupingKeyValue(), "dry_run", dryRun)
		}
	}
	if !dryRun {
		r.deps.Metrics.AddOrphansRetired(len(report.Retired))
	}
	return report, errors.Join(errs...)
}

// refresh recomposes a parent from its own active children.
func (r *Reaper) refresh(ctx context.Context, recipient types.RecipientRef, parent *types.Notification, dryRun bool) error {
	profile, ok := r.deps.Profiles.For(recipient.Kind)
	if !ok {
		return types.ErrUnknownProfile
	}
	_, err := r.deps.Groups.ApplyGroup(ctx, domainagg.ApplyGroupInput{
		Recipient:   recipient,
		Profile:     profile,
		GroupingKey: parent.GroupingKeyValue(),
		Now:         r.deps.Clock(),
		DryRun:      dryRun,
	})
	return err
}

// RunAll reaps every recipient that still has unread rows. Live parents are
// unread, so no recipient holding one is missed.
func (r *Reaper) RunAll(ctx context.Context, dryRun bool) (ReapReport, error) {
	var total ReapReport
	var errs []error
	var after *types.RecipientRef
	for {
		page, err := r.deps.Notifications.ListRecipientsWithUnread(dbctx.Context{Ctx: ctx}, after, defaultBatchSize)
		if err != nil {
			return total, errors.Join(append(errs, types.StoreError("list recipients", err))...)
		}
		if len(page) == 0 {
			break
		}
		for _, recipient := range page {
			if err := ctx.Err(); err != nil {
				return total, errors.Join(append(errs, err)...)
			}
			rep, err := r.Run(ctx, recipient, dryRun)
			total.merge(rep)
			if err != nil {
				errs = append(errs, err)
			}
		}
		last := page[len(page)-1]
		after = &last
	}
	return total, errors.Join(errs...)
}
