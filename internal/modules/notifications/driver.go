package notifications

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	notifrepo "github.com/yungbote/notification-engine/internal/data/repos/notifications"
	types "github.com/yungbote/notification-engine/internal/domain/notifications"
	"github.com/yungbote/notification-engine/internal/observability"
	"github.com/yungbote/notification-engine/internal/pkg/ctxutil"
	"github.com/yungbote/notification-engine/internal/pkg/dbctx"
	"github.com/yungbote/notification-engine/internal/pkg/logger"
)

const (
	defaultBatchSize   = 200
	defaultConcurrency = 4
	maxConcurrency     = 64
)

const (
	TriggerDirect   = "direct"
	TriggerJobs     = "jobs"
	TriggerTemporal = "temporal"
	TriggerSweep    = "sweep"
)

type DriverDeps struct {
	Log           *logger.Logger
	Aggregator    *Aggregator
	Reaper        *Reaper
	Notifications notifrepo.NotificationRepo
	// Locker is optional; without it concurrent runs rely on the store alone.
	Locker  RecipientLocker
	Metrics *observability.Metrics
}

// Driver is the single entry point for both triggers: a targeted recompute
// of one recipient and a full sweep.
type Driver struct {
	deps DriverDeps
	log  *logger.Logger
}

func NewDriver(deps DriverDeps) *Driver {
	if deps.Log == nil {
		deps.Log = logger.Nop()
	}
	if deps.Locker == nil {
		deps.Locker = nopLocker{}
	}
	return &Driver{deps: deps, log: deps.Log.With("component", "NotificationDriver")}
}

type RecomputeOptions struct {
	// Trigger labels metrics and logs; empty means direct.
	Trigger string
	DryRun  bool
}

type RecomputeReport struct {
	Recipient  types.RecipientRef `json:"recipient"`
	Aggregate  AggregateReport    `json:"aggregate"`
	Reap       ReapReport         `json:"reap"`
	DurationMS int64              `json:"duration_ms"`
}

// RecomputeRecipient runs the Aggregator then the Reaper for one recipient.
func (d *Driver) RecomputeRecipient(ctx context.Context, recipient types.RecipientRef) (RecomputeReport, error) {
	return d.Recompute(ctx, recipient, RecomputeOptions{})
}

func (d *Driver) Recompute(ctx context.Context, recipient types.RecipientRef, opts RecomputeOptions) (report RecomputeReport, err error) {
	trigger := opts.Trigger
	if trigger == "" {
		trigger = TriggerDirect
	}
	start := time.Now()
	report.Recipient = recipient

	ctx, span := observability.StartSpan(ctx, "notifications.recompute",
		attribute.String("recipient.kind", recipient.Kind),
		attribute.String("recompute.trigger", trigger),
		attribute.Bool("recompute.dry_run", opts.DryRun),
	)
	defer func() {
		report.DurationMS = time.Since(start).Milliseconds()
		d.deps.Metrics.ObserveRecompute(trigger, observability.StatusForError(err), time.Since(start))
		observability.EndSpan(span, err)
	}()

	unlock, err := d.deps.Locker.Lock(ctx, recipient)
	if err != nil {
		return report, err
	}
	defer unlock()

	aggReport, aggErr := d.deps.Aggregator.Run(ctx, recipient, opts.DryRun)
	report.Aggregate = aggReport
	// the reaper still runs after a partial aggregate so orphans never linger
	reapReport, reapErr := d.deps.Reaper.Run(ctx, recipient, opts.DryRun)
	report.Reap = reapReport

	err = errors.Join(aggErr, reapErr)
	log := d.log.With(append(ctxutil.TraceFields(ctx), "recipient_id", recipient.ID, "recipient_kind", recipient.Kind, "trigger", trigger)...)
	if err != nil {
		log.Warn("recompute finished with errors",
			"failed_buckets", aggReport.Failed,
			"failed_parents", reapReport.Failed,
			"error", err,
		)
		return report, err
	}
	log.Debug("recompute finished",
		"candidates", aggReport.Candidates,
		"buckets", len(aggReport.Buckets),
		"retired", len(reapReport.Retired),
		"dry_run", opts.DryRun,
	)
	return report, nil
}

type SweepOptions struct {
	// After resumes a sweep strictly after this recipient.
	After *types.RecipientRef
	// Recipients restricts the sweep to an explicit list; paging is skipped.
	Recipients  []types.RecipientRef
	Limit       int
	BatchSize   int
	Concurrency int
	DryRun      bool
}

type SweepFailure struct {
	Recipient types.RecipientRef `json:"recipient"`
	Error     string             `json:"error"`
}

type SweepReport struct {
	Processed      int                 `json:"processed"`
	Failed         int                 `json:"failed"`
	ParentsCreated int                 `json:"parents_created"`
	ParentsUpdated int                 `json:"parents_updated"`
	Linked         int                 `json:"linked"`
	Retired        int                 `json:"retired"`
	Malformed      int                 `json:"malformed"`
	Failures       []SweepFailure      `json:"failures,omitempty"`
	LastRecipient  *types.RecipientRef `json:"last_recipient,omitempty"`
	Canceled       bool                `json:"canceled"`
	DryRun         bool                `json:"dry_run"`
	DurationMS     int64               `json:"duration_ms"`
}

func (r *SweepReport) add(rec RecomputeReport, err error) {
	r.Processed++
	for _, b := range rec.Aggregate.Buckets {
		if b.ParentCreated {
			r.ParentsCreated++
		} else if b.ParentUpdated {
			r.ParentsUpdated++
		}
		r.Linked += b.Linked
	}
	r.Malformed += len(rec.Aggregate.Malformed)
	r.Retired += len(rec.Reap.Retired)
	if err != nil {
		r.Failed++
		r.Failures = append(r.Failures, SweepFailure{Recipient: rec.Recipient, Error: err.Error()})
	}
}

// Sweep recomputes every recipient with at least one unread notification.
// Recipients run in parallel up to Concurrency. Work that has started runs
// to completion; cancellation only stops new recipients from starting.
// Per-recipient failures are recorded in the report and never abort the sweep.
func (d *Driver) Sweep(ctx context.Context, opts SweepOptions) (report SweepReport, err error) {
	start := time.Now()
	batch := opts.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = defaultConcurrency
	}
	if workers > maxConcurrency {
		workers = maxConcurrency
	}
	report.DryRun = opts.DryRun

	ctx, span := observability.StartSpan(ctx, "notifications.sweep",
		attribute.Int("sweep.concurrency", workers),
		attribute.Bool("sweep.dry_run", opts.DryRun),
	)
	defer func() {
		report.DurationMS = time.Since(start).Milliseconds()
		status := observability.StatusForError(err)
		if err == nil && report.Canceled {
			status = "canceled"
		} else if err == nil && report.Failed > 0 {
			status = "partial"
		}
		d.deps.Metrics.ObserveSweep(observability.SweepOutcome{
			Status:    status,
			Processed: report.Processed - report.Failed,
			Failed:    report.Failed,
			Duration:  time.Since(start),
		})
		span.SetAttributes(attribute.Int("sweep.processed", report.Processed), attribute.Int("sweep.failed", report.Failed))
		observability.EndSpan(span, err)
	}()

	var mu sync.Mutex
	launched := 0
	canceled := false
	// work is detached from ctx so a recipient that started is not torn down mid-bucket
	work := ctxutil.Detached(ctx)
	runPage := func(page []types.RecipientRef) (stopped bool) {
		g := new(errgroup.Group)
		g.SetLimit(workers)
		for _, recipient := range page {
			if opts.Limit > 0 && launched >= opts.Limit {
				stopped = true
				break
			}
			if ctx.Err() != nil {
				canceled = true
				stopped = true
				break
			}
			launched++
			last := recipient
			mu.Lock()
			report.LastRecipient = &last
			mu.Unlock()
			g.Go(func() error {
				rec, rerr := d.Recompute(work, recipient, RecomputeOptions{Trigger: TriggerSweep, DryRun: opts.DryRun})
				mu.Lock()
				report.add(rec, rerr)
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
		return stopped
	}

	d.log.Info("sweep started", "batch_size", batch, "concurrency", workers, "dry_run", opts.DryRun, "limit", opts.Limit)

	if len(opts.Recipients) > 0 {
		runPage(opts.Recipients)
	} else {
		after := opts.After
		for {
			if ctx.Err() != nil {
				canceled = true
				break
			}
			page, perr := d.deps.Notifications.ListRecipientsWithUnread(dbctx.Context{Ctx: work}, after, batch)
			if perr != nil {
				err = types.StoreError("list recipients", perr)
				break
			}
			if len(page) == 0 {
				break
			}
			stopped := runPage(page)
			if stopped || len(page) < batch {
				break
			}
			after = report.LastRecipient
		}
	}

	report.Canceled = canceled
	d.log.Info("sweep finished",
		"processed", report.Processed,
		"failed", report.Failed,
		"parents_created", report.ParentsCreated,
		"retired", report.Retired,
		"canceled", report.Canceled,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return report, err
}
