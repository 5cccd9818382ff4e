package notifications

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	notifrepo "github.com/yungbote/notification-engine/internal/data/repos/notifications"
	domainagg "github.com/yungbote/notification-engine/internal/domain/aggregates"
	types "github.com/yungbote/notification-engine/internal/domain/notifications"
	"github.com/yungbote/notification-engine/internal/observability"
	"github.com/yungbote/notification-engine/internal/pkg/dbctx"
	"github.com/yungbote/notification-engine/internal/pkg/logger"
)

type AggregatorDeps struct {
	Log           *logger.Logger
	Profiles      *types.Profiles
	Notifications notifrepo.NotificationRepo
	Groups        domainagg.NotificationGroupAggregate
	Metrics       *observability.Metrics
	Clock         func() time.Time
}

// Aggregator groups a recipient's unread notifications under one live
// parent per grouping key.
type Aggregator struct {
	deps AggregatorDeps
	log  *logger.Logger
}

func NewAggregator(deps AggregatorDeps) *Aggregator {
	if deps.Log == nil {
		deps.Log = logger.Nop()
	}
	if deps.Clock == nil {
		deps.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &Aggregator{deps: deps, log: deps.Log.With("component", "NotificationAggregator")}
}

// BucketOutcome is what happened to one grouping key.
type BucketOutcome struct {
	GroupingKey   string              `json:"grouping_key"`
	Members       int                 `json:"members"`
	ParentID      uuid.UUID           `json:"parent_id,omitempty"`
	ParentCreated bool                `json:"parent_created,omitempty"`
	ParentUpdated bool                `json:"parent_updated,omitempty"`
	ChildrenCount int                 `json:"children_count"`
	Linked        int                 `json:"linked"`
	Conflicts     []uuid.UUID         `json:"conflicts,omitempty"`
	Stale         int                 `json:"stale,omitempty"`
	Error         string              `json:"error,omitempty"`
	Code          domainagg.ErrorCode `json:"code,omitempty"`
}

type AggregateReport struct {
	Recipient  types.RecipientRef `json:"recipient"`
	Candidates int                `json:"candidates"`
	// Ungrouped counts candidates without a grouping key; they stay standalone.
	Ungrouped int             `json:"ungrouped"`
	Malformed []uuid.UUID     `json:"malformed,omitempty"`
	Buckets   []BucketOutcome `json:"buckets"`
	Failed    int             `json:"failed"`
}

// Run aggregates one recipient. Buckets run sequentially in key order, each
// in its own transaction. A failed bucket is recorded and the rest continue;
// the failures come back joined after the loop.
func (a *Aggregator) Run(ctx context.Context, recipient types.RecipientRef, dryRun bool) (AggregateReport, error) {
	report := AggregateReport{Recipient: recipient, Buckets: []BucketOutcome{}}
	if !recipient.Valid() {
		return report, domainagg.NewError(domainagg.CodeValidation, "Notifications.Aggregate", "missing recipient", nil)
	}
	log := a.log.With("recipient_id", recipient.ID, "recipient_kind", recipient.Kind)

	profile, ok := a.deps.Profiles.For(recipient.Kind)
	if !ok {
		log.Debug("no aggregation profile; nothing to group")
		return report, nil
	}

	candidates, err := a.deps.Notifications.ListCandidates(dbctx.Context{Ctx: ctx}, recipient, profile.AggregableKinds())
	if err != nil {
		return report, types.StoreError("list candidates", err)
	}
	report.Candidates = len(candidates)

	buckets := map[string][]uuid.UUID{}
	for _, n := range candidates {
		schema, ok := profile.Schema(n.Kind)
		if !ok {
			report.Ungrouped++
			continue
		}
		key, ok, err := types.ExtractGroupingKey(schema, n)
		if err != nil {
			report.Malformed = append(report.Malformed, n.ID)
			a.deps.Metrics.IncMalformed(n.Kind)
			log.Warn("skipping malformed notification", "notification_id", n.ID, "kind", n.Kind, "error", err)
			continue
		}
		if !ok {
			report.Ungrouped++
			continue
		}
		buckets[key] = append(buckets[key], n.ID)
	}

	keys := make([]string, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []error
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		members := buckets[key]
		outcome := BucketOutcome{GroupingKey: key, Members: len(members)}
		res, err := a.deps.Groups.ApplyGroup(ctx, domainagg.ApplyGroupInput{
			Recipient:   recipient,
			Profile:     profile,
			GroupingKey: key,
			MemberIDs:   members,
			Now:         a.deps.Clock(),
			DryRun:      dryRun,
		})
		if err != nil {
			outcome.Error = err.Error()
			outcome.Code = domainagg.CodeOf(err)
			report.Failed++
			report.Buckets = append(report.Buckets, outcome)
			errs = append(errs, err)
			log.Warn("bucket failed", "grouping_key", key, "members", len(members), "error", err)
			continue
		}
		outcome.ParentID = res.ParentID
		outcome.ParentCreated = res.ParentCreated
		outcome.ParentUpdated = res.ParentUpdated
		outcome.ChildrenCount = res.ChildrenCount
		outcome.Linked = res.Linked
		outcome.Conflicts = res.Conflicts
		outcome.Stale = res.Stale
		report.Buckets = append(report.Buckets, outcome)

		for _, id := range res.Conflicts {
			log.Warn("notification held by another live parent", "notification_id", id, "grouping_key", key, "error", types.ErrLinkConflict)
		}
		if !dryRun {
			a.deps.Metrics.ObserveGroup(observability.GroupOutcome{
				ParentKind: profile.SummaryKind,
				Created:    res.ParentCreated,
				Updated:    res.ParentUpdated,
				Linked:     res.Linked,
				Conflicts:  len(res.Conflicts),
				Stale:      res.Stale,
			})
		}
		if res.ParentCreated || res.ParentUpdated || res.Linked > 0 {
			log.Debug("bucket applied",
				"grouping_key", key,
				"parent_id", res.ParentID,
				"created", res.ParentCreated,
				"children_count", res.ChildrenCount,
				"linked", res.Linked,
				"dry_run", dryRun,
			)
		}
	}
	return report, errors.Join(errs...)
}
