package notifications

import (
	"time"

	"gorm.io/gorm"

	"github.com/yungbote/notification-engine/internal/data/aggregates"
	notifrepo "github.com/yungbote/notification-engine/internal/data/repos/notifications"
	domainagg "github.com/yungbote/notification-engine/internal/domain/aggregates"
	types "github.com/yungbote/notification-engine/internal/domain/notifications"
	"github.com/yungbote/notification-engine/internal/observability"
	"github.com/yungbote/notification-engine/internal/pkg/logger"
)

type UsecasesDeps struct {
	DB      *gorm.DB
	Log     *logger.Logger
	Metrics *observability.Metrics

	Profiles      *types.Profiles
	Notifications notifrepo.NotificationRepo
	// Groups defaults to the gorm-backed aggregate over DB.
	Groups domainagg.NotificationGroupAggregate
	Locker RecipientLocker
	Clock  func() time.Time
}

// Usecases bundles the engine's components over one set of dependencies.
// The recompute signal is attached later because the job and workflow
// signals need the driver first.
type Usecases struct {
	Aggregator *Aggregator
	Reaper     *Reaper
	Driver     *Driver

	deps UsecasesDeps
}

func New(deps UsecasesDeps) *Usecases {
	if deps.Log == nil {
		deps.Log = logger.Nop()
	}
	if deps.Groups == nil {
		deps.Groups = aggregates.NewNotificationGroupAggregate(aggregates.NotificationGroupAggregateDeps{
			Base: aggregates.BaseDeps{
				DB:    deps.DB,
				Log:   deps.Log,
				Hooks: aggregates.NewObservabilityHooks(deps.Metrics),
			},
			Notifications: deps.Notifications,
		})
	}
	agg := NewAggregator(AggregatorDeps{
		Log:           deps.Log,
		Profiles:      deps.Profiles,
		Notifications: deps.Notifications,
		Groups:        deps.Groups,
		Metrics:       deps.Metrics,
		Clock:         deps.Clock,
	})
	reaper := NewReaper(ReaperDeps{
		Log:           deps.Log,
		Profiles:      deps.Profiles,
		Notifications: deps.Notifications,
		Groups:        deps.Groups,
		Metrics:       deps.Metrics,
		Clock:         deps.Clock,
	})
	driver := NewDriver(DriverDeps{
		Log:           deps.Log,
		Aggregator:    agg,
		Reaper:        reaper,
		Notifications: deps.Notifications,
		Locker:        deps.Locker,
		Metrics:       deps.Metrics,
	})
	return &Usecases{Aggregator: agg, Reaper: reaper, Driver: driver, deps: deps}
}

// Service builds the producer/reader API on top of signal.
func (u *Usecases) Service(signal RecomputeSignal) NotificationService {
	return NewNotificationService(ServiceDeps{
		Log:           u.deps.Log,
		Profiles:      u.deps.Profiles,
		Notifications: u.deps.Notifications,
		Groups:        u.deps.Groups,
		Signal:        signal,
		Metrics:       u.deps.Metrics,
		Clock:         u.deps.Clock,
	})
}
