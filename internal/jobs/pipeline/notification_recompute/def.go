package notification_recompute

import (
	"github.com/yungbote/notification-engine/internal/jobs"
	notifmod "github.com/yungbote/notification-engine/internal/modules/notifications"
	"github.com/yungbote/notification-engine/internal/pkg/logger"
)

type Pipeline struct {
	log    *logger.Logger
	driver *notifmod.Driver
}

func New(baseLog *logger.Logger, driver *notifmod.Driver) *Pipeline {
	if baseLog == nil {
		baseLog = logger.Nop()
	}
	return &Pipeline{
		log:    baseLog.With("job", jobs.JobTypeRecompute),
		driver: driver,
	}
}

func (p *Pipeline) Type() string { return jobs.JobTypeRecompute }
