package notification_sweep

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
		log:    baseLog.With("job", jobs.JobTypeSweep),
		driver: driver,
	}
}

func (p *Pipeline) Type() string { return jobs.JobTypeSweep }
