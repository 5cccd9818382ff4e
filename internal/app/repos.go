package app

import (
	"gorm.io/gorm"

	"github.com/yungbote/notification-engine/internal/data/repos"
	"github.com/yungbote/notification-engine/internal/pkg/logger"
)

type Repos struct {
	Notifications repos.NotificationRepo
	JobRuns       repos.JobRunRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		Notifications: repos.NewNotificationRepo(db, log),
		JobRuns:       repos.NewJobRunRepo(db, log),
	}
}
