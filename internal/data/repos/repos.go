package repos

import (
	"gorm.io/gorm"

	"github.com/yungbote/notification-engine/internal/data/repos/jobs"
	"github.com/yungbote/notification-engine/internal/data/repos/notifications"
	"github.com/yungbote/notification-engine/internal/pkg/logger"
)

type NotificationRepo = notifications.NotificationRepo
type JobRunRepo = jobs.JobRunRepo

func NewNotificationRepo(db *gorm.DB, baseLog *logger.Logger) NotificationRepo {
	return notifications.NewNotificationRepo(db, baseLog)
}

func NewJobRunRepo(db *gorm.DB, baseLog *logger.Logger) JobRunRepo {
	return jobs.NewJobRunRepo(db, baseLog)
}
