package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/yungbote/notification-engine/internal/domain/jobs"
	"github.com/yungbote/notification-engine/internal/domain/notifications"
)

// liveParentIndex allows at most one unread parent per recipient and grouping key.
const liveParentIndex = `CREATE UNIQUE INDEX IF NOT EXISTS uniq_notification_live_parent
ON notification (recipient_id, recipient_kind, grouping_key)
WHERE role = 'parent' AND read_state = 'unread'`

func AutoMigrateAll(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&notifications.Notification{},
		&jobs.JobRun{},
	); err != nil {
		return err
	}
	return EnsureNotificationIndexes(db)
}

// EnsureNotificationIndexes creates the partial indexes gorm tags cannot express.
func EnsureNotificationIndexes(db *gorm.DB) error {
	if err := db.Exec(liveParentIndex).Error; err != nil {
		return fmt.Errorf("create live parent index: %w", err)
	}
	return nil
}
