package app

import (
	"gorm.io/gorm"

	apphttp "github.com/yungbote/notification-engine/internal/http"
	httpH "github.com/yungbote/notification-engine/internal/http/handlers"
	httpMW "github.com/yungbote/notification-engine/internal/http/middleware"
	"github.com/yungbote/notification-engine/internal/observability"
	"github.com/yungbote/notification-engine/internal/pkg/logger"
)

type Handlers struct {
	Health       *httpH.HealthHandler
	Notification *httpH.NotificationHandler
	Admin        *httpH.AdminHandler
}

func wireHandlers(log *logger.Logger, db *gorm.DB, services Services) Handlers {
	log.Info("Wiring handlers...")
	return Handlers{
		Health:       httpH.NewHealthHandler(db),
		Notification: httpH.NewNotificationHandler(services.Notifications),
		Admin:        httpH.NewAdminHandler(services.Sweeps, services.Usecases.Driver),
	}
}

func wireServer(log *logger.Logger, cfg Config, metrics *observability.Metrics, handlers Handlers) *apphttp.Server {
	log.Info("Wiring router...")
	return apphttp.NewServer(apphttp.RouterConfig{
		Log:                 log,
		Metrics:             metrics,
		ServeMetrics:        cfg.MetricsAddr == "",
		CORSOrigins:         cfg.CORSOrigins,
		ServiceName:         "notification-engine",
		AdminMiddleware:     httpMW.NewAdminMiddleware(log, cfg.AdminToken),
		NotificationHandler: handlers.Notification,
		AdminHandler:        handlers.Admin,
		HealthHandler:       handlers.Health,
	})
}
