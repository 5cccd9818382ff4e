package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/yungbote/notification-engine/internal/http/handlers"
	httpMW "github.com/yungbote/notification-engine/internal/http/middleware"
	"github.com/yungbote/notification-engine/internal/observability"
	"github.com/yungbote/notification-engine/internal/pkg/logger"
)

type RouterConfig struct {
	Log          *logger.Logger
	Metrics      *observability.Metrics
	// ServeMetrics mounts /metrics on this router.
	ServeMetrics bool
	CORSOrigins  []string
	ServiceName  string

	AdminMiddleware *httpMW.AdminMiddleware

	NotificationHandler *httpH.NotificationHandler
	AdminHandler        *httpH.AdminHandler
	HealthHandler       *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.ServiceName != "" {
		r.Use(otelgin.Middleware(cfg.ServiceName))
	}
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.CORS(cfg.CORSOrigins))
	r.Use(httpMW.Metrics(cfg.Metrics))
	r.Use(httpMW.RequestLogger(cfg.Log))

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
		r.GET("/readyz", cfg.HealthHandler.Ready)
	}
	if cfg.ServeMetrics && cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapF(cfg.Metrics.WriteHTTP))
	}

	api := r.Group("/api")

	// Notifications
	if cfg.NotificationHandler != nil {
		api.POST("/notifications", cfg.NotificationHandler.Publish)
		api.POST("/notifications/:id/read", cfg.NotificationHandler.MarkRead)
		api.POST("/notifications/:id/archive", cfg.NotificationHandler.Archive)
		api.POST("/notifications/:id/replace", cfg.NotificationHandler.Replace)
		api.GET("/notifications/:id/children", cfg.NotificationHandler.ListChildren)
		api.GET("/recipients/:id/notifications", cfg.NotificationHandler.ListVisible)
		api.GET("/recipients/:id/notifications/stats", cfg.NotificationHandler.RecipientStats)
	}

	admin := api.Group("/admin")
	{
		if cfg.AdminMiddleware != nil {
			admin.Use(cfg.AdminMiddleware.RequireAdmin())
		}
		if cfg.AdminHandler != nil {
			admin.POST("/sweep", cfg.AdminHandler.Sweep)
			admin.POST("/recompute", cfg.AdminHandler.Recompute)
		}
		if cfg.NotificationHandler != nil {
			admin.GET("/stats", cfg.NotificationHandler.GlobalStats)
		}
	}

	return r
}
