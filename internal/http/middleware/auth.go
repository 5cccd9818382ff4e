package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/notification-engine/internal/pkg/logger"
)

// AdminMiddleware guards operator endpoints with a shared bearer token.
type AdminMiddleware struct {
	log   *logger.Logger
	token string
}

func NewAdminMiddleware(log *logger.Logger, token string) *AdminMiddleware {
	if log == nil {
		log = logger.Nop()
	}
	token = strings.TrimSpace(token)
	if token == "" {
		log.Warn("ADMIN_TOKEN not set; admin endpoints are disabled")
	}
	return &AdminMiddleware{log: log.With("middleware", "AdminMiddleware"), token: token}
}

func (am *AdminMiddleware) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if am.token == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": gin.H{"message": "admin endpoints disabled", "code": "forbidden"},
			})
			return
		}
		got := extractBearer(c)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(am.token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": "missing or invalid token", "code": "unauthorized"},
			})
			return
		}
		c.Next()
	}
}

func extractBearer(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return ""
}
