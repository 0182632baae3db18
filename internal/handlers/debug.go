package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"messaging-service/internal/telemetry"
)

// DebugDeps is what the debug endpoints inspect.
type DebugDeps struct {
	Audit         *telemetry.AuditEmitter
	Sessions      func(userID string) int
	PublisherMode string
	NoopReason    string
}

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router gin.IRouter, deps DebugDeps, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if deps.Audit == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured", "code": "unavailable"})
			return
		}
		level := strings.ToUpper(c.DefaultQuery("level", "INFO"))
		deps.Audit.Emit(c.Request.Context(), level, c.DefaultQuery("text", "audit test"), requestIDFromContext(c), userIDFromContext(c))
		c.JSON(http.StatusOK, gin.H{"status": "ok", "level": level})
	})

	router.GET("/debug/publisher", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"mode": deps.PublisherMode, "noop_reason": deps.NoopReason})
	})

	router.GET("/debug/sessions/:user_id", func(c *gin.Context) {
		if deps.Sessions == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "presence not configured", "code": "unavailable"})
			return
		}
		userID := c.Param("user_id")
		c.JSON(http.StatusOK, gin.H{"user_id": userID, "sessions": deps.Sessions(userID)})
	})
}
