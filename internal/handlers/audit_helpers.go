package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"messaging-service/internal/errs"
	"messaging-service/internal/middleware"
	"messaging-service/internal/telemetry"
)

func requestIDFromContext(c *gin.Context) string {
	if id := c.GetString(middleware.RequestIDKey); id != "" {
		return id
	}

	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(middleware.RequestIDKey, requestID)
	return requestID
}

func userIDFromContext(c *gin.Context) string {
	return c.GetString(middleware.UserIDKey)
}

func sessionIDFromContext(c *gin.Context) string {
	return c.GetString(middleware.SessionIDKey)
}

// reporter turns service errors into responses. Permission denials are
// audited and unclassified failures logged.
type reporter struct {
	audit  *telemetry.AuditEmitter
	logger *zap.Logger
}

func newReporter(audit *telemetry.AuditEmitter, logger *zap.Logger) reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return reporter{audit: audit, logger: logger}
}

func (r reporter) fail(c *gin.Context, err error) {
	status := errs.HTTPStatus(err)
	switch {
	case status == http.StatusForbidden:
		r.audit.Emit(c.Request.Context(), "WARN",
			fmt.Sprintf("permission denied: %s %s: %s", c.Request.Method, c.FullPath(), errs.Message(err)),
			requestIDFromContext(c), userIDFromContext(c))
	case status >= http.StatusInternalServerError:
		r.logger.Error("request failed",
			zap.String("route", c.FullPath()),
			zap.String("request_id", requestIDFromContext(c)),
			zap.Error(err),
		)
	}
	c.JSON(status, gin.H{"error": errs.Message(err), "code": errs.Code(err)})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": errs.Code(errs.ErrInvalidArgument)})
}
