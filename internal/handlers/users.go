package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"messaging-service/internal/errs"
	"messaging-service/internal/models"
	"messaging-service/internal/retry"
	"messaging-service/internal/telemetry"
)

// MaxAvatarBytes bounds avatar uploads.
const MaxAvatarBytes = 5 << 20

// UserHandler manages profile and presence endpoints.
type UserHandler struct {
	directory Directory
	retry     retry.Policy
	reporter
}

// NewUserHandler builds a UserHandler.
func NewUserHandler(directory Directory, policy retry.Policy, audit *telemetry.AuditEmitter, logger *zap.Logger) *UserHandler {
	return &UserHandler{directory: directory, retry: policy, reporter: newReporter(audit, logger)}
}

// ListUsers returns every other user, optionally filtered by display name.
func (h *UserHandler) ListUsers(c *gin.Context) {
	users, err := h.directory.ListUsers(c.Request.Context(), userIDFromContext(c), c.Query("search"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

// GetProfile returns one profile.
func (h *UserHandler) GetProfile(c *gin.Context) {
	user, err := h.directory.GetProfile(c.Request.Context(), userIDFromContext(c), c.Param("user_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// UpdateProfile changes the caller's display name or bio.
func (h *UserHandler) UpdateProfile(c *gin.Context) {
	var req models.ProfileUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	user, err := retry.Value(c.Request.Context(), h.retry, func(ctx context.Context) (models.User, error) {
		return h.directory.UpdateProfile(ctx, userIDFromContext(c), c.Param("user_id"), req)
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// UploadAvatar stores the multipart file "avatar" as the caller's picture.
func (h *UserHandler) UploadAvatar(c *gin.Context) {
	header, err := c.FormFile("avatar")
	if err != nil {
		badRequest(c, fmt.Errorf("avatar file is required: %w", err))
		return
	}
	if header.Size > MaxAvatarBytes {
		h.fail(c, errs.New(errs.ErrInvalidArgument, fmt.Sprintf("avatar exceeds %d bytes", MaxAvatarBytes)))
		return
	}
	file, err := header.Open()
	if err != nil {
		badRequest(c, err)
		return
	}
	defer file.Close()
	content, err := io.ReadAll(io.LimitReader(file, MaxAvatarBytes+1))
	if err != nil {
		badRequest(c, err)
		return
	}
	if len(content) > MaxAvatarBytes {
		h.fail(c, errs.New(errs.ErrInvalidArgument, fmt.Sprintf("avatar exceeds %d bytes", MaxAvatarBytes)))
		return
	}

	user, err := retry.Value(c.Request.Context(), h.retry, func(ctx context.Context) (models.User, error) {
		return h.directory.SetAvatar(ctx, userIDFromContext(c), c.Param("user_id"), content)
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// SetPresence marks the caller's session online or offline.
func (h *UserHandler) SetPresence(c *gin.Context) {
	var req struct {
		Presence models.Presence `json:"presence" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	err := retry.Do(c.Request.Context(), h.retry, func(ctx context.Context) error {
		return h.directory.SetPresence(ctx, userIDFromContext(c), sessionIDFromContext(c), req.Presence)
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"presence": req.Presence})
}

// Heartbeat keeps the caller's session online.
func (h *UserHandler) Heartbeat(c *gin.Context) {
	err := retry.Do(c.Request.Context(), h.retry, func(ctx context.Context) error {
		return h.directory.Heartbeat(ctx, userIDFromContext(c), sessionIDFromContext(c))
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
