package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"messaging-service/internal/auth"
	"messaging-service/internal/errs"
	"messaging-service/internal/retry"
	"messaging-service/internal/telemetry"
)

// AuthHandler manages registration, login and logout.
type AuthHandler struct {
	auth      Authenticator
	directory Directory
	typing    Typing
	retry     retry.Policy
	audit     *telemetry.AuditEmitter
	reporter
}

// NewAuthHandler builds an AuthHandler.
func NewAuthHandler(authenticator Authenticator, directory Directory, typing Typing, policy retry.Policy, audit *telemetry.AuditEmitter, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		auth:      authenticator,
		directory: directory,
		typing:    typing,
		retry:     policy,
		audit:     audit,
		reporter:  newReporter(audit, logger),
	}
}

type tokenResponse struct {
	UserID string `json:"user_id"`
	auth.Token
}

// Register creates an account and logs it in.
func (h *AuthHandler) Register(c *gin.Context) {
	var req auth.Credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	userID, err := h.auth.Register(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	token, err := h.auth.IssueToken(userID)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, tokenResponse{UserID: userID, Token: token})
}

// Login exchanges credentials for an access token. The new session is
// online right away.
func (h *AuthHandler) Login(c *gin.Context) {
	var req auth.Credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	userID, err := h.auth.Authenticate(ctx, req)
	if err != nil {
		if errs.KindOf(err) == errs.ErrUnauthenticated {
			h.audit.Emit(ctx, "WARN", "login failed for "+req.Email, requestIDFromContext(c), "")
		}
		h.fail(c, err)
		return
	}
	token, err := h.auth.IssueToken(userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := retry.Do(ctx, h.retry, func(ctx context.Context) error {
		return h.directory.Heartbeat(ctx, userID, token.SessionID)
	}); err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, tokenResponse{UserID: userID, Token: token})
}

// Logout revokes the caller's tokens, ends every session and drops their
// typing signals. Revocation comes first so that no heartbeat can bring a
// session back.
func (h *AuthHandler) Logout(c *gin.Context) {
	userID := userIDFromContext(c)
	ctx := c.Request.Context()

	h.auth.RevokeUser(userID)
	if err := retry.Do(ctx, h.retry, func(ctx context.Context) error {
		return h.directory.Logout(ctx, userID)
	}); err != nil {
		h.fail(c, err)
		return
	}
	h.typing.ClearUser(ctx, userID)

	c.Status(http.StatusNoContent)
}
