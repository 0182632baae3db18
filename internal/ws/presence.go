package ws

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"messaging-service/internal/hub"
	"messaging-service/internal/middleware"
	"messaging-service/internal/models"
	"messaging-service/internal/services"
)

// PresenceWebSocketHandler pushes presence changes of every user. The socket
// is itself a presence session of the caller: it goes online on connect,
// every pong or frame is a heartbeat and closing it goes offline.
type PresenceWebSocketHandler struct {
	endpoint
	directory *services.Directory
}

// NewPresenceWebSocketHandler constructs a PresenceWebSocketHandler.
func NewPresenceWebSocketHandler(directory *services.Directory, validator middleware.TokenValidator, cfg Config, logger *zap.Logger) *PresenceWebSocketHandler {
	return &PresenceWebSocketHandler{endpoint: newEndpoint("presence", validator, directory, cfg, logger), directory: directory}
}

// Handle serves GET /ws/presence.
func (h *PresenceWebSocketHandler) Handle(c *gin.Context) {
	sess, ok := h.handshake(c)
	if !ok {
		return
	}
	defer sess.release()
	info := sess.info
	userID := sess.identity.UserID
	// One token may hold several sockets; each is its own session.
	sessionID := sess.identity.SessionID + "/" + info.ConnID

	sub, err := h.directory.WatchPresence(info)
	if err != nil {
		sess.span.End()
		respondError(c, err)
		return
	}
	defer sub.Close()

	err = h.directory.SetPresence(c.Request.Context(), userID, sessionID, models.PresenceOnline)
	sess.span.End()
	if err != nil {
		respondError(c, err)
		return
	}
	defer func() {
		if err := h.directory.SetPresence(context.Background(), userID, sessionID, models.PresenceOffline); err != nil {
			h.logger.Warn("presence offline failed", zap.String("user_id", userID), zap.Error(err))
		}
	}()

	conn, ok := h.upgrade(c, info, hub.UsersTopic)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	heartbeat := func() {
		if err := h.directory.Heartbeat(context.Background(), userID, sessionID); err != nil {
			h.logger.Warn("presence heartbeat failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
	readDone := make(chan error, 1)
	go func() { readDone <- h.readLoop(conn, nil, heartbeat) }()

	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	var cause error
loop:
	for {
		select {
		case <-sub.Done():
			cause = sub.Err()
			if cause != nil {
				closeFrame(conn, closeTryAgainLater, "presence stream overflow", h.cfg.WriteWait)
			}
			break loop
		case event := <-sub.Events():
			if err := h.write(conn, event); err != nil {
				cause = err
				break loop
			}
		case err := <-readDone:
			cause = err
			readDone = nil
			break loop
		case <-sess.Ended():
			cause = h.loggedOut(conn)
			break loop
		case <-ticker.C:
			if err := h.ping(conn); err != nil {
				cause = err
				break loop
			}
		}
	}
	h.finish(ctx, conn, info, hub.UsersTopic, cause)
	// No heartbeat may land after the offline flip.
	if readDone != nil {
		<-readDone
	}
}
