package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"messaging-service/internal/middleware"
	"messaging-service/internal/services"
)

// TypingWebSocketHandler streams the peer's typing flag and accepts the
// viewer's own signals as {"typing": bool} frames.
type TypingWebSocketHandler struct {
	endpoint
	typing *services.TypingBroadcaster
}

// NewTypingWebSocketHandler constructs a TypingWebSocketHandler.
func NewTypingWebSocketHandler(typing *services.TypingBroadcaster, validator middleware.TokenValidator, sessions SessionWatcher, cfg Config, logger *zap.Logger) *TypingWebSocketHandler {
	return &TypingWebSocketHandler{endpoint: newEndpoint("typing", validator, sessions, cfg, logger), typing: typing}
}

type typingFrame struct {
	Typing *bool `json:"typing"`
}

// Handle serves GET /ws/conversations/:peer_id/typing.
func (h *TypingWebSocketHandler) Handle(c *gin.Context) {
	sess, ok := h.handshake(c)
	if !ok {
		return
	}
	defer sess.release()
	info := sess.info
	viewer, peer := sess.identity.UserID, c.Param("peer_id")

	stream, err := h.typing.Subscribe(context.Background(), viewer, peer, info)
	sess.span.End()
	if err != nil {
		respondError(c, err)
		return
	}
	defer stream.Close()

	conn, ok := h.upgrade(c, info, stream.ConversationID)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	readDone := make(chan error, 1)
	go func() {
		readDone <- h.readLoop(conn, func(data []byte) {
			var frame typingFrame
			if err := json.Unmarshal(data, &frame); err != nil || frame.Typing == nil {
				return
			}
			if err := h.typing.SetTyping(context.Background(), viewer, peer, *frame.Typing); err != nil {
				h.logger.Warn("typing signal failed", zap.Error(err))
			}
		}, nil)
	}()

	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	var cause error
loop:
	for {
		select {
		case event, ok := <-stream.Events():
			if !ok {
				cause = stream.Err()
				if cause != nil {
					closeFrame(conn, closeTryAgainLater, "typing stream overflow", h.cfg.WriteWait)
				}
				break loop
			}
			if err := h.write(conn, event); err != nil {
				cause = err
				break loop
			}
		case err := <-readDone:
			cause = err
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
	h.finish(ctx, conn, info, stream.ConversationID, cause)
}
