package ws

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"messaging-service/internal/middleware"
	"messaging-service/internal/models"
	"messaging-service/internal/services"
)

// MessageWebSocketHandler streams one conversation to a participant and
// acknowledges delivery of the peer's messages on their behalf.
type MessageWebSocketHandler struct {
	endpoint
	messages *services.MessageService
}

// NewMessageWebSocketHandler constructs a MessageWebSocketHandler.
func NewMessageWebSocketHandler(messages *services.MessageService, validator middleware.TokenValidator, sessions SessionWatcher, cfg Config, logger *zap.Logger) *MessageWebSocketHandler {
	return &MessageWebSocketHandler{endpoint: newEndpoint("messages", validator, sessions, cfg, logger), messages: messages}
}

// Handle serves GET /ws/conversations/:peer_id/messages?since=N.
func (h *MessageWebSocketHandler) Handle(c *gin.Context) {
	since, err := parseSince(c.Query("since"))
	if err != nil {
		respondError(c, err)
		return
	}
	sess, ok := h.handshake(c)
	if !ok {
		return
	}
	defer sess.release()
	info := sess.info
	viewer, peer := sess.identity.UserID, c.Param("peer_id")

	stream, err := h.messages.Subscribe(context.Background(), viewer, peer, since, info)
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

	go func() {
		if _, err := h.messages.AcknowledgeDelivery(context.Background(), viewer, peer); err != nil {
			h.logger.Warn("delivery acknowledgement failed", zap.String("conversation_id", stream.ConversationID), zap.Error(err))
		}
	}()

	readDone := make(chan error, 1)
	go func() { readDone <- h.readLoop(conn, nil, nil) }()

	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	var cause error
loop:
	for {
		select {
		case event, ok := <-stream.Events():
			if !ok {
				cause = stream.Err()
				if errors.Is(cause, services.ErrStreamOverflow) {
					closeFrame(conn, closeTryAgainLater, "resume with since", h.cfg.WriteWait)
				}
				break loop
			}
			if err := h.write(conn, event); err != nil {
				cause = err
				break loop
			}
			h.acknowledge(viewer, peer, event)
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

// acknowledge marks a freshly delivered peer message as delivered.
func (h *MessageWebSocketHandler) acknowledge(viewer, peer string, event models.ChatEvent) {
	if event.Type != models.EventMessage || event.Message == nil {
		return
	}
	msg := event.Message
	if msg.SenderID == viewer || msg.Status != models.StatusSent {
		return
	}
	if _, err := h.messages.MarkDelivered(context.Background(), viewer, peer, msg.ID); err != nil {
		h.logger.Warn("delivery acknowledgement failed", zap.String("message_id", msg.ID), zap.Error(err))
	}
}
