package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"messaging-service/internal/conversation"
	"messaging-service/internal/models"
	"messaging-service/internal/retry"
	"messaging-service/internal/telemetry"
)

// ConversationHandler manages one-to-one conversation endpoints. The peer in
// the path names the conversation.
type ConversationHandler struct {
	messages     Messages
	typing       Typing
	videoBaseURL string
	retry        retry.Policy
	reporter
}

// NewConversationHandler builds a ConversationHandler.
func NewConversationHandler(messages Messages, typing Typing, videoBaseURL string, policy retry.Policy, audit *telemetry.AuditEmitter, logger *zap.Logger) *ConversationHandler {
	return &ConversationHandler{
		messages:     messages,
		typing:       typing,
		videoBaseURL: videoBaseURL,
		retry:        policy,
		reporter:     newReporter(audit, logger),
	}
}

type textRequest struct {
	Text string `json:"text" binding:"required"`
}

// ListConversations returns the caller's conversations, newest first.
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	summaries, err := h.messages.Conversations(c.Request.Context(), userIDFromContext(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": summaries})
}

// SendMessage appends a message to the conversation with the peer.
func (h *ConversationHandler) SendMessage(c *gin.Context) {
	var req textRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	msg, err := retry.Value(c.Request.Context(), h.retry, func(ctx context.Context) (models.Message, error) {
		return h.messages.Send(ctx, userIDFromContext(c), c.Param("peer_id"), req.Text)
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// History returns the conversation log and the revision it reflects.
func (h *ConversationHandler) History(c *gin.Context) {
	msgs, revision, err := h.messages.History(c.Request.Context(), userIDFromContext(c), c.Param("peer_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revision": revision, "messages": msgs})
}

// MarkSeen marks one peer message seen.
func (h *ConversationHandler) MarkSeen(c *gin.Context) {
	h.advance(c, h.messages.MarkSeen)
}

// MarkDelivered acknowledges delivery of one peer message.
func (h *ConversationHandler) MarkDelivered(c *gin.Context) {
	h.advance(c, h.messages.MarkDelivered)
}

func (h *ConversationHandler) advance(c *gin.Context, op func(ctx context.Context, readerID, peerID, messageID string) (models.Message, error)) {
	msg, err := retry.Value(c.Request.Context(), h.retry, func(ctx context.Context) (models.Message, error) {
		return op(ctx, userIDFromContext(c), c.Param("peer_id"), c.Param("message_id"))
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

// MarkRead marks every peer message seen, as opening the conversation does.
func (h *ConversationHandler) MarkRead(c *gin.Context) {
	changed, err := retry.Value(c.Request.Context(), h.retry, func(ctx context.Context) ([]models.Message, error) {
		return h.messages.MarkConversationSeen(ctx, userIDFromContext(c), c.Param("peer_id"))
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	if changed == nil {
		changed = []models.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"updated": len(changed), "messages": changed})
}

// Unread returns the caller's unread count in the conversation.
func (h *ConversationHandler) Unread(c *gin.Context) {
	count, err := h.messages.UnreadCount(c.Request.Context(), userIDFromContext(c), c.Param("peer_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": count})
}

// EditMessage replaces the text of one of the caller's messages.
func (h *ConversationHandler) EditMessage(c *gin.Context) {
	var req textRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	msg, err := retry.Value(c.Request.Context(), h.retry, func(ctx context.Context) (models.Message, error) {
		return h.messages.Edit(ctx, userIDFromContext(c), c.Param("peer_id"), c.Param("message_id"), req.Text)
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

// DeleteMessage permanently deletes one of the caller's messages.
func (h *ConversationHandler) DeleteMessage(c *gin.Context) {
	err := retry.Do(c.Request.Context(), h.retry, func(ctx context.Context) error {
		return h.messages.Remove(ctx, userIDFromContext(c), c.Param("peer_id"), c.Param("message_id"))
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SetTyping records whether the caller is typing to the peer.
func (h *ConversationHandler) SetTyping(c *gin.Context) {
	var req struct {
		Typing *bool `json:"typing" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	err := retry.Do(c.Request.Context(), h.retry, func(ctx context.Context) error {
		return h.typing.SetTyping(ctx, userIDFromContext(c), c.Param("peer_id"), *req.Typing)
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Call returns the video room of the conversation.
func (h *ConversationHandler) Call(c *gin.Context) {
	cid, err := conversation.Resolve(userIDFromContext(c), c.Param("peer_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_id": cid, "url": conversation.RoomURL(h.videoBaseURL, cid)})
}
