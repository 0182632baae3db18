package handlers

import (
	"context"

	"messaging-service/internal/auth"
	"messaging-service/internal/models"
)

// Authenticator registers and logs users in.
type Authenticator interface {
	Register(ctx context.Context, c auth.Credentials) (string, error)
	Authenticate(ctx context.Context, c auth.Credentials) (string, error)
	IssueToken(userID string) (auth.Token, error)
	RevokeUser(userID string)
}

// Directory serves profiles and presence.
type Directory interface {
	GetProfile(ctx context.Context, viewerID, userID string) (models.User, error)
	ListUsers(ctx context.Context, viewerID, search string) ([]models.User, error)
	UpdateProfile(ctx context.Context, callerID, userID string, update models.ProfileUpdate) (models.User, error)
	SetAvatar(ctx context.Context, callerID, userID string, content []byte) (models.User, error)
	SetPresence(ctx context.Context, userID, sessionID string, state models.Presence) error
	Heartbeat(ctx context.Context, userID, sessionID string) error
	Logout(ctx context.Context, userID string) error
}

// Messages is the conversation log.
type Messages interface {
	Send(ctx context.Context, senderID, peerID, text string) (models.Message, error)
	History(ctx context.Context, viewerID, peerID string) ([]models.Message, int64, error)
	MarkDelivered(ctx context.Context, readerID, peerID, messageID string) (models.Message, error)
	MarkSeen(ctx context.Context, readerID, peerID, messageID string) (models.Message, error)
	MarkConversationSeen(ctx context.Context, readerID, peerID string) ([]models.Message, error)
	Edit(ctx context.Context, callerID, peerID, messageID, text string) (models.Message, error)
	Remove(ctx context.Context, callerID, peerID, messageID string) error
	UnreadCount(ctx context.Context, viewerID, peerID string) (int, error)
	Conversations(ctx context.Context, viewerID string) ([]models.ConversationSummary, error)
}

// Typing records typing signals.
type Typing interface {
	SetTyping(ctx context.Context, userID, peerID string, isTyping bool) error
	ClearUser(ctx context.Context, userID string)
}
