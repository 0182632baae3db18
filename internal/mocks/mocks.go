package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"messaging-service/internal/auth"
	"messaging-service/internal/models"
)

type AuthenticatorMock struct {
	mock.Mock
}

func (m *AuthenticatorMock) Register(ctx context.Context, c auth.Credentials) (string, error) {
	args := m.Called(ctx, c)
	return args.String(0), args.Error(1)
}

func (m *AuthenticatorMock) Authenticate(ctx context.Context, c auth.Credentials) (string, error) {
	args := m.Called(ctx, c)
	return args.String(0), args.Error(1)
}

func (m *AuthenticatorMock) IssueToken(userID string) (auth.Token, error) {
	args := m.Called(userID)
	var token auth.Token
	if val := args.Get(0); val != nil {
		token = val.(auth.Token)
	}
	return token, args.Error(1)
}

func (m *AuthenticatorMock) RevokeUser(userID string) {
	m.Called(userID)
}

type DirectoryMock struct {
	mock.Mock
}

func (m *DirectoryMock) GetProfile(ctx context.Context, viewerID, userID string) (models.User, error) {
	args := m.Called(ctx, viewerID, userID)
	var user models.User
	if val := args.Get(0); val != nil {
		user = val.(models.User)
	}
	return user, args.Error(1)
}

func (m *DirectoryMock) ListUsers(ctx context.Context, viewerID, search string) ([]models.User, error) {
	args := m.Called(ctx, viewerID, search)
	var users []models.User
	if val := args.Get(0); val != nil {
		users = val.([]models.User)
	}
	return users, args.Error(1)
}

func (m *DirectoryMock) UpdateProfile(ctx context.Context, callerID, userID string, update models.ProfileUpdate) (models.User, error) {
	args := m.Called(ctx, callerID, userID, update)
	var user models.User
	if val := args.Get(0); val != nil {
		user = val.(models.User)
	}
	return user, args.Error(1)
}

func (m *DirectoryMock) SetAvatar(ctx context.Context, callerID, userID string, content []byte) (models.User, error) {
	args := m.Called(ctx, callerID, userID, content)
	var user models.User
	if val := args.Get(0); val != nil {
		user = val.(models.User)
	}
	return user, args.Error(1)
}

func (m *DirectoryMock) SetPresence(ctx context.Context, userID, sessionID string, state models.Presence) error {
	args := m.Called(ctx, userID, sessionID, state)
	return args.Error(0)
}

func (m *DirectoryMock) Heartbeat(ctx context.Context, userID, sessionID string) error {
	args := m.Called(ctx, userID, sessionID)
	return args.Error(0)
}

func (m *DirectoryMock) Logout(ctx context.Context, userID string) error {
	args := m.Called(ctx, userID)
	return args.Error(0)
}

type MessagesMock struct {
	mock.Mock
}

func (m *MessagesMock) Send(ctx context.Context, senderID, peerID, text string) (models.Message, error) {
	args := m.Called(ctx, senderID, peerID, text)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessagesMock) History(ctx context.Context, viewerID, peerID string) ([]models.Message, int64, error) {
	args := m.Called(ctx, viewerID, peerID)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Get(1).(int64), args.Error(2)
}

func (m *MessagesMock) MarkDelivered(ctx context.Context, readerID, peerID, messageID string) (models.Message, error) {
	args := m.Called(ctx, readerID, peerID, messageID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessagesMock) MarkSeen(ctx context.Context, readerID, peerID, messageID string) (models.Message, error) {
	args := m.Called(ctx, readerID, peerID, messageID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessagesMock) MarkConversationSeen(ctx context.Context, readerID, peerID string) ([]models.Message, error) {
	args := m.Called(ctx, readerID, peerID)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *MessagesMock) Edit(ctx context.Context, callerID, peerID, messageID, text string) (models.Message, error) {
	args := m.Called(ctx, callerID, peerID, messageID, text)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessagesMock) Remove(ctx context.Context, callerID, peerID, messageID string) error {
	args := m.Called(ctx, callerID, peerID, messageID)
	return args.Error(0)
}

func (m *MessagesMock) UnreadCount(ctx context.Context, viewerID, peerID string) (int, error) {
	args := m.Called(ctx, viewerID, peerID)
	return args.Int(0), args.Error(1)
}

func (m *MessagesMock) Conversations(ctx context.Context, viewerID string) ([]models.ConversationSummary, error) {
	args := m.Called(ctx, viewerID)
	var list []models.ConversationSummary
	if val := args.Get(0); val != nil {
		list = val.([]models.ConversationSummary)
	}
	return list, args.Error(1)
}

type TypingMock struct {
	mock.Mock
}

func (m *TypingMock) SetTyping(ctx context.Context, userID, peerID string, isTyping bool) error {
	args := m.Called(ctx, userID, peerID, isTyping)
	return args.Error(0)
}

func (m *TypingMock) ClearUser(ctx context.Context, userID string) {
	m.Called(ctx, userID)
}
