package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"messaging-service/internal/errs"
	"messaging-service/internal/mocks"
	"messaging-service/internal/models"
	"messaging-service/internal/retry"
)

const (
	aliceID = "11111111-1111-1111-1111-111111111111"
	bobID   = "22222222-2222-2222-2222-222222222222"
)

var testPolicy = retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond}

func withIdentity(userID, sessionID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("userID", userID)
		c.Set("sessionID", sessionID)
		c.Next()
	}
}

func setupConversationRouter(handler *ConversationHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(withIdentity(aliceID, "session-1"))
	r.GET("/conversations", handler.ListConversations)
	r.POST("/conversations/:peer_id/messages", handler.SendMessage)
	r.GET("/conversations/:peer_id/messages", handler.History)
	r.POST("/conversations/:peer_id/messages/:message_id/seen", handler.MarkSeen)
	r.POST("/conversations/:peer_id/messages/:message_id/delivered", handler.MarkDelivered)
	r.POST("/conversations/:peer_id/read", handler.MarkRead)
	r.GET("/conversations/:peer_id/unread", handler.Unread)
	r.PATCH("/conversations/:peer_id/messages/:message_id", handler.EditMessage)
	r.DELETE("/conversations/:peer_id/messages/:message_id", handler.DeleteMessage)
	r.PUT("/conversations/:peer_id/typing", handler.SetTyping)
	r.GET("/conversations/:peer_id/call", handler.Call)
	return r
}

func serve(router *gin.Engine, method, path string, body string) *httptest.ResponseRecorder {
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestSendMessageSuccess(t *testing.T) {
	messages := new(mocks.MessagesMock)
	router := setupConversationRouter(NewConversationHandler(messages, nil, "", testPolicy, nil, nil))

	messages.On("Send", mock.Anything, aliceID, bobID, "hi").
		Return(models.Message{ID: "m1", SenderID: aliceID, Text: "hi", Seq: 1, Revision: 1, Status: models.StatusSent}, nil).Once()

	rec := serve(router, http.MethodPost, "/conversations/"+bobID+"/messages", `{"text":"hi"}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decode(t, rec)
	assert.Equal(t, "sent", resp["status"])
	assert.Equal(t, "hi", resp["text"])
	messages.AssertExpectations(t)
}

func TestSendMessageRetriesUnavailable(t *testing.T) {
	messages := new(mocks.MessagesMock)
	router := setupConversationRouter(NewConversationHandler(messages, nil, "", testPolicy, nil, nil))

	messages.On("Send", mock.Anything, aliceID, bobID, "hi").
		Return(nil, errs.New(errs.ErrUnavailable, "store unavailable")).Once()
	messages.On("Send", mock.Anything, aliceID, bobID, "hi").
		Return(models.Message{ID: "m1"}, nil).Once()

	rec := serve(router, http.MethodPost, "/conversations/"+bobID+"/messages", `{"text":"hi"}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	messages.AssertExpectations(t)
}

func TestSendMessageErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "invalid", err: errs.New(errs.ErrInvalidArgument, "message text is empty"), status: http.StatusBadRequest, code: "invalid_argument"},
		{name: "unknown peer", err: errs.New(errs.ErrNotFound, "user not found"), status: http.StatusNotFound, code: "not_found"},
		{name: "store down", err: errs.New(errs.ErrUnavailable, "store unavailable"), status: http.StatusServiceUnavailable, code: "unavailable"},
		{name: "unexpected", err: assert.AnError, status: http.StatusInternalServerError, code: "internal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			messages := new(mocks.MessagesMock)
			router := setupConversationRouter(NewConversationHandler(messages, nil, "", retry.Policy{MaxAttempts: 1}, nil, nil))
			messages.On("Send", mock.Anything, aliceID, bobID, "x").Return(nil, tc.err)

			rec := serve(router, http.MethodPost, "/conversations/"+bobID+"/messages", `{"text":"x"}`)

			require.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.code, decode(t, rec)["code"])
		})
	}
}

func TestSendMessageRequiresText(t *testing.T) {
	messages := new(mocks.MessagesMock)
	router := setupConversationRouter(NewConversationHandler(messages, nil, "", testPolicy, nil, nil))

	rec := serve(router, http.MethodPost, "/conversations/"+bobID+"/messages", `{}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	messages.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHistory(t *testing.T) {
	messages := new(mocks.MessagesMock)
	router := setupConversationRouter(NewConversationHandler(messages, nil, "", testPolicy, nil, nil))

	messages.On("History", mock.Anything, aliceID, bobID).
		Return([]models.Message{{ID: "m1", Seq: 1}, {ID: "m2", Seq: 2}}, int64(4), nil).Once()

	rec := serve(router, http.MethodGet, "/conversations/"+bobID+"/messages", "")

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode(t, rec)
	assert.EqualValues(t, 4, resp["revision"])
	assert.Len(t, resp["messages"], 2)
	messages.AssertExpectations(t)
}

func TestMarkSeenAndDelivered(t *testing.T) {
	messages := new(mocks.MessagesMock)
	router := setupConversationRouter(NewConversationHandler(messages, nil, "", testPolicy, nil, nil))

	messages.On("MarkSeen", mock.Anything, aliceID, bobID, "m1").Return(models.Message{ID: "m1", Status: models.StatusSeen}, nil).Once()
	messages.On("MarkDelivered", mock.Anything, aliceID, bobID, "m2").Return(models.Message{ID: "m2", Status: models.StatusDelivered}, nil).Once()

	rec := serve(router, http.MethodPost, "/conversations/"+bobID+"/messages/m1/seen", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "seen", decode(t, rec)["status"])

	rec = serve(router, http.MethodPost, "/conversations/"+bobID+"/messages/m2/delivered", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "delivered", decode(t, rec)["status"])
	messages.AssertExpectations(t)
}

func TestMarkRead(t *testing.T) {
	messages := new(mocks.MessagesMock)
	router := setupConversationRouter(NewConversationHandler(messages, nil, "", testPolicy, nil, nil))

	messages.On("MarkConversationSeen", mock.Anything, aliceID, bobID).Return(nil, nil).Once()

	rec := serve(router, http.MethodPost, "/conversations/"+bobID+"/read", "")

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode(t, rec)
	assert.EqualValues(t, 0, resp["updated"])
	assert.Equal(t, []any{}, resp["messages"])
}

func TestUnread(t *testing.T) {
	messages := new(mocks.MessagesMock)
	router := setupConversationRouter(NewConversationHandler(messages, nil, "", testPolicy, nil, nil))

	messages.On("UnreadCount", mock.Anything, aliceID, bobID).Return(3, nil).Once()

	rec := serve(router, http.MethodGet, "/conversations/"+bobID+"/unread", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 3, decode(t, rec)["unread"])
}

func TestEditMessageForbiddenIsAudited(t *testing.T) {
	messages := new(mocks.MessagesMock)
	publisher := new(mocks.PublisherMock)
	audit := newTestAudit(publisher)
	router := setupConversationRouter(NewConversationHandler(messages, nil, "", testPolicy, audit, nil))

	messages.On("Edit", mock.Anything, aliceID, bobID, "m1", "changed").
		Return(nil, errs.New(errs.ErrPermissionDenied, "only the sender can change this message")).Once()
	publisher.On("Publish", mock.Anything, "audit.messaging", mock.Anything, mock.Anything).Return(nil).Once()

	rec := serve(router, http.MethodPatch, "/conversations/"+bobID+"/messages/m1", `{"text":"changed"}`)

	require.Equal(t, http.StatusForbidden, rec.Code)
	resp := decode(t, rec)
	assert.Equal(t, "only the sender can change this message", resp["error"])
	assert.Equal(t, "permission_denied", resp["code"])
	messages.AssertExpectations(t)
	publisher.AssertExpectations(t)
}

func TestDeleteMessage(t *testing.T) {
	messages := new(mocks.MessagesMock)
	router := setupConversationRouter(NewConversationHandler(messages, nil, "", testPolicy, nil, nil))

	messages.On("Remove", mock.Anything, aliceID, bobID, "m1").Return(nil).Once()

	rec := serve(router, http.MethodDelete, "/conversations/"+bobID+"/messages/m1", "")

	require.Equal(t, http.StatusNoContent, rec.Code)
	messages.AssertExpectations(t)
}

func TestSetTyping(t *testing.T) {
	typing := new(mocks.TypingMock)
	router := setupConversationRouter(NewConversationHandler(nil, typing, "", testPolicy, nil, nil))

	typing.On("SetTyping", mock.Anything, aliceID, bobID, false).Return(nil).Once()

	rec := serve(router, http.MethodPut, "/conversations/"+bobID+"/typing", `{"typing":false}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = serve(router, http.MethodPut, "/conversations/"+bobID+"/typing", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	typing.AssertExpectations(t)
}

func TestCallRoom(t *testing.T) {
	router := setupConversationRouter(NewConversationHandler(nil, nil, "https://meet.example.com/", testPolicy, nil, nil))

	rec := serve(router, http.MethodGet, "/conversations/"+bobID+"/call", "")

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode(t, rec)
	assert.Equal(t, aliceID+"_"+bobID, resp["room_id"])
	assert.Equal(t, "https://meet.example.com/"+aliceID+"_"+bobID, resp["url"])

	rec = serve(router, http.MethodGet, "/conversations/"+aliceID+"/call", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListConversations(t *testing.T) {
	messages := new(mocks.MessagesMock)
	router := setupConversationRouter(NewConversationHandler(messages, nil, "", testPolicy, nil, nil))

	messages.On("Conversations", mock.Anything, aliceID).
		Return([]models.ConversationSummary{{ConversationID: aliceID + "_" + bobID, PeerID: bobID, Unread: 2}}, nil).Once()

	rec := serve(router, http.MethodGet, "/conversations", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["conversations"], 1)
	messages.AssertExpectations(t)
}
