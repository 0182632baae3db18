package handlers

import (
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"messaging-service/internal/auth"
	"messaging-service/internal/errs"
	"messaging-service/internal/mocks"
	"messaging-service/internal/telemetry"
)

func newTestAudit(publisher *mocks.PublisherMock) *telemetry.AuditEmitter {
	return telemetry.NewAuditEmitter(publisher, "audit.messaging", "messaging-service", "test", nil)
}

func setupAuthRouter(handler *AuthHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/auth/register", handler.Register)
	r.POST("/auth/login", handler.Login)
	r.POST("/auth/logout", withIdentity(aliceID, "session-1"), handler.Logout)
	return r
}

func TestRegister(t *testing.T) {
	authenticator := new(mocks.AuthenticatorMock)
	router := setupAuthRouter(NewAuthHandler(authenticator, nil, nil, testPolicy, nil, nil))

	creds := auth.Credentials{Email: "alice@example.com", Password: "password1"}
	authenticator.On("Register", mock.Anything, creds).Return(aliceID, nil).Once()
	authenticator.On("IssueToken", aliceID).Return(auth.Token{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil).Once()

	rec := serve(router, http.MethodPost, "/auth/register", `{"email":"alice@example.com","password":"password1"}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decode(t, rec)
	assert.Equal(t, aliceID, resp["user_id"])
	assert.Equal(t, "tok", resp["access_token"])
	authenticator.AssertExpectations(t)
}

func TestRegisterDuplicate(t *testing.T) {
	authenticator := new(mocks.AuthenticatorMock)
	router := setupAuthRouter(NewAuthHandler(authenticator, nil, nil, testPolicy, nil, nil))

	authenticator.On("Register", mock.Anything, mock.Anything).
		Return("", errs.New(errs.ErrInvalidArgument, "email already registered")).Once()

	rec := serve(router, http.MethodPost, "/auth/register", `{"email":"alice@example.com","password":"password1"}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "email already registered", decode(t, rec)["error"])
}

func TestLoginStartsSession(t *testing.T) {
	authenticator := new(mocks.AuthenticatorMock)
	directory := new(mocks.DirectoryMock)
	router := setupAuthRouter(NewAuthHandler(authenticator, directory, nil, testPolicy, nil, nil))

	authenticator.On("Authenticate", mock.Anything, mock.Anything).Return(aliceID, nil).Once()
	authenticator.On("IssueToken", aliceID).Return(auth.Token{AccessToken: "tok", SessionID: "jti-1"}, nil).Once()
	directory.On("Heartbeat", mock.Anything, aliceID, "jti-1").Return(nil).Once()

	rec := serve(router, http.MethodPost, "/auth/login", `{"email":"alice@example.com","password":"password1"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode(t, rec)
	assert.Equal(t, "tok", resp["access_token"])
	assert.NotContains(t, resp, "SessionID")
	authenticator.AssertExpectations(t)
	directory.AssertExpectations(t)
}

func TestLoginFailureIsAudited(t *testing.T) {
	authenticator := new(mocks.AuthenticatorMock)
	publisher := new(mocks.PublisherMock)
	router := setupAuthRouter(NewAuthHandler(authenticator, nil, nil, testPolicy, newTestAudit(publisher), nil))

	authenticator.On("Authenticate", mock.Anything, mock.Anything).
		Return("", errs.New(errs.ErrUnauthenticated, "invalid email or password")).Once()
	publisher.On("Publish", mock.Anything, "audit.messaging", mock.MatchedBy(func(e telemetry.AuditEnvelope) bool {
		return e.Payload.Text == "login failed for alice@example.com"
	}), mock.Anything).Return(nil).Once()

	rec := serve(router, http.MethodPost, "/auth/login", `{"email":"alice@example.com","password":"wrong-password"}`)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthenticated", decode(t, rec)["code"])
	publisher.AssertExpectations(t)
}

func TestLogout(t *testing.T) {
	authenticator := new(mocks.AuthenticatorMock)
	directory := new(mocks.DirectoryMock)
	typing := new(mocks.TypingMock)
	router := setupAuthRouter(NewAuthHandler(authenticator, directory, typing, testPolicy, nil, nil))

	var calls []string
	authenticator.On("RevokeUser", aliceID).Run(func(mock.Arguments) { calls = append(calls, "revoke") }).Once()
	directory.On("Logout", mock.Anything, aliceID).Run(func(mock.Arguments) { calls = append(calls, "logout") }).Return(nil).Once()
	typing.On("ClearUser", mock.Anything, aliceID).Return().Once()

	rec := serve(router, http.MethodPost, "/auth/logout", "")

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"revoke", "logout"}, calls)
	authenticator.AssertExpectations(t)
	directory.AssertExpectations(t)
	typing.AssertExpectations(t)
}
