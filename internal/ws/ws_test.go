package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messaging-service/internal/auth"
	"messaging-service/internal/config"
	"messaging-service/internal/db"
	"messaging-service/internal/hub"
	"messaging-service/internal/models"
	"messaging-service/internal/repositories"
	"messaging-service/internal/services"
)

type testEnv struct {
	server    *httptest.Server
	auth      *auth.Service
	users     *repositories.BadgerUserRepo
	messages  *services.MessageService
	typing    *services.TypingBroadcaster
	directory *services.Directory
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := db.OpenBadger("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	users := repositories.NewBadgerUserRepo(store)
	h := hub.NewHub(32, nil)
	typing := services.NewTypingBroadcaster(h, time.Minute, time.Second, nil)
	authService := auth.NewService(users, []byte("test-secret"), time.Hour)
	env := &testEnv{
		auth:     authService,
		users:    users,
		typing:   typing,
		messages: services.NewMessageService(repositories.NewBadgerMessageRepo(store), users, h, typing, 1000, nil),
		directory: services.NewDirectory(users, nil, h, services.DirectoryConfig{
			Visibility:     config.VisibilityPublic,
			PresenceTTL:    time.Minute,
			SweepInterval:  time.Second,
			SessionRevoked: authService.SessionRevoked,
		}, nil),
	}

	cfg := Config{PingInterval: time.Second, PongWait: 5 * time.Second, WriteWait: time.Second}
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws/conversations/:peer_id/messages", NewMessageWebSocketHandler(env.messages, env.auth, env.directory, cfg, nil).Handle)
	router.GET("/ws/conversations/:peer_id/typing", NewTypingWebSocketHandler(env.typing, env.auth, env.directory, cfg, nil).Handle)
	router.GET("/ws/presence", NewPresenceWebSocketHandler(env.directory, env.auth, cfg, nil).Handle)
	env.server = httptest.NewServer(router)
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) register(t *testing.T, name string) (string, string) {
	t.Helper()
	user := models.User{ID: uuid.NewString(), Email: name + "@example.com", DisplayName: name, CreatedAt: time.Now().UTC()}
	_, err := e.users.Register(context.Background(), user, []byte("hash"))
	require.NoError(t, err)
	token, err := e.auth.IssueToken(user.ID)
	require.NoError(t, err)
	return user.ID, token.AccessToken
}

func (e *testEnv) dial(t *testing.T, path, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + path
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readJSON[T any](t *testing.T, conn *websocket.Conn) T {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var v T
	require.NoError(t, conn.ReadJSON(&v))
	return v
}

func TestMessageSocketDeliversAndAcknowledges(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	alice, _ := env.register(t, "alice")
	bob, bobToken := env.register(t, "bob")

	conn := env.dial(t, "/ws/conversations/"+alice+"/messages", bobToken)
	history := readJSON[models.ChatEvent](t, conn)
	assert.Equal(t, models.EventHistory, history.Type)

	sent, err := env.messages.Send(ctx, alice, bob, "hi")
	require.NoError(t, err)

	event := readJSON[models.ChatEvent](t, conn)
	require.Equal(t, models.EventMessage, event.Type)
	assert.Equal(t, "hi", event.Message.Text)

	update := readJSON[models.ChatEvent](t, conn)
	require.Equal(t, models.EventUpdated, update.Type)
	assert.Equal(t, sent.ID, update.Message.ID)
	assert.Equal(t, models.StatusDelivered, update.Message.Status)
}

func TestMessageSocketResumesSince(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	alice, aliceToken := env.register(t, "alice")
	bob, _ := env.register(t, "bob")

	first, err := env.messages.Send(ctx, alice, bob, "one")
	require.NoError(t, err)
	_, err = env.messages.Send(ctx, alice, bob, "two")
	require.NoError(t, err)

	conn := env.dial(t, "/ws/conversations/"+bob+"/messages?since="+itoa(first.Revision), aliceToken)
	event := readJSON[models.ChatEvent](t, conn)
	assert.Equal(t, models.EventMessage, event.Type)
	assert.Equal(t, "two", event.Message.Text)
	assert.Equal(t, int64(2), event.Revision)
}

func TestMessageSocketRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t)
	alice, aliceToken := env.register(t, "alice")
	bob, _ := env.register(t, "bob")
	base := "ws" + strings.TrimPrefix(env.server.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(base+"/ws/conversations/"+bob+"/messages?token=nope", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(base+"/ws/conversations/"+bob+"/messages?since=-3&token="+aliceToken, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(base+"/ws/conversations/"+alice+"/messages?token="+aliceToken, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTypingSocket(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	alice, aliceToken := env.register(t, "alice")
	bob, _ := env.register(t, "bob")

	conn := env.dial(t, "/ws/conversations/"+bob+"/typing", aliceToken)
	first := readJSON[models.TypingEvent](t, conn)
	assert.Equal(t, map[string]bool{bob: false}, first.Typing)

	require.NoError(t, env.typing.SetTyping(ctx, bob, alice, true))
	assert.Equal(t, map[string]bool{bob: true}, readJSON[models.TypingEvent](t, conn).Typing)

	require.NoError(t, conn.WriteJSON(map[string]bool{"typing": true}))
	cid := first.ConversationID
	assert.Eventually(t, func() bool { return env.typing.Snapshot(cid).Typing[alice] }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return !env.typing.Snapshot(cid).Typing[alice] }, 2*time.Second, 10*time.Millisecond)
}

func TestPresenceSocketIsASession(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	alice, aliceToken := env.register(t, "alice")

	conn := env.dial(t, "/ws/presence", aliceToken)
	event := readJSON[models.PresenceEvent](t, conn)
	assert.Equal(t, alice, event.UserID)
	assert.Equal(t, models.PresenceOnline, event.Presence)
	assert.Equal(t, 1, env.directory.Sessions(alice))

	second := env.dial(t, "/ws/presence", aliceToken)
	assert.Eventually(t, func() bool { return env.directory.Sessions(alice) == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, second.Close())
	assert.Eventually(t, func() bool { return env.directory.Sessions(alice) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		user, err := env.users.GetUser(ctx, alice)
		return err == nil && user.Presence == models.PresenceOffline
	}, 2*time.Second, 10*time.Millisecond)
}

// readClose reads until the server closes conn and returns the close error.
func readClose(t *testing.T, conn *websocket.Conn) error {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return err
		}
	}
}

func TestLogoutClosesSocketsAndEndsPresence(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	alice, aliceToken := env.register(t, "alice")
	bob, _ := env.register(t, "bob")

	presence := env.dial(t, "/ws/presence", aliceToken)
	assert.Equal(t, models.PresenceOnline, readJSON[models.PresenceEvent](t, presence).Presence)
	messages := env.dial(t, "/ws/conversations/"+bob+"/messages", aliceToken)
	assert.Equal(t, models.EventHistory, readJSON[models.ChatEvent](t, messages).Type)
	typing := env.dial(t, "/ws/conversations/"+bob+"/typing", aliceToken)
	readJSON[models.TypingEvent](t, typing)

	env.auth.RevokeUser(alice)
	require.NoError(t, env.directory.Logout(ctx, alice))

	for _, conn := range []*websocket.Conn{presence, messages, typing} {
		err := readClose(t, conn)
		assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "unexpected close: %v", err)
	}

	user, err := env.users.GetUser(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, models.PresenceOffline, user.Presence)
	// A ping round trip would have landed within the ping interval.
	assert.Never(t, func() bool { return env.directory.Sessions(alice) > 0 }, 1500*time.Millisecond, 50*time.Millisecond)

	_, err = env.auth.ValidateToken(ctx, aliceToken)
	require.Error(t, err)
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws/presence?token=" + aliceToken
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
