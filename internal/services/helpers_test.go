package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"messaging-service/internal/conversation"
	"messaging-service/internal/db"
	"messaging-service/internal/hub"
	"messaging-service/internal/models"
	"messaging-service/internal/repositories"
)

type fixture struct {
	users    *repositories.BadgerUserRepo
	messages *repositories.BadgerMessageRepo
	hub      *hub.Hub
	typing   *TypingBroadcaster
	svc      *MessageService
}

func newFixture(t *testing.T, buffer int) *fixture {
	t.Helper()
	store, err := db.OpenBadger("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := hub.NewHub(buffer, nil)
	f := &fixture{
		users:    repositories.NewBadgerUserRepo(store),
		messages: repositories.NewBadgerMessageRepo(store),
		hub:      h,
		typing:   NewTypingBroadcaster(h, time.Minute, time.Second, nil),
	}
	f.svc = NewMessageService(f.messages, f.users, h, f.typing, 100, nil)
	return f
}

func (f *fixture) register(t *testing.T, name string) string {
	t.Helper()
	user := models.User{
		ID:          uuid.NewString(),
		Email:       name + "-" + uuid.NewString()[:8] + "@example.com",
		DisplayName: name,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := f.users.Register(context.Background(), user, []byte("hash"))
	require.NoError(t, err)
	return user.ID
}

func next[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	var zero T
	return zero
}

func quiet[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	select {
	case v, ok := <-ch:
		if ok {
			t.Fatalf("unexpected event %+v", v)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func conversationOf(t *testing.T, a, b string) string {
	t.Helper()
	cid, err := conversation.Resolve(a, b)
	require.NoError(t, err)
	return cid
}
