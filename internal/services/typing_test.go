package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messaging-service/internal/errs"
	"messaging-service/internal/hub"
)

func newTypingFixture(t *testing.T) (*TypingBroadcaster, *fakeClock, string, string) {
	t.Helper()
	f := newFixture(t, 16)
	clock := newFakeClock()
	f.typing.now = clock.Now
	f.typing.ttl = 5 * time.Second
	return f.typing, clock, f.register(t, "alice"), f.register(t, "bob")
}

func TestTypingStreamOmitsViewer(t *testing.T) {
	ctx := context.Background()
	tb, _, alice, bob := newTypingFixture(t)

	stream, err := tb.Subscribe(ctx, alice, bob, hub.ConnInfo{UserID: alice})
	require.NoError(t, err)
	defer stream.Close()

	first := next(t, stream.Events())
	assert.Equal(t, map[string]bool{bob: false}, first.Typing)

	require.NoError(t, tb.SetTyping(ctx, bob, alice, true))
	assert.Equal(t, map[string]bool{bob: true}, next(t, stream.Events()).Typing)

	require.NoError(t, tb.SetTyping(ctx, alice, bob, true))
	assert.Equal(t, map[string]bool{bob: true}, next(t, stream.Events()).Typing)

	snapshot := tb.Snapshot(stream.ConversationID)
	assert.Equal(t, map[string]bool{alice: true, bob: true}, snapshot.Typing)
}

func TestTypingPublishesOnlyVisibleChanges(t *testing.T) {
	ctx := context.Background()
	tb, clock, alice, bob := newTypingFixture(t)

	stream, err := tb.Subscribe(ctx, alice, bob, hub.ConnInfo{UserID: alice})
	require.NoError(t, err)
	defer stream.Close()
	next(t, stream.Events())

	require.NoError(t, tb.SetTyping(ctx, bob, alice, true))
	next(t, stream.Events())

	clock.Advance(2 * time.Second)
	require.NoError(t, tb.SetTyping(ctx, bob, alice, true))
	quiet(t, stream.Events())

	require.NoError(t, tb.SetTyping(ctx, bob, alice, false))
	assert.Equal(t, map[string]bool{bob: false}, next(t, stream.Events()).Typing)

	require.NoError(t, tb.SetTyping(ctx, bob, alice, false))
	quiet(t, stream.Events())
}

func TestTypingExpiresWithoutRefresh(t *testing.T) {
	ctx := context.Background()
	tb, clock, alice, bob := newTypingFixture(t)

	stream, err := tb.Subscribe(ctx, alice, bob, hub.ConnInfo{UserID: alice})
	require.NoError(t, err)
	defer stream.Close()
	next(t, stream.Events())

	require.NoError(t, tb.SetTyping(ctx, bob, alice, true))
	next(t, stream.Events())

	clock.Advance(4 * time.Second)
	assert.Zero(t, tb.sweep(clock.Now()))

	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, tb.sweep(clock.Now()))
	assert.Equal(t, map[string]bool{bob: false}, next(t, stream.Events()).Typing)
}

func TestTypingClearedWhenStreamCloses(t *testing.T) {
	ctx := context.Background()
	tb, _, alice, bob := newTypingFixture(t)

	watcher, err := tb.Subscribe(ctx, alice, bob, hub.ConnInfo{UserID: alice})
	require.NoError(t, err)
	defer watcher.Close()
	next(t, watcher.Events())

	typist, err := tb.Subscribe(ctx, bob, alice, hub.ConnInfo{UserID: bob})
	require.NoError(t, err)
	next(t, typist.Events())

	require.NoError(t, tb.SetTyping(ctx, bob, alice, true))
	assert.True(t, next(t, watcher.Events()).Typing[bob])

	typist.Close()
	assert.False(t, next(t, watcher.Events()).Typing[bob])
}

func TestTypingSurvivesUntilLastStreamCloses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 16)
	alice, bob := f.register(t, "alice"), f.register(t, "bob")
	cid := conversationOf(t, alice, bob)

	first, err := f.typing.Subscribe(ctx, alice, bob, hub.ConnInfo{UserID: alice})
	require.NoError(t, err)
	next(t, first.Events())
	second, err := f.typing.Subscribe(ctx, alice, bob, hub.ConnInfo{UserID: alice})
	require.NoError(t, err)
	next(t, second.Events())
	messages, err := f.svc.Subscribe(ctx, alice, bob, 0, hub.ConnInfo{UserID: alice})
	require.NoError(t, err)
	next(t, messages.Events())

	require.NoError(t, f.typing.SetTyping(ctx, alice, bob, true))

	first.Close()
	messages.Close()
	for range first.Events() {
	}
	for range messages.Events() {
	}
	assert.Never(t, func() bool { return !f.typing.Snapshot(cid).Typing[alice] }, 100*time.Millisecond, 10*time.Millisecond)

	second.Close()
	assert.Eventually(t, func() bool { return !f.typing.Snapshot(cid).Typing[alice] }, time.Second, 10*time.Millisecond)
}

func TestTypingClearUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 4)
	alice, bob, carol := f.register(t, "alice"), f.register(t, "bob"), f.register(t, "carol")

	require.NoError(t, f.typing.SetTyping(ctx, alice, bob, true))
	require.NoError(t, f.typing.SetTyping(ctx, alice, carol, true))
	require.NoError(t, f.typing.SetTyping(ctx, bob, carol, true))

	f.typing.ClearUser(ctx, alice)

	assert.False(t, f.typing.Snapshot(conversationOf(t, alice, bob)).Typing[alice])
	assert.False(t, f.typing.Snapshot(conversationOf(t, alice, carol)).Typing[alice])
	assert.True(t, f.typing.Snapshot(conversationOf(t, bob, carol)).Typing[bob])
}

func TestTypingRejectsSelf(t *testing.T) {
	f := newFixture(t, 4)
	alice := f.register(t, "alice")

	err := f.typing.SetTyping(context.Background(), alice, alice, true)
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}
