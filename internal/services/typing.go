package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"messaging-service/internal/conversation"
	"messaging-service/internal/errs"
	"messaging-service/internal/hub"
	"messaging-service/internal/models"
	"messaging-service/internal/observability"
)

const typingEventType = "typing"

// TypingBroadcaster keeps the ephemeral typing signals of every conversation.
// A signal is an expiry instant; it reads as typing until then.
type TypingBroadcaster struct {
	rooms         sync.Map // conversation id -> *typingRoom
	hub           *hub.Hub
	ttl           time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	logger        *zap.Logger

	streamsMu sync.Mutex
	streams   map[string]int // conversation id + "|" + user id -> live streams
}

type typingRoom struct {
	mu      sync.Mutex
	expires map[string]time.Time
	closed  bool
}

// NewTypingBroadcaster builds a broadcaster whose signals last ttl unless
// refreshed.
func NewTypingBroadcaster(h *hub.Hub, ttl, sweepInterval time.Duration, logger *zap.Logger) *TypingBroadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TypingBroadcaster{
		hub:           h,
		ttl:           ttl,
		sweepInterval: sweepInterval,
		now:           time.Now,
		logger:        logger,
		streams:       make(map[string]int),
	}
}

// SetTyping records whether userID is typing to peerID. Repeating true
// refreshes the expiry.
func (t *TypingBroadcaster) SetTyping(ctx context.Context, userID, peerID string, isTyping bool) error {
	user, err := conversation.NormalizeID(userID)
	if err != nil {
		return err
	}
	cid, err := conversation.Resolve(user, peerID)
	if err != nil {
		return err
	}
	t.set(cid, user, isTyping)
	return nil
}

// Clear drops the signal of userID in conversationID.
func (t *TypingBroadcaster) Clear(ctx context.Context, conversationID, userID string) {
	t.set(conversationID, userID, false)
}

// ClearUser drops every signal of userID.
func (t *TypingBroadcaster) ClearUser(ctx context.Context, userID string) {
	t.rooms.Range(func(key, _ any) bool {
		cid := key.(string)
		if conversation.IsParticipant(cid, userID) {
			t.set(cid, userID, false)
		}
		return true
	})
}

func (t *TypingBroadcaster) set(cid, userID string, isTyping bool) {
	now := t.now()
	for {
		var r *typingRoom
		if isTyping {
			value, _ := t.rooms.LoadOrStore(cid, &typingRoom{expires: make(map[string]time.Time)})
			r = value.(*typingRoom)
		} else {
			value, ok := t.rooms.Load(cid)
			if !ok {
				return
			}
			r = value.(*typingRoom)
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			if !isTyping {
				return
			}
			continue
		}
		was := r.active(userID, now)
		if isTyping {
			r.expires[userID] = now.Add(t.ttl)
		} else {
			delete(r.expires, userID)
		}
		if was != isTyping {
			t.publish(cid, r.snapshot(cid, now))
		}
		t.dropIfEmpty(cid, r)
		r.mu.Unlock()
		return
	}
}

// attach counts a live stream of userID on conversationID. The returned
// release clears the user's signal once their last stream is gone.
func (t *TypingBroadcaster) attach(conversationID, userID string) func() {
	key := conversationID + "|" + userID
	t.streamsMu.Lock()
	t.streams[key]++
	t.streamsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.streamsMu.Lock()
			defer t.streamsMu.Unlock()
			if t.streams[key]--; t.streams[key] > 0 {
				return
			}
			delete(t.streams, key)
			t.set(conversationID, userID, false)
		})
	}
}

// Subscribe streams typing snapshots of the conversation between viewerID and
// peerID, starting with the current one. The viewer's own flag is omitted.
// Closing the viewer's last stream on the conversation clears their signal.
func (t *TypingBroadcaster) Subscribe(ctx context.Context, viewerID, peerID string, info hub.ConnInfo) (*TypingStream, error) {
	viewer, err := conversation.NormalizeID(viewerID)
	if err != nil {
		return nil, err
	}
	cid, err := conversation.Resolve(viewer, peerID)
	if err != nil {
		return nil, err
	}
	if t.hub == nil {
		return nil, errs.New(errs.ErrUnavailable, "subscriptions are not available")
	}

	sub := t.hub.Subscribe(hub.TypingTopic(cid), info)
	current := t.Snapshot(cid)

	streamCtx, cancel := context.WithCancel(ctx)
	stream := &TypingStream{
		ConversationID: cid,
		events:         make(chan models.TypingEvent),
		cancel:         cancel,
	}
	go stream.run(streamCtx, sub, viewer, current, t.attach(cid, viewer))
	return stream, nil
}

// Snapshot returns the typing flags of both participants of conversationID.
func (t *TypingBroadcaster) Snapshot(conversationID string) models.TypingEvent {
	now := t.now()
	value, ok := t.rooms.Load(conversationID)
	if !ok {
		return emptySnapshot(conversationID)
	}
	r := value.(*typingRoom)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot(conversationID, now)
}

// Run expires stale signals until ctx is done.
func (t *TypingBroadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := t.sweep(t.now()); n > 0 {
				t.logger.Debug("typing signals expired", zap.Int("count", n))
			}
		}
	}
}

func (t *TypingBroadcaster) sweep(now time.Time) int {
	expired := 0
	t.rooms.Range(func(key, value any) bool {
		cid := key.(string)
		r := value.(*typingRoom)
		r.mu.Lock()
		defer r.mu.Unlock()

		changed := false
		for user, until := range r.expires {
			if !now.Before(until) {
				delete(r.expires, user)
				changed = true
				expired++
			}
		}
		if changed && !r.closed {
			t.publish(cid, r.snapshot(cid, now))
		}
		t.dropIfEmpty(cid, r)
		return true
	})
	if expired > 0 {
		observability.AddTypingExpired(expired)
	}
	return expired
}

// dropIfEmpty removes an idle room. r.mu must be held.
func (t *TypingBroadcaster) dropIfEmpty(cid string, r *typingRoom) {
	if len(r.expires) == 0 && !r.closed {
		r.closed = true
		t.rooms.CompareAndDelete(cid, r)
	}
}

func (t *TypingBroadcaster) publish(cid string, event models.TypingEvent) {
	if t.hub != nil {
		t.hub.Publish(hub.TypingTopic(cid), event)
	}
}

func (r *typingRoom) active(userID string, now time.Time) bool {
	until, ok := r.expires[userID]
	return ok && now.Before(until)
}

func (r *typingRoom) snapshot(cid string, now time.Time) models.TypingEvent {
	event := emptySnapshot(cid)
	for user := range event.Typing {
		event.Typing[user] = r.active(user, now)
	}
	return event
}

func emptySnapshot(cid string) models.TypingEvent {
	event := models.TypingEvent{Type: typingEventType, ConversationID: cid, Typing: map[string]bool{}}
	if a, b, err := conversation.Participants(cid); err == nil {
		event.Typing[a] = false
		event.Typing[b] = false
	}
	return event
}

// TypingStream is one live subscription to a conversation's typing flags.
type TypingStream struct {
	ConversationID string

	events chan models.TypingEvent
	cancel context.CancelFunc
	once   sync.Once
	err    error
}

// Events yields snapshots; it is closed when the stream ends.
func (st *TypingStream) Events() <-chan models.TypingEvent { return st.events }

// Err reports why the stream ended once Events is closed.
func (st *TypingStream) Err() error { return st.err }

// Close ends the stream.
func (st *TypingStream) Close() {
	st.once.Do(st.cancel)
}

func (st *TypingStream) run(ctx context.Context, sub *hub.Subscription, viewer string, current models.TypingEvent, onClose func()) {
	defer close(st.events)
	defer onClose()
	defer sub.Close()

	send := func(event models.TypingEvent) bool {
		select {
		case st.events <- withoutViewer(event, viewer):
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !send(current) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			st.err = sub.Err()
			return
		case raw := <-sub.Events():
			event, ok := raw.(models.TypingEvent)
			if !ok {
				continue
			}
			if !send(event) {
				return
			}
		}
	}
}

func withoutViewer(event models.TypingEvent, viewer string) models.TypingEvent {
	typing := make(map[string]bool, len(event.Typing))
	for user, flag := range event.Typing {
		if user != viewer {
			typing[user] = flag
		}
	}
	event.Typing = typing
	return event
}
