// Package hub fans state changes out to live subscribers.
//
// Each topic is a room with its own lock, so publishers on different
// conversations never contend. Publishing never blocks: a subscriber whose
// buffer is full is detached and observes Done with ErrOverflow.
package hub

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"messaging-service/internal/observability"
)

// ErrOverflow ends a subscription whose consumer fell behind.
var ErrOverflow = errors.New("subscriber buffer overflow")

// UsersTopic carries presence changes of every user.
const UsersTopic = "users"

// MessagesTopic carries message events of one conversation.
func MessagesTopic(conversationID string) string { return "messages:" + conversationID }

// TypingTopic carries typing snapshots of one conversation.
func TypingTopic(conversationID string) string { return "typing:" + conversationID }

// UserTopic carries session lifecycle signals of one user, such as logout.
func UserTopic(userID string) string { return "user:" + userID }

// Hub maintains active rooms.
type Hub struct {
	rooms  sync.Map // topic -> *room
	buffer int
	logger *zap.Logger
}

type room struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewHub creates an empty hub whose subscribers buffer up to buffer events.
func NewHub(buffer int, logger *zap.Logger) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{buffer: buffer, logger: logger}
}

// Subscription is one consumer registered on a topic.
type Subscription struct {
	hub    *Hub
	topic  string
	info   ConnInfo
	events chan any
	done   chan struct{}
	once   sync.Once
	err    error
}

// Events yields published events in publish order.
func (s *Subscription) Events() <-chan any { return s.events }

// Done is closed once the subscription is detached.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err reports why the subscription ended; nil after a normal Close.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Topic returns the topic the subscription is registered on.
func (s *Subscription) Topic() string { return s.topic }

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s, nil)
}

// Subscribe registers a new subscriber on topic.
func (h *Hub) Subscribe(topic string, info ConnInfo) *Subscription {
	sub := &Subscription{
		hub:    h,
		topic:  topic,
		info:   info,
		events: make(chan any, h.buffer),
		done:   make(chan struct{}),
	}
	for {
		value, _ := h.rooms.LoadOrStore(topic, &room{subs: make(map[*Subscription]struct{})})
		r := value.(*room)
		r.mu.Lock()
		if r.closed {
			// lost a race with the last subscriber leaving
			r.mu.Unlock()
			continue
		}
		r.subs[sub] = struct{}{}
		r.mu.Unlock()
		return sub
	}
}

// Publish delivers event to every subscriber of topic and returns how many
// received it. Subscribers that cannot keep up are detached.
func (h *Hub) Publish(topic string, event any) int {
	value, ok := h.rooms.Load(topic)
	if !ok {
		return 0
	}
	r := value.(*room)

	var overflowed []*Subscription
	delivered := 0
	r.mu.Lock()
	for sub := range r.subs {
		select {
		case sub.events <- event:
			delivered++
		default:
			overflowed = append(overflowed, sub)
		}
	}
	r.mu.Unlock()

	if len(overflowed) == 0 {
		return delivered
	}
	kind := topicKind(topic)
	events := make([]observability.WSEvent, 0, len(overflowed))
	for _, sub := range overflowed {
		h.remove(sub, ErrOverflow)
		h.logger.Warn("subscriber dropped",
			zap.String("topic", topic),
			zap.String("conn_id", sub.info.ConnID),
			zap.String("user_id", sub.info.UserID),
		)
		observability.IncHubDropped(kind)
		events = append(events, sub.info.WSEvent(kind, topic, "ws_overflow", ErrOverflow.Error()))
	}
	// Publishers may hold their own locks; the broker must not stall them.
	go func() {
		for _, e := range events {
			observability.PublishWSEvent(context.Background(), e)
		}
	}()
	return delivered
}

// Count returns the number of subscribers on topic.
func (h *Hub) Count(topic string) int {
	value, ok := h.rooms.Load(topic)
	if !ok {
		return 0
	}
	r := value.(*room)
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func (h *Hub) remove(sub *Subscription, reason error) {
	value, ok := h.rooms.Load(sub.topic)
	if ok {
		r := value.(*room)
		r.mu.Lock()
		delete(r.subs, sub)
		if len(r.subs) == 0 && !r.closed {
			r.closed = true
			h.rooms.CompareAndDelete(sub.topic, r)
		}
		r.mu.Unlock()
	}
	sub.once.Do(func() {
		sub.err = reason
		close(sub.done)
	})
}

func topicKind(topic string) string {
	kind, _, _ := strings.Cut(topic, ":")
	return kind
}
