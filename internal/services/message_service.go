package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"messaging-service/internal/conversation"
	"messaging-service/internal/errs"
	"messaging-service/internal/hub"
	"messaging-service/internal/models"
	"messaging-service/internal/observability"
	"messaging-service/internal/repositories"
)

var tracer = otel.Tracer("messaging-service/services")

func startSpan(ctx context.Context, name string, conversationID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attribute.String("conversation.id", conversationID)))
}

// ErrStreamOverflow ends a message stream whose consumer fell behind. The
// client resumes with the revision of the last event it received.
var ErrStreamOverflow = errors.New("message stream overflow")

// published is what the message service puts on the hub. revision is the
// store revision of the change, used to drop events already covered by a
// subscriber's snapshot.
type published struct {
	revision int64
	event    models.ChatEvent
}

// MessageService owns the conversation logs. Writers to one conversation are
// serialized across the store write and the hub publish, so every subscriber
// sees changes in store order.
type MessageService struct {
	repo   repositories.MessageRepository
	users  repositories.UserRepository
	hub    *hub.Hub
	typing *TypingBroadcaster
	locks  *keyedMutex
	maxLen int
	now    func() time.Time
	logger *zap.Logger
}

// NewMessageService builds a MessageService. users and typing may be nil.
func NewMessageService(repo repositories.MessageRepository, users repositories.UserRepository, h *hub.Hub, typing *TypingBroadcaster, maxLen int, logger *zap.Logger) *MessageService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageService{
		repo:   repo,
		users:  users,
		hub:    h,
		typing: typing,
		locks:  newKeyedMutex(),
		maxLen: maxLen,
		now:    time.Now,
		logger: logger,
	}
}

func (s *MessageService) resolve(userID, peerID string) (string, string, error) {
	user, err := conversation.NormalizeID(userID)
	if err != nil {
		return "", "", err
	}
	cid, err := conversation.Resolve(user, peerID)
	if err != nil {
		return "", "", err
	}
	return user, cid, nil
}

func (s *MessageService) checkText(text string) error {
	if strings.TrimSpace(text) == "" {
		return errs.New(errs.ErrInvalidArgument, "message text is empty")
	}
	if s.maxLen > 0 && utf8.RuneCountInString(text) > s.maxLen {
		return errs.New(errs.ErrInvalidArgument, fmt.Sprintf("message text exceeds %d characters", s.maxLen))
	}
	return nil
}

// Send appends text from senderID to the conversation with peerID.
func (s *MessageService) Send(ctx context.Context, senderID, peerID, text string) (models.Message, error) {
	sender, cid, err := s.resolve(senderID, peerID)
	if err != nil {
		return models.Message{}, err
	}
	if err := s.checkText(text); err != nil {
		return models.Message{}, err
	}
	ctx, span := startSpan(ctx, "messages.send", cid)
	defer span.End()

	if s.users != nil {
		peer, _ := conversation.Peer(cid, sender)
		if _, err := s.users.GetUser(ctx, peer); err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				return models.Message{}, errs.New(errs.ErrNotFound, "user not found")
			}
			return models.Message{}, err
		}
	}

	unlock := s.locks.Lock(cid)
	msg, err := s.repo.Append(ctx, cid, sender, text, s.now())
	if err != nil {
		unlock()
		span.RecordError(err)
		return models.Message{}, err
	}
	s.publish(cid, msg.Revision, models.ChatEvent{Type: models.EventMessage, Revision: msg.Revision, Message: &msg})
	unlock()

	observability.IncMessagesAppended()
	observability.PublishDomainEvent(ctx, "messages.sent", msg)
	if s.typing != nil {
		s.typing.Clear(ctx, cid, sender)
	}
	return msg, nil
}

// History returns the live messages of the conversation in creation order
// and the revision they reflect.
func (s *MessageService) History(ctx context.Context, viewerID, peerID string) ([]models.Message, int64, error) {
	_, cid, err := s.resolve(viewerID, peerID)
	if err != nil {
		return nil, 0, err
	}
	ctx, span := startSpan(ctx, "messages.history", cid)
	defer span.End()
	return s.repo.List(ctx, cid)
}

// MarkDelivered acknowledges delivery of one peer message.
func (s *MessageService) MarkDelivered(ctx context.Context, readerID, peerID, messageID string) (models.Message, error) {
	return s.advance(ctx, readerID, peerID, messageID, models.StatusDelivered)
}

// MarkSeen marks one peer message seen. Marking an own or already seen
// message changes nothing and is not an error.
func (s *MessageService) MarkSeen(ctx context.Context, readerID, peerID, messageID string) (models.Message, error) {
	return s.advance(ctx, readerID, peerID, messageID, models.StatusSeen)
}

func (s *MessageService) advance(ctx context.Context, readerID, peerID, messageID string, to models.MessageStatus) (models.Message, error) {
	reader, cid, err := s.resolve(readerID, peerID)
	if err != nil {
		return models.Message{}, err
	}
	ctx, span := startSpan(ctx, "messages.mark_"+string(to), cid)
	defer span.End()

	unlock := s.locks.Lock(cid)
	msg, changed, err := s.repo.AdvanceStatus(ctx, cid, messageID, reader, to, s.now())
	if err != nil {
		unlock()
		return models.Message{}, err
	}
	if changed {
		s.publish(cid, msg.Revision, models.ChatEvent{Type: models.EventUpdated, Revision: msg.Revision, Message: &msg})
	}
	unlock()

	if changed {
		observability.AddStatusTransitions(string(to), 1)
		observability.PublishDomainEvent(ctx, "messages.updated", msg)
	}
	return msg, nil
}

// AcknowledgeDelivery marks every peer message still sent as delivered.
func (s *MessageService) AcknowledgeDelivery(ctx context.Context, readerID, peerID string) ([]models.Message, error) {
	return s.advanceAll(ctx, readerID, peerID, models.StatusDelivered)
}

// MarkConversationSeen marks every peer message seen; it is what opening a
// conversation does.
func (s *MessageService) MarkConversationSeen(ctx context.Context, readerID, peerID string) ([]models.Message, error) {
	return s.advanceAll(ctx, readerID, peerID, models.StatusSeen)
}

func (s *MessageService) advanceAll(ctx context.Context, readerID, peerID string, to models.MessageStatus) ([]models.Message, error) {
	reader, cid, err := s.resolve(readerID, peerID)
	if err != nil {
		return nil, err
	}
	ctx, span := startSpan(ctx, "messages.mark_all_"+string(to), cid)
	defer span.End()

	unlock := s.locks.Lock(cid)
	changed, err := s.repo.AdvanceAll(ctx, cid, reader, to, s.now())
	if err != nil {
		unlock()
		return nil, err
	}
	for i := range changed {
		msg := changed[i]
		// One revision covers the whole batch. Until its last event the
		// cursor stays below it so that a resume replays the rest.
		cursor := msg.Revision - 1
		if i == len(changed)-1 {
			cursor = msg.Revision
		}
		s.publish(cid, msg.Revision, models.ChatEvent{Type: models.EventUpdated, Revision: cursor, Message: &msg})
	}
	unlock()

	if len(changed) > 0 {
		observability.AddStatusTransitions(string(to), len(changed))
		for _, msg := range changed {
			observability.PublishDomainEvent(ctx, "messages.updated", msg)
		}
	}
	return changed, nil
}

// Edit replaces the text of a message sent by callerID.
func (s *MessageService) Edit(ctx context.Context, callerID, peerID, messageID, text string) (models.Message, error) {
	caller, cid, err := s.resolve(callerID, peerID)
	if err != nil {
		return models.Message{}, err
	}
	if err := s.checkText(text); err != nil {
		return models.Message{}, err
	}
	ctx, span := startSpan(ctx, "messages.edit", cid)
	defer span.End()

	unlock := s.locks.Lock(cid)
	msg, err := s.repo.UpdateText(ctx, cid, messageID, caller, text, s.now())
	if err != nil {
		unlock()
		return models.Message{}, err
	}
	s.publish(cid, msg.Revision, models.ChatEvent{Type: models.EventUpdated, Revision: msg.Revision, Message: &msg})
	unlock()

	observability.PublishDomainEvent(ctx, "messages.updated", msg)
	return msg, nil
}

// Remove permanently deletes a message sent by callerID.
func (s *MessageService) Remove(ctx context.Context, callerID, peerID, messageID string) error {
	caller, cid, err := s.resolve(callerID, peerID)
	if err != nil {
		return err
	}
	ctx, span := startSpan(ctx, "messages.remove", cid)
	defer span.End()

	unlock := s.locks.Lock(cid)
	msg, err := s.repo.Delete(ctx, cid, messageID, caller, s.now())
	if err != nil {
		unlock()
		return err
	}
	s.publish(cid, msg.Revision, models.ChatEvent{Type: models.EventDeleted, Revision: msg.Revision, MessageID: msg.ID})
	unlock()

	observability.PublishDomainEvent(ctx, "messages.deleted", map[string]any{
		"conversation_id": cid,
		"message_id":      msg.ID,
		"revision":        msg.Revision,
	})
	return nil
}

// UnreadCount derives the viewer's unread count from the log alone.
func (s *MessageService) UnreadCount(ctx context.Context, viewerID, peerID string) (int, error) {
	viewer, cid, err := s.resolve(viewerID, peerID)
	if err != nil {
		return 0, err
	}
	return s.repo.CountUnread(ctx, cid, viewer)
}

// Conversations lists the viewer's conversations, newest activity first.
func (s *MessageService) Conversations(ctx context.Context, viewerID string) ([]models.ConversationSummary, error) {
	viewer, err := conversation.NormalizeID(viewerID)
	if err != nil {
		return nil, err
	}
	return s.repo.Conversations(ctx, viewer)
}

func (s *MessageService) publish(cid string, revision int64, event models.ChatEvent) {
	if s.hub == nil {
		return
	}
	s.hub.Publish(hub.MessagesTopic(cid), published{revision: revision, event: event})
}

// Subscribe opens a live stream of the conversation between viewerID and
// peerID. With since == 0 the stream starts with one history event; with
// since > 0 it starts with the changes after since: appended messages in
// creation order, then updates and deletions in revision order.
//
// The hub registration precedes the snapshot read, and live events already
// reflected by the snapshot are skipped, so senders are never blocked and
// nothing falls between snapshot and live tail.
func (s *MessageService) Subscribe(ctx context.Context, viewerID, peerID string, since int64, info hub.ConnInfo) (*MessageStream, error) {
	viewer, cid, err := s.resolve(viewerID, peerID)
	if err != nil {
		return nil, err
	}
	if since < 0 {
		return nil, errs.New(errs.ErrInvalidArgument, "since must not be negative")
	}
	if s.hub == nil {
		return nil, errs.New(errs.ErrUnavailable, "subscriptions are not available")
	}
	spanCtx, span := startSpan(ctx, "messages.subscribe", cid)
	defer span.End()

	sub := s.hub.Subscribe(hub.MessagesTopic(cid), info)

	var (
		initial  []models.ChatEvent
		snapshot int64
	)
	if since == 0 {
		msgs, revision, err := s.repo.List(spanCtx, cid)
		if err != nil {
			sub.Close()
			return nil, err
		}
		initial = []models.ChatEvent{{Type: models.EventHistory, Revision: revision, Messages: msgs}}
		snapshot = revision
	} else {
		changes, revision, err := s.repo.Changes(spanCtx, cid, since)
		if err != nil {
			sub.Close()
			return nil, err
		}
		initial = replay(changes, since, revision)
		snapshot = revision
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream := &MessageStream{
		ConversationID: cid,
		events:         make(chan models.ChatEvent),
		cancel:         cancel,
	}
	release := func() {}
	if s.typing != nil {
		release = s.typing.attach(cid, viewer)
	}
	go stream.run(streamCtx, sub, initial, snapshot, release)
	return stream, nil
}

// replay turns the changes after since into events. Every event but the last
// carries since as its cursor, the last one carries revision.
func replay(changes []models.Message, since, revision int64) []models.ChatEvent {
	var appended, mutated []models.Message
	for _, msg := range changes {
		switch {
		case msg.Seq > since && msg.Deleted:
			// never seen by the client
		case msg.Seq > since:
			appended = append(appended, msg)
		default:
			mutated = append(mutated, msg)
		}
	}
	sort.SliceStable(appended, func(i, j int) bool { return appended[i].Seq < appended[j].Seq })

	events := make([]models.ChatEvent, 0, len(appended)+len(mutated))
	for i := range appended {
		events = append(events, models.ChatEvent{Type: models.EventMessage, Revision: since, Message: &appended[i]})
	}
	for i := range mutated {
		msg := mutated[i]
		if msg.Deleted {
			events = append(events, models.ChatEvent{Type: models.EventDeleted, Revision: since, MessageID: msg.ID})
			continue
		}
		events = append(events, models.ChatEvent{Type: models.EventUpdated, Revision: since, Message: &mutated[i]})
	}
	if len(events) > 0 {
		events[len(events)-1].Revision = revision
	}
	return events
}

// MessageStream is one live subscription to a conversation.
type MessageStream struct {
	ConversationID string

	events chan models.ChatEvent
	cancel context.CancelFunc
	once   sync.Once
	err    error
}

// Events yields the stream in order. It is closed when the stream ends.
func (st *MessageStream) Events() <-chan models.ChatEvent { return st.events }

// Err reports why the stream ended once Events is closed; nil after Close or
// context cancellation.
func (st *MessageStream) Err() error { return st.err }

// Close ends the stream and releases its hub registration.
func (st *MessageStream) Close() {
	st.once.Do(st.cancel)
}

func (st *MessageStream) run(ctx context.Context, sub *hub.Subscription, initial []models.ChatEvent, snapshot int64, onClose func()) {
	defer close(st.events)
	defer onClose()
	defer sub.Close()

	for _, event := range initial {
		select {
		case st.events <- event:
		case <-sub.Done():
			st.err = ErrStreamOverflow
			return
		case <-ctx.Done():
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			if errors.Is(sub.Err(), hub.ErrOverflow) {
				st.err = ErrStreamOverflow
			}
			return
		case raw := <-sub.Events():
			p, ok := raw.(published)
			if !ok || p.revision <= snapshot {
				continue
			}
			select {
			case st.events <- p.event:
			case <-ctx.Done():
				return
			}
		}
	}
}
