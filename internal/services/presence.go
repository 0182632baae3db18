package services

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"messaging-service/internal/errs"
	"messaging-service/internal/hub"
	"messaging-service/internal/models"
	"messaging-service/internal/observability"
	"messaging-service/internal/repositories"
)

const presenceEventType = "presence"

// presenceTracker counts live sessions per user. Persisted presence only
// flips when the first session appears or the last one disappears; each user
// has its own lock so concurrent tabs of one user serialize while different
// users never contend.
type presenceTracker struct {
	entries  sync.Map // user id -> *presenceEntry
	users    repositories.UserRepository
	hub      *hub.Hub
	ttl      time.Duration
	sessions atomic.Int64
	revoked  func(userID, sessionID string) bool
	logger   *zap.Logger
}

type presenceEntry struct {
	mu       sync.Mutex
	sessions map[string]time.Time // session id -> last seen
	closed   bool
}

func newPresenceTracker(users repositories.UserRepository, h *hub.Hub, ttl time.Duration, revoked func(userID, sessionID string) bool, logger *zap.Logger) *presenceTracker {
	return &presenceTracker{users: users, hub: h, ttl: ttl, revoked: revoked, logger: logger}
}

// touch registers or refreshes a session. A session whose token was revoked
// is refused; the check runs under the entry lock so that it cannot
// interleave with the logout dropping the sessions.
func (p *presenceTracker) touch(ctx context.Context, userID, sessionID string, now time.Time) error {
	for {
		value, _ := p.entries.LoadOrStore(userID, &presenceEntry{sessions: make(map[string]time.Time)})
		e := value.(*presenceEntry)
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			continue
		}
		if p.revoked != nil && p.revoked(userID, sessionID) {
			p.dropIfEmpty(userID, e)
			e.mu.Unlock()
			return errs.New(errs.ErrUnauthenticated, "session has ended")
		}
		event, err := p.touchLocked(ctx, e, userID, sessionID, now)
		p.dropIfEmpty(userID, e)
		e.mu.Unlock()
		p.announce(ctx, event)
		return err
	}
}

func (p *presenceTracker) touchLocked(ctx context.Context, e *presenceEntry, userID, sessionID string, now time.Time) (*models.PresenceEvent, error) {
	var event *models.PresenceEvent
	if len(e.sessions) == 0 {
		flipped, err := p.flip(ctx, userID, models.PresenceOnline, now)
		if err != nil {
			return nil, err
		}
		event = &flipped
	}
	if _, ok := e.sessions[sessionID]; !ok {
		p.sessions.Add(1)
	}
	e.sessions[sessionID] = now
	p.report()
	return event, nil
}

// drop removes one session, or every session of the user when sessionID is
// empty.
func (p *presenceTracker) drop(ctx context.Context, userID, sessionID string, now time.Time) error {
	value, ok := p.entries.Load(userID)
	if !ok {
		return nil
	}
	e := value.(*presenceEntry)
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	event, err := p.dropLocked(ctx, e, userID, func(id string, _ time.Time) bool {
		return sessionID == "" || id == sessionID
	}, now)
	p.dropIfEmpty(userID, e)
	e.mu.Unlock()
	p.announce(ctx, event)
	return err
}

// dropLocked removes the sessions matched by remove and flips the user
// offline when none is left. On a failed flip the sessions are restored so
// that the sweeper retries.
func (p *presenceTracker) dropLocked(ctx context.Context, e *presenceEntry, userID string, remove func(id string, seen time.Time) bool, now time.Time) (*models.PresenceEvent, error) {
	removed := map[string]time.Time{}
	for id, seen := range e.sessions {
		if remove(id, seen) {
			removed[id] = seen
			delete(e.sessions, id)
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}
	var event *models.PresenceEvent
	if len(e.sessions) == 0 {
		flipped, err := p.flip(ctx, userID, models.PresenceOffline, now)
		if err != nil {
			for id, seen := range removed {
				e.sessions[id] = seen
			}
			return nil, err
		}
		event = &flipped
	}
	p.sessions.Add(-int64(len(removed)))
	p.report()
	return event, nil
}

// flip persists a presence change and fans it out to live subscribers. The
// hub publish happens under the entry lock to keep flips of one user in
// order; the broker publish is left to announce.
func (p *presenceTracker) flip(ctx context.Context, userID string, presence models.Presence, now time.Time) (models.PresenceEvent, error) {
	user, err := p.users.SetPresence(ctx, userID, presence, now)
	if err != nil {
		return models.PresenceEvent{}, err
	}
	event := models.PresenceEvent{
		Type:         presenceEventType,
		UserID:       user.ID,
		Presence:     user.Presence,
		LastActiveAt: user.LastActiveAt,
	}
	if p.hub != nil {
		p.hub.Publish(hub.UsersTopic, event)
	}
	return event, nil
}

// announce forwards flips to the broker. Callers must not hold entry locks.
func (p *presenceTracker) announce(ctx context.Context, events ...*models.PresenceEvent) {
	for _, event := range events {
		if event != nil {
			observability.PublishDomainEvent(ctx, "presence.changed", *event)
		}
	}
}

// sweep drops sessions idle for longer than the ttl.
func (p *presenceTracker) sweep(ctx context.Context, now time.Time) int {
	dropped := 0
	var flips []*models.PresenceEvent
	p.entries.Range(func(key, value any) bool {
		userID := key.(string)
		e := value.(*presenceEntry)
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.closed {
			return true
		}
		before := len(e.sessions)
		event, err := p.dropLocked(ctx, e, userID, func(_ string, seen time.Time) bool {
			return now.Sub(seen) > p.ttl
		}, now)
		if err != nil {
			p.logger.Warn("presence expiry failed", zap.String("user_id", userID), zap.Error(err))
			return true
		}
		flips = append(flips, event)
		dropped += before - len(e.sessions)
		p.dropIfEmpty(userID, e)
		return true
	})
	p.announce(ctx, flips...)
	return dropped
}

func (p *presenceTracker) count(userID string) int {
	value, ok := p.entries.Load(userID)
	if !ok {
		return 0
	}
	e := value.(*presenceEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// dropIfEmpty forgets a user without sessions. e.mu must be held.
func (p *presenceTracker) dropIfEmpty(userID string, e *presenceEntry) {
	if len(e.sessions) == 0 && !e.closed {
		e.closed = true
		p.entries.CompareAndDelete(userID, e)
	}
}

func (p *presenceTracker) report() {
	observability.SetPresenceSessions(int(p.sessions.Load()))
}
