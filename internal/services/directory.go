package services

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"messaging-service/internal/config"
	"messaging-service/internal/conversation"
	"messaging-service/internal/errs"
	"messaging-service/internal/hub"
	"messaging-service/internal/models"
	"messaging-service/internal/repositories"
)

// avatarPrefix is the object storage folder holding profile images.
const avatarPrefix = "profileImages/"

// ObjectStore is the object storage collaborator.
type ObjectStore interface {
	Store(ctx context.Context, key string, content []byte) (string, error)
}

// DirectoryConfig tunes the identity directory.
type DirectoryConfig struct {
	Visibility    string
	PresenceTTL   time.Duration
	SweepInterval time.Duration
	// SessionRevoked, when set, refuses heartbeats of logged out sessions.
	SessionRevoked func(userID, sessionID string) bool
}

const logoutEventType = "logout"

// Directory maps users to their profile and presence.
type Directory struct {
	users    repositories.UserRepository
	objects  ObjectStore
	hub      *hub.Hub
	presence *presenceTracker
	validate *validator.Validate
	cfg      DirectoryConfig
	now      func() time.Time
	logger   *zap.Logger
}

// NewDirectory builds a Directory. objects may be nil when avatars are not
// supported.
func NewDirectory(users repositories.UserRepository, objects ObjectStore, h *hub.Hub, cfg DirectoryConfig, logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		users:    users,
		objects:  objects,
		hub:      h,
		presence: newPresenceTracker(users, h, cfg.PresenceTTL, cfg.SessionRevoked, logger),
		validate: newValidator(),
		cfg:      cfg,
		now:      time.Now,
		logger:   logger,
	}
}

// GetProfile returns userID's profile as viewerID may see it.
func (d *Directory) GetProfile(ctx context.Context, viewerID, userID string) (models.User, error) {
	id, err := conversation.NormalizeID(userID)
	if err != nil {
		return models.User{}, err
	}
	user, err := d.users.GetUser(ctx, id)
	if err != nil {
		return models.User{}, notFoundAs(err, "user not found")
	}
	return d.visible(viewerID, user), nil
}

// ListUsers returns every user but the viewer whose display name contains
// search, ignoring case.
func (d *Directory) ListUsers(ctx context.Context, viewerID, search string) ([]models.User, error) {
	users, err := d.users.ListUsers(ctx, viewerID, search)
	if err != nil {
		return nil, err
	}
	return lo.Map(users, func(u models.User, _ int) models.User {
		return d.visible(viewerID, u)
	}), nil
}

// UpdateProfile changes the owner-mutable fields of userID.
func (d *Directory) UpdateProfile(ctx context.Context, callerID, userID string, update models.ProfileUpdate) (models.User, error) {
	id, err := d.owner(callerID, userID)
	if err != nil {
		return models.User{}, err
	}
	update.AvatarRef = nil
	if update.DisplayName != nil {
		name := strings.TrimSpace(*update.DisplayName)
		if name == "" {
			return models.User{}, errs.New(errs.ErrInvalidArgument, "display name must not be empty")
		}
		update.DisplayName = &name
	}
	if err := d.validate.Struct(update); err != nil {
		return models.User{}, validationError(err)
	}
	if update.Empty() {
		return d.users.GetUser(ctx, id)
	}
	user, err := d.users.UpdateProfile(ctx, id, update)
	if err != nil {
		return models.User{}, notFoundAs(err, "user not found")
	}
	return user, nil
}

// SetAvatar stores an image through object storage and records its URL on
// the profile of userID.
func (d *Directory) SetAvatar(ctx context.Context, callerID, userID string, content []byte) (models.User, error) {
	id, err := d.owner(callerID, userID)
	if err != nil {
		return models.User{}, err
	}
	if d.objects == nil {
		return models.User{}, errs.New(errs.ErrUnavailable, "object storage is not configured")
	}
	if len(content) == 0 {
		return models.User{}, errs.New(errs.ErrInvalidArgument, "avatar is empty")
	}
	mtype := mimetype.Detect(content)
	if !strings.HasPrefix(mtype.String(), "image/") {
		return models.User{}, errs.New(errs.ErrInvalidArgument, "avatar must be an image")
	}

	url, err := d.objects.Store(ctx, avatarPrefix+id+mtype.Extension(), content)
	if err != nil {
		return models.User{}, err
	}
	user, err := d.users.UpdateProfile(ctx, id, models.ProfileUpdate{AvatarRef: &url})
	if err != nil {
		return models.User{}, notFoundAs(err, "user not found")
	}
	return user, nil
}

// SetPresence records a session of userID going online or offline. It is
// idempotent; persisted presence only changes with the first or last session.
func (d *Directory) SetPresence(ctx context.Context, userID, sessionID string, state models.Presence) error {
	id, err := conversation.NormalizeID(userID)
	if err != nil {
		return err
	}
	if sessionID == "" {
		return errs.New(errs.ErrInvalidArgument, "session id is required")
	}
	switch state {
	case models.PresenceOnline:
		return d.presence.touch(ctx, id, sessionID, d.now())
	case models.PresenceOffline:
		return d.presence.drop(ctx, id, sessionID, d.now())
	default:
		return errs.New(errs.ErrInvalidArgument, fmt.Sprintf("unknown presence %q", state))
	}
}

// Heartbeat keeps a session alive, registering it again after expiry.
func (d *Directory) Heartbeat(ctx context.Context, userID, sessionID string) error {
	return d.SetPresence(ctx, userID, sessionID, models.PresenceOnline)
}

// Logout ends every session of userID and tells the user's live
// connections to close.
func (d *Directory) Logout(ctx context.Context, userID string) error {
	id, err := conversation.NormalizeID(userID)
	if err != nil {
		return err
	}
	err = d.presence.drop(ctx, id, "", d.now())
	if d.hub != nil {
		d.hub.Publish(hub.UserTopic(id), models.SessionEvent{Type: logoutEventType, UserID: id})
	}
	return err
}

// WatchSessions subscribes to the session lifecycle of userID. Any event
// means the connection must end.
func (d *Directory) WatchSessions(userID string, info hub.ConnInfo) (*hub.Subscription, error) {
	id, err := conversation.NormalizeID(userID)
	if err != nil {
		return nil, err
	}
	if d.hub == nil {
		return nil, errs.New(errs.ErrUnavailable, "subscriptions are not available")
	}
	return d.hub.Subscribe(hub.UserTopic(id), info), nil
}

// WatchPresence subscribes to the presence changes of every user.
func (d *Directory) WatchPresence(info hub.ConnInfo) (*hub.Subscription, error) {
	if d.hub == nil {
		return nil, errs.New(errs.ErrUnavailable, "subscriptions are not available")
	}
	return d.hub.Subscribe(hub.UsersTopic, info), nil
}

// Sessions returns the number of live sessions of userID.
func (d *Directory) Sessions(userID string) int {
	return d.presence.count(userID)
}

// ResetPresence marks everybody offline; no session survives a restart.
func (d *Directory) ResetPresence(ctx context.Context) error {
	return d.users.ResetPresence(ctx, d.now())
}

// Run expires idle sessions until ctx is done.
func (d *Directory) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := d.presence.sweep(ctx, d.now()); n > 0 {
				d.logger.Debug("presence sessions expired", zap.Int("count", n))
			}
		}
	}
}

func (d *Directory) owner(callerID, userID string) (string, error) {
	id, err := conversation.NormalizeID(userID)
	if err != nil {
		return "", err
	}
	caller, err := conversation.NormalizeID(callerID)
	if err != nil || caller != id {
		return "", errs.New(errs.ErrPermissionDenied, "only the owner can change this profile")
	}
	return id, nil
}

func (d *Directory) visible(viewerID string, user models.User) models.User {
	if d.cfg.Visibility == config.VisibilityRestricted && user.ID != viewerID {
		return user.Restricted()
	}
	return user
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	return v
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		field := fe.Field()
		switch fe.Tag() {
		case "min":
			return errs.New(errs.ErrInvalidArgument, fmt.Sprintf("%s must be at least %s characters", field, fe.Param()))
		case "max":
			return errs.New(errs.ErrInvalidArgument, fmt.Sprintf("%s must be at most %s characters", field, fe.Param()))
		}
		return errs.New(errs.ErrInvalidArgument, fmt.Sprintf("%s is invalid", field))
	}
	return errs.Wrap(errs.ErrInvalidArgument, "invalid profile", err)
}

func notFoundAs(err error, msg string) error {
	if errors.Is(err, errs.ErrNotFound) {
		return errs.Wrap(errs.ErrNotFound, msg, err)
	}
	return err
}
