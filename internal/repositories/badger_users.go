package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"messaging-service/internal/errs"
	"messaging-service/internal/models"
)

type userRecord struct {
	User         models.User `json:"user"`
	PasswordHash []byte      `json:"password_hash"`
}

// BadgerUserRepo implements UserRepository and CredentialRepository on an
// embedded badger database.
type BadgerUserRepo struct {
	db *badger.DB
}

// NewBadgerUserRepo constructs a BadgerUserRepo.
func NewBadgerUserRepo(db *badger.DB) *BadgerUserRepo {
	return &BadgerUserRepo{db: db}
}

func (r *BadgerUserRepo) Register(ctx context.Context, user models.User, passwordHash []byte) (models.User, error) {
	user.Presence = models.PresenceOffline
	user.LastActiveAt = user.CreatedAt
	err := update(r.db, func(txn *badger.Txn) error {
		if _, err := txn.Get(emailKey(user.Email)); err == nil {
			return errs.New(errs.ErrInvalidArgument, "email already registered")
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(emailKey(user.Email), []byte(user.ID)); err != nil {
			return err
		}
		return setJSON(txn, userKey(user.ID), userRecord{User: user, PasswordHash: passwordHash})
	})
	if err != nil {
		return models.User{}, badgerError(err)
	}
	return user, nil
}

func (r *BadgerUserRepo) Credentials(ctx context.Context, email string) (models.Credential, error) {
	var rec userRecord
	err := r.db.View(func(txn *badger.Txn) error {
		id, err := getString(txn, emailKey(email))
		if err != nil {
			return err
		}
		return getJSON(txn, userKey(id), &rec)
	})
	if err != nil {
		return models.Credential{}, badgerError(err)
	}
	return models.Credential{UserID: rec.User.ID, Email: rec.User.Email, PasswordHash: rec.PasswordHash}, nil
}

func (r *BadgerUserRepo) GetUser(ctx context.Context, userID string) (models.User, error) {
	var rec userRecord
	err := r.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, userKey(userID), &rec)
	})
	if err != nil {
		return models.User{}, badgerError(err)
	}
	return rec.User, nil
}

func (r *BadgerUserRepo) ListUsers(ctx context.Context, excludeID string, search string) ([]models.User, error) {
	needle := strings.ToLower(strings.TrimSpace(search))
	users := []models.User{}
	err := r.db.View(func(txn *badger.Txn) error {
		return scan(txn, []byte("user/"), func(item *badger.Item) error {
			var rec userRecord
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); err != nil {
				return err
			}
			if rec.User.ID == excludeID {
				return nil
			}
			if needle != "" && !strings.Contains(strings.ToLower(rec.User.DisplayName), needle) {
				return nil
			}
			users = append(users, rec.User)
			return nil
		})
	})
	if err != nil {
		return nil, badgerError(err)
	}
	sort.Slice(users, func(i, j int) bool {
		a, b := strings.ToLower(users[i].DisplayName), strings.ToLower(users[j].DisplayName)
		if a != b {
			return a < b
		}
		return users[i].ID < users[j].ID
	})
	return users, nil
}

func (r *BadgerUserRepo) UpdateProfile(ctx context.Context, userID string, upd models.ProfileUpdate) (models.User, error) {
	return r.mutate(userID, func(u *models.User) {
		if upd.DisplayName != nil {
			u.DisplayName = *upd.DisplayName
		}
		if upd.Bio != nil {
			u.Bio = *upd.Bio
		}
		if upd.AvatarRef != nil {
			u.AvatarRef = *upd.AvatarRef
		}
	})
}

func (r *BadgerUserRepo) SetPresence(ctx context.Context, userID string, presence models.Presence, at time.Time) (models.User, error) {
	return r.mutate(userID, func(u *models.User) {
		u.Presence = presence
		u.LastActiveAt = at
	})
}

func (r *BadgerUserRepo) ResetPresence(ctx context.Context, at time.Time) error {
	var online []string
	err := r.db.View(func(txn *badger.Txn) error {
		return scan(txn, []byte("user/"), func(item *badger.Item) error {
			var rec userRecord
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); err != nil {
				return err
			}
			if rec.User.Presence == models.PresenceOnline {
				online = append(online, rec.User.ID)
			}
			return nil
		})
	})
	if err != nil {
		return badgerError(err)
	}
	for _, id := range online {
		if _, err := r.SetPresence(ctx, id, models.PresenceOffline, at); err != nil {
			return err
		}
	}
	return nil
}

func (r *BadgerUserRepo) mutate(userID string, fn func(u *models.User)) (models.User, error) {
	var rec userRecord
	err := update(r.db, func(txn *badger.Txn) error {
		rec = userRecord{}
		if err := getJSON(txn, userKey(userID), &rec); err != nil {
			return err
		}
		fn(&rec.User)
		return setJSON(txn, userKey(userID), rec)
	})
	if err != nil {
		return models.User{}, badgerError(err)
	}
	return rec.User, nil
}
