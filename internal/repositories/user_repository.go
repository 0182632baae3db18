package repositories

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"messaging-service/internal/errs"
	"messaging-service/internal/models"
)

// UserRepository persists profiles and persisted presence.
type UserRepository interface {
	GetUser(ctx context.Context, userID string) (models.User, error)
	ListUsers(ctx context.Context, excludeID string, search string) ([]models.User, error)
	UpdateProfile(ctx context.Context, userID string, update models.ProfileUpdate) (models.User, error)
	SetPresence(ctx context.Context, userID string, presence models.Presence, at time.Time) (models.User, error)
	ResetPresence(ctx context.Context, at time.Time) error
}

// CredentialRepository persists what the authentication collaborator needs.
type CredentialRepository interface {
	Register(ctx context.Context, user models.User, passwordHash []byte) (models.User, error)
	Credentials(ctx context.Context, email string) (models.Credential, error)
}

const userColumns = `id, email, display_name, bio, avatar_ref, presence, last_active_at, created_at`

// UserRepo is a sqlx implementation of UserRepository and CredentialRepository.
type UserRepo struct {
	db *sqlx.DB
}

// NewUserRepo constructs a UserRepo.
func NewUserRepo(db *sqlx.DB) *UserRepo {
	return &UserRepo{db: db}
}

// Register creates the profile and its credential atomically.
func (r *UserRepo) Register(ctx context.Context, user models.User, passwordHash []byte) (models.User, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.User{}, pgError(err)
	}
	defer tx.Rollback()

	var created models.User
	err = tx.GetContext(ctx, &created, `INSERT INTO users (id, email, display_name, presence, last_active_at, created_at)
        VALUES ($1, $2, $3, $4, $5, $5) RETURNING `+userColumns,
		user.ID, user.Email, user.DisplayName, models.PresenceOffline, user.CreatedAt)
	if err != nil {
		err = pgError(err)
		if errors.Is(err, errs.ErrInvalidArgument) {
			return models.User{}, errs.Wrap(errs.ErrInvalidArgument, "email already registered", err)
		}
		return models.User{}, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO credentials (user_id, password_hash) VALUES ($1, $2)`, created.ID, passwordHash); err != nil {
		return models.User{}, pgError(err)
	}
	if err := tx.Commit(); err != nil {
		return models.User{}, pgError(err)
	}
	return created, nil
}

// Credentials looks up the stored hash by email.
func (r *UserRepo) Credentials(ctx context.Context, email string) (models.Credential, error) {
	var cred models.Credential
	err := r.db.GetContext(ctx, &cred, `SELECT u.id AS user_id, u.email, c.password_hash
        FROM users u JOIN credentials c ON c.user_id = u.id
        WHERE u.email=$1`, email)
	if err != nil {
		return models.Credential{}, pgError(err)
	}
	return cred, nil
}

// GetUser fetches a profile by id.
func (r *UserRepo) GetUser(ctx context.Context, userID string) (models.User, error) {
	var user models.User
	err := r.db.GetContext(ctx, &user, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID)
	if err != nil {
		return models.User{}, pgError(err)
	}
	return user, nil
}

// ListUsers returns every user but excludeID whose display name contains search.
func (r *UserRepo) ListUsers(ctx context.Context, excludeID string, search string) ([]models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users
        WHERE id<>$1 AND ($2 = '' OR display_name ILIKE '%' || $2 || '%')
        ORDER BY lower(display_name), id`
	users := []models.User{}
	if err := r.db.SelectContext(ctx, &users, query, excludeID, escapeLike(strings.TrimSpace(search))); err != nil {
		return nil, pgError(err)
	}
	return users, nil
}

// UpdateProfile applies the non-nil fields of update.
func (r *UserRepo) UpdateProfile(ctx context.Context, userID string, update models.ProfileUpdate) (models.User, error) {
	var user models.User
	err := r.db.GetContext(ctx, &user, `UPDATE users SET
            display_name = COALESCE($2::text, display_name),
            bio = COALESCE($3::text, bio),
            avatar_ref = COALESCE($4::text, avatar_ref)
        WHERE id=$1 RETURNING `+userColumns,
		userID, update.DisplayName, update.Bio, update.AvatarRef)
	if err != nil {
		return models.User{}, pgError(err)
	}
	return user, nil
}

// SetPresence stores a presence flip.
func (r *UserRepo) SetPresence(ctx context.Context, userID string, presence models.Presence, at time.Time) (models.User, error) {
	var user models.User
	err := r.db.GetContext(ctx, &user, `UPDATE users SET presence=$2, last_active_at=$3 WHERE id=$1 RETURNING `+userColumns,
		userID, presence, at)
	if err != nil {
		return models.User{}, pgError(err)
	}
	return user, nil
}

// ResetPresence marks every user offline.
func (r *UserRepo) ResetPresence(ctx context.Context, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE users SET presence=$1, last_active_at=$2 WHERE presence=$3`,
		models.PresenceOffline, at, models.PresenceOnline)
	return pgError(err)
}
