package models

import "time"

// Presence is a user's connectivity state.
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceOffline Presence = "offline"
)

// Valid reports whether p is a known state.
func (p Presence) Valid() bool {
	return p == PresenceOnline || p == PresenceOffline
}

// User is a profile plus its presence.
type User struct {
	ID           string    `db:"id" json:"id"`
	Email        string    `db:"email" json:"email,omitempty"`
	DisplayName  string    `db:"display_name" json:"display_name"`
	Bio          string    `db:"bio" json:"bio,omitempty"`
	AvatarRef    string    `db:"avatar_ref" json:"avatar_ref,omitempty"`
	Presence     Presence  `db:"presence" json:"presence"`
	LastActiveAt time.Time `db:"last_active_at" json:"last_active_at"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Restricted strips the fields hidden from other users when profile
// visibility is restricted.
func (u User) Restricted() User {
	u.Email = ""
	u.Bio = ""
	return u
}

// ProfileUpdate holds the owner-mutable profile fields. Nil leaves a field as is.
type ProfileUpdate struct {
	DisplayName *string `json:"display_name" validate:"omitempty,min=1,max=64"`
	Bio         *string `json:"bio" validate:"omitempty,max=280"`
	AvatarRef   *string `json:"-"`
}

// Empty reports whether u changes nothing.
func (u ProfileUpdate) Empty() bool {
	return u.DisplayName == nil && u.Bio == nil && u.AvatarRef == nil
}

// PresenceEvent is pushed to every presence subscriber.
type PresenceEvent struct {
	Type         string    `json:"type"`
	UserID       string    `json:"user_id"`
	Presence     Presence  `json:"presence"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// SessionEvent tells a user's live connections that their sessions ended.
type SessionEvent struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}
