package models

// Credential is what the authentication collaborator stores per user.
type Credential struct {
	UserID       string `db:"user_id"`
	Email        string `db:"email"`
	PasswordHash []byte `db:"password_hash"`
}
