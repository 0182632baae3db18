// Package conversation maps unordered pairs of user ids onto stable
// conversation ids.
package conversation

import (
	"net/url"
	"strings"

	"github.com/google/uuid"

	"messaging-service/internal/errs"
)

// separator never occurs in a canonical UUID string.
const separator = "_"

// NormalizeID returns the canonical form of a user id.
func NormalizeID(id string) (string, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil || parsed == uuid.Nil {
		return "", errs.New(errs.ErrInvalidArgument, "invalid user id")
	}
	return parsed.String(), nil
}

// Resolve returns the conversation id of the pair (a, b). It is symmetric and
// distinct pairs never share an id.
func Resolve(a, b string) (string, error) {
	na, err := NormalizeID(a)
	if err != nil {
		return "", err
	}
	nb, err := NormalizeID(b)
	if err != nil {
		return "", err
	}
	if na == nb {
		return "", errs.New(errs.ErrInvalidArgument, "a conversation needs two distinct users")
	}
	if nb < na {
		na, nb = nb, na
	}
	return na + separator + nb, nil
}

// Participants splits a conversation id back into its two user ids.
func Participants(conversationID string) (string, string, error) {
	a, b, ok := strings.Cut(conversationID, separator)
	if !ok {
		return "", "", errs.New(errs.ErrInvalidArgument, "malformed conversation id")
	}
	id, err := Resolve(a, b)
	if err != nil || id != conversationID {
		return "", "", errs.New(errs.ErrInvalidArgument, "malformed conversation id")
	}
	return a, b, nil
}

// IsParticipant reports whether userID is one side of conversationID.
func IsParticipant(conversationID, userID string) bool {
	a, b, err := Participants(conversationID)
	if err != nil {
		return false
	}
	return userID == a || userID == b
}

// Peer returns the other participant of conversationID.
func Peer(conversationID, userID string) (string, error) {
	a, b, err := Participants(conversationID)
	if err != nil {
		return "", err
	}
	switch userID {
	case a:
		return b, nil
	case b:
		return a, nil
	}
	return "", errs.New(errs.ErrPermissionDenied, "not a participant of this conversation")
}

// RoomURL builds the video room link for a conversation.
func RoomURL(base, conversationID string) string {
	return strings.TrimRight(base, "/") + "/" + url.PathEscape(conversationID)
}
