package models

import "time"

// Conversation is the implicit record behind a pair of participants.
type Conversation struct {
	ID            string    `db:"id" json:"id"`
	UserA         string    `db:"user_a" json:"user_a"`
	UserB         string    `db:"user_b" json:"user_b"`
	Revision      int64     `db:"revision" json:"revision"`
	LastCreatedAt time.Time `db:"last_created_at" json:"last_created_at"`
}

// ConversationSummary is one sidebar row for a viewer.
type ConversationSummary struct {
	ConversationID string   `json:"conversation_id"`
	PeerID         string   `json:"peer_id"`
	LastMessage    *Message `json:"last_message,omitempty"`
	Unread         int      `json:"unread"`
}

// TypingEvent is a snapshot of the remote participants' typing flags.
type TypingEvent struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id"`
	Typing         map[string]bool `json:"typing"`
}
