package models

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// MessageStatus is the delivery lifecycle stage of a message.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusSeen      MessageStatus = "seen"
)

var statusRanks = map[MessageStatus]int16{
	StatusSent:      0,
	StatusDelivered: 1,
	StatusSeen:      2,
}

// Rank orders statuses; transitions only ever move to a higher rank.
func (s MessageStatus) Rank() int16 {
	if r, ok := statusRanks[s]; ok {
		return r
	}
	return -1
}

// Valid reports whether s is a known status.
func (s MessageStatus) Valid() bool { return s.Rank() >= 0 }

// StatusFromRank is the inverse of Rank.
func StatusFromRank(rank int16) (MessageStatus, error) {
	for s, r := range statusRanks {
		if r == rank {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown message status rank %d", rank)
}

// Value stores the rank so that SQL can compare statuses.
func (s MessageStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("unknown message status %q", string(s))
	}
	return int64(s.Rank()), nil
}

// Scan reads a rank written by Value.
func (s *MessageStatus) Scan(src any) error {
	var rank int64
	switch v := src.(type) {
	case int64:
		rank = v
	case int32:
		rank = int64(v)
	case []byte:
		if _, err := fmt.Sscan(string(v), &rank); err != nil {
			return err
		}
	default:
		return fmt.Errorf("cannot scan %T into MessageStatus", src)
	}
	status, err := StatusFromRank(int16(rank))
	if err != nil {
		return err
	}
	*s = status
	return nil
}

// Message is one entry of a conversation log.
type Message struct {
	ID             string        `db:"id" json:"id"`
	ConversationID string        `db:"conversation_id" json:"conversation_id"`
	SenderID       string        `db:"sender_id" json:"sender_id"`
	Text           string        `db:"text" json:"text"`
	Seq            int64         `db:"seq" json:"seq"`
	Revision       int64         `db:"revision" json:"revision"`
	Status         MessageStatus `db:"status" json:"status"`
	Deleted        bool          `db:"deleted" json:"-"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at" json:"updated_at"`
}

// Unread reports whether m counts as unread for viewerID.
func (m Message) Unread(viewerID string) bool {
	return !m.Deleted && m.SenderID != viewerID && m.Status != StatusSeen
}

const (
	EventHistory = "history"
	EventMessage = "message"
	EventUpdated = "updated"
	EventDeleted = "deleted"
)

// ChatEvent is delivered on message streams.
type ChatEvent struct {
	Type      string    `json:"type"`
	Revision  int64     `json:"revision"`
	Message   *Message  `json:"message,omitempty"`
	Messages  []Message `json:"messages,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
}
