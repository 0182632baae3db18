package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"messaging-service/internal/conversation"
	"messaging-service/internal/errs"
	"messaging-service/internal/models"
)

type conversationRecord struct {
	UserA         string    `json:"user_a"`
	UserB         string    `json:"user_b"`
	Revision      int64     `json:"revision"`
	LastCreatedAt time.Time `json:"last_created_at"`
}

type messageRecord struct {
	ID             string               `json:"id"`
	ConversationID string               `json:"conversation_id"`
	SenderID       string               `json:"sender_id"`
	Text           string               `json:"text"`
	Seq            int64                `json:"seq"`
	Revision       int64                `json:"revision"`
	Status         models.MessageStatus `json:"status"`
	Deleted        bool                 `json:"deleted"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

func (m messageRecord) model() models.Message {
	return models.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Text:           m.Text,
		Seq:            m.Seq,
		Revision:       m.Revision,
		Status:         m.Status,
		Deleted:        m.Deleted,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

var errConversationNotFound = errs.New(errs.ErrNotFound, "conversation not found")

// BadgerMessageRepo implements MessageRepository on an embedded badger
// database. Messages are keyed by zero padded sequence so that a prefix scan
// yields creation order.
type BadgerMessageRepo struct {
	db *badger.DB
}

// NewBadgerMessageRepo constructs a BadgerMessageRepo.
func NewBadgerMessageRepo(db *badger.DB) *BadgerMessageRepo {
	return &BadgerMessageRepo{db: db}
}

func (r *BadgerMessageRepo) Append(ctx context.Context, conversationID string, senderID string, text string, now time.Time) (models.Message, error) {
	userA, userB, err := conversation.Participants(conversationID)
	if err != nil {
		return models.Message{}, err
	}

	var msg messageRecord
	err = update(r.db, func(txn *badger.Txn) error {
		var conv conversationRecord
		err := getJSON(txn, metaKey(conversationID), &conv)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			conv = conversationRecord{UserA: userA, UserB: userB}
			for _, member := range []string{userA, userB} {
				if err := txn.Set(memberKey(member, conversationID), nil); err != nil {
					return err
				}
			}
		case err != nil:
			return err
		}

		conv.Revision++
		created := nextCreatedAt(now, conv.LastCreatedAt)
		conv.LastCreatedAt = created
		msg = messageRecord{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			SenderID:       senderID,
			Text:           text,
			Seq:            conv.Revision,
			Revision:       conv.Revision,
			Status:         models.StatusSent,
			CreatedAt:      created,
			UpdatedAt:      created,
		}
		if err := setJSON(txn, metaKey(conversationID), conv); err != nil {
			return err
		}
		if err := setJSON(txn, messageKey(conversationID, msg.Seq), msg); err != nil {
			return err
		}
		return txn.Set(messageIDKey(conversationID, msg.ID), []byte(strconv.FormatInt(msg.Seq, 10)))
	})
	if err != nil {
		return models.Message{}, badgerError(err)
	}
	return msg.model(), nil
}

func (r *BadgerMessageRepo) Get(ctx context.Context, conversationID string, messageID string) (models.Message, error) {
	var rec messageRecord
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = loadMessage(txn, conversationID, messageID)
		return err
	})
	if err != nil {
		return models.Message{}, badgerError(err)
	}
	return rec.model(), nil
}

func (r *BadgerMessageRepo) List(ctx context.Context, conversationID string) ([]models.Message, int64, error) {
	msgs, revision, err := r.read(conversationID, func(m messageRecord) bool { return !m.Deleted })
	if err != nil {
		return nil, 0, err
	}
	return msgs, revision, nil
}

func (r *BadgerMessageRepo) Changes(ctx context.Context, conversationID string, since int64) ([]models.Message, int64, error) {
	msgs, revision, err := r.read(conversationID, func(m messageRecord) bool { return m.Revision > since })
	if err != nil {
		return nil, 0, err
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Revision < msgs[j].Revision })
	return msgs, revision, nil
}

// read returns the messages accepted by keep in creation order together with
// the revision they were read at.
func (r *BadgerMessageRepo) read(conversationID string, keep func(messageRecord) bool) ([]models.Message, int64, error) {
	msgs := []models.Message{}
	var revision int64
	err := r.db.View(func(txn *badger.Txn) error {
		var conv conversationRecord
		if err := getJSON(txn, metaKey(conversationID), &conv); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		revision = conv.Revision
		return scanMessages(txn, conversationID, func(rec messageRecord) {
			if keep(rec) {
				msgs = append(msgs, rec.model())
			}
		})
	})
	if err != nil {
		return nil, 0, badgerError(err)
	}
	return msgs, revision, nil
}

func (r *BadgerMessageRepo) AdvanceStatus(ctx context.Context, conversationID string, messageID string, readerID string, to models.MessageStatus, now time.Time) (models.Message, bool, error) {
	msg, err := r.mutate(conversationID, messageID, func(rec *messageRecord) error {
		if rec.SenderID == readerID || rec.Status.Rank() >= to.Rank() {
			return errNoChange
		}
		rec.Status = to
		rec.UpdatedAt = now.UTC()
		return nil
	})
	if errors.Is(err, errNoChange) {
		return msg, false, nil
	}
	if err != nil {
		return models.Message{}, false, err
	}
	return msg, true, nil
}

func (r *BadgerMessageRepo) AdvanceAll(ctx context.Context, conversationID string, readerID string, to models.MessageStatus, now time.Time) ([]models.Message, error) {
	var changed []models.Message
	err := update(r.db, func(txn *badger.Txn) error {
		changed = nil
		var conv conversationRecord
		if err := getJSON(txn, metaKey(conversationID), &conv); err != nil {
			return err
		}
		var pending []messageRecord
		err := scanMessages(txn, conversationID, func(rec messageRecord) {
			if !rec.Deleted && rec.SenderID != readerID && rec.Status.Rank() < to.Rank() {
				pending = append(pending, rec)
			}
		})
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return errNoChange
		}

		conv.Revision++
		for _, rec := range pending {
			rec.Status = to
			rec.Revision = conv.Revision
			rec.UpdatedAt = now.UTC()
			if err := setJSON(txn, messageKey(conversationID, rec.Seq), rec); err != nil {
				return err
			}
			changed = append(changed, rec.model())
		}
		return setJSON(txn, metaKey(conversationID), conv)
	})
	if errors.Is(err, errNoChange) || errors.Is(err, badger.ErrKeyNotFound) {
		return []models.Message{}, nil
	}
	if err != nil {
		return nil, badgerError(err)
	}
	return changed, nil
}

func (r *BadgerMessageRepo) UpdateText(ctx context.Context, conversationID string, messageID string, senderID string, text string, now time.Time) (models.Message, error) {
	return r.mutate(conversationID, messageID, func(rec *messageRecord) error {
		if rec.SenderID != senderID {
			return errs.New(errs.ErrPermissionDenied, "only the sender can change this message")
		}
		rec.Text = text
		rec.UpdatedAt = now.UTC()
		return nil
	})
}

func (r *BadgerMessageRepo) Delete(ctx context.Context, conversationID string, messageID string, senderID string, now time.Time) (models.Message, error) {
	return r.mutate(conversationID, messageID, func(rec *messageRecord) error {
		if rec.SenderID != senderID {
			return errs.New(errs.ErrPermissionDenied, "only the sender can change this message")
		}
		rec.Deleted = true
		rec.Text = ""
		rec.UpdatedAt = now.UTC()
		return nil
	})
}

// mutate applies fn to a live message under a new revision. When fn returns
// an error nothing is written; errNoChange is returned with the current state.
func (r *BadgerMessageRepo) mutate(conversationID, messageID string, fn func(rec *messageRecord) error) (models.Message, error) {
	var out models.Message
	err := update(r.db, func(txn *badger.Txn) error {
		var conv conversationRecord
		if err := getJSON(txn, metaKey(conversationID), &conv); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return errConversationNotFound
			}
			return err
		}
		rec, err := loadMessage(txn, conversationID, messageID)
		if err != nil {
			return err
		}
		if err := fn(&rec); err != nil {
			out = rec.model()
			return err
		}
		conv.Revision++
		rec.Revision = conv.Revision
		if err := setJSON(txn, metaKey(conversationID), conv); err != nil {
			return err
		}
		if err := setJSON(txn, messageKey(conversationID, rec.Seq), rec); err != nil {
			return err
		}
		out = rec.model()
		return nil
	})
	if errors.Is(err, errNoChange) {
		return out, errNoChange
	}
	if err != nil {
		return models.Message{}, badgerError(err)
	}
	return out, nil
}

func (r *BadgerMessageRepo) CountUnread(ctx context.Context, conversationID string, viewerID string) (int, error) {
	count := 0
	err := r.db.View(func(txn *badger.Txn) error {
		return scanMessages(txn, conversationID, func(rec messageRecord) {
			if rec.model().Unread(viewerID) {
				count++
			}
		})
	})
	if err != nil {
		return 0, badgerError(err)
	}
	return count, nil
}

func (r *BadgerMessageRepo) Conversations(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	summaries := []models.ConversationSummary{}
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := memberPrefix(userID)
		var ids []string
		err := scan(txn, prefix, func(item *badger.Item) error {
			ids = append(ids, strings.TrimPrefix(string(item.Key()), string(prefix)))
			return nil
		})
		if err != nil {
			return err
		}
		for _, id := range ids {
			peer, err := conversation.Peer(id, userID)
			if err != nil {
				return err
			}
			summary := models.ConversationSummary{ConversationID: id, PeerID: peer}
			err = scanMessages(txn, id, func(rec messageRecord) {
				if rec.Deleted {
					return
				}
				m := rec.model()
				summary.LastMessage = &m
				if m.Unread(userID) {
					summary.Unread++
				}
			})
			if err != nil {
				return err
			}
			summaries = append(summaries, summary)
		}
		return nil
	})
	if err != nil {
		return nil, badgerError(err)
	}
	sortSummaries(summaries)
	return summaries, nil
}

func loadMessage(txn *badger.Txn, conversationID, messageID string) (messageRecord, error) {
	raw, err := getString(txn, messageIDKey(conversationID, messageID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return messageRecord{}, errMessageNotFound
	}
	if err != nil {
		return messageRecord{}, err
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return messageRecord{}, err
	}
	var rec messageRecord
	if err := getJSON(txn, messageKey(conversationID, seq), &rec); err != nil {
		return messageRecord{}, err
	}
	if rec.Deleted {
		return messageRecord{}, errMessageNotFound
	}
	return rec, nil
}

func scanMessages(txn *badger.Txn, conversationID string, fn func(rec messageRecord)) error {
	return scan(txn, messagePrefix(conversationID), func(item *badger.Item) error {
		var rec messageRecord
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); err != nil {
			return err
		}
		fn(rec)
		return nil
	})
}
