package repositories

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"messaging-service/internal/conversation"
	"messaging-service/internal/errs"
	"messaging-service/internal/models"
)

// MessageRepository is the ordered per-conversation log with mutable delivery
// status. Every mutation advances the conversation revision; a request that
// changes nothing leaves it untouched.
type MessageRepository interface {
	Append(ctx context.Context, conversationID string, senderID string, text string, now time.Time) (models.Message, error)
	Get(ctx context.Context, conversationID string, messageID string) (models.Message, error)
	// List returns live messages in creation order and the current revision.
	List(ctx context.Context, conversationID string) ([]models.Message, int64, error)
	// Changes returns every message, tombstones included, whose revision is
	// above since, ordered by revision.
	Changes(ctx context.Context, conversationID string, since int64) ([]models.Message, int64, error)
	// AdvanceStatus moves one message forward; changed is false when the
	// reader is the sender or the message is already at or past to.
	AdvanceStatus(ctx context.Context, conversationID string, messageID string, readerID string, to models.MessageStatus, now time.Time) (msg models.Message, changed bool, err error)
	// AdvanceAll moves every message not sent by readerID forward and returns
	// the ones that changed.
	AdvanceAll(ctx context.Context, conversationID string, readerID string, to models.MessageStatus, now time.Time) ([]models.Message, error)
	UpdateText(ctx context.Context, conversationID string, messageID string, senderID string, text string, now time.Time) (models.Message, error)
	Delete(ctx context.Context, conversationID string, messageID string, senderID string, now time.Time) (models.Message, error)
	CountUnread(ctx context.Context, conversationID string, viewerID string) (int, error)
	Conversations(ctx context.Context, userID string) ([]models.ConversationSummary, error)
}

var errMessageNotFound = errs.New(errs.ErrNotFound, "message not found")

const messageColumns = `id, conversation_id, sender_id, text, seq, revision, status, deleted, created_at, updated_at`

// MessageRepo is a sqlx-backed repository. The conversation row doubles as
// the per-conversation lock and revision counter.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// Append stores a message at the tail of its conversation, creating the
// conversation on first use.
func (r *MessageRepo) Append(ctx context.Context, conversationID string, senderID string, text string, now time.Time) (models.Message, error) {
	userA, userB, err := conversation.Participants(conversationID)
	if err != nil {
		return models.Message{}, err
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, pgError(err)
	}
	defer tx.Rollback()

	var conv struct {
		Revision      int64        `db:"revision"`
		LastCreatedAt sql.NullTime `db:"last_created_at"`
	}
	err = tx.QueryRowxContext(ctx, `INSERT INTO conversations (id, user_a, user_b, revision) VALUES ($1, $2, $3, 1)
        ON CONFLICT (id) DO UPDATE SET revision = conversations.revision + 1
        RETURNING revision, last_created_at`, conversationID, userA, userB).StructScan(&conv)
	if err != nil {
		return models.Message{}, pgError(err)
	}

	created := nextCreatedAt(now, conv.LastCreatedAt.Time)
	msg := models.Message{
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
	if _, err := tx.NamedExecContext(ctx, `INSERT INTO messages (`+messageColumns+`)
        VALUES (:id, :conversation_id, :sender_id, :text, :seq, :revision, :status, :deleted, :created_at, :updated_at)`, msg); err != nil {
		return models.Message{}, pgError(err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET last_created_at=$2 WHERE id=$1`, conversationID, created); err != nil {
		return models.Message{}, pgError(err)
	}
	if err := tx.Commit(); err != nil {
		return models.Message{}, pgError(err)
	}
	return msg, nil
}

// Get retrieves a live message.
func (r *MessageRepo) Get(ctx context.Context, conversationID string, messageID string) (models.Message, error) {
	if _, err := uuid.Parse(messageID); err != nil {
		return models.Message{}, errMessageNotFound
	}
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE conversation_id=$1 AND id=$2 AND deleted=FALSE`, conversationID, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, errMessageNotFound
	}
	if err != nil {
		return models.Message{}, pgError(err)
	}
	return msg, nil
}

// List returns the live history of a conversation.
func (r *MessageRepo) List(ctx context.Context, conversationID string) ([]models.Message, int64, error) {
	return r.read(ctx, conversationID, `SELECT `+messageColumns+` FROM messages
        WHERE conversation_id=$1 AND deleted=FALSE ORDER BY seq ASC`, conversationID)
}

// Changes returns what happened after since.
func (r *MessageRepo) Changes(ctx context.Context, conversationID string, since int64) ([]models.Message, int64, error) {
	return r.read(ctx, conversationID, `SELECT `+messageColumns+` FROM messages
        WHERE conversation_id=$1 AND revision>$2 ORDER BY revision ASC, seq ASC`, conversationID, since)
}

// read runs a message query and the revision lookup against one snapshot.
func (r *MessageRepo) read(ctx context.Context, conversationID string, query string, args ...any) ([]models.Message, int64, error) {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, 0, pgError(err)
	}
	defer tx.Rollback()

	var revision int64
	err = tx.GetContext(ctx, &revision, `SELECT revision FROM conversations WHERE id=$1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return []models.Message{}, 0, nil
	}
	if err != nil {
		return nil, 0, pgError(err)
	}

	msgs := []models.Message{}
	if err := tx.SelectContext(ctx, &msgs, query, args...); err != nil {
		return nil, 0, pgError(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, 0, pgError(err)
	}
	return msgs, revision, nil
}

// AdvanceStatus moves a single message to status to when allowed.
func (r *MessageRepo) AdvanceStatus(ctx context.Context, conversationID string, messageID string, readerID string, to models.MessageStatus, now time.Time) (models.Message, bool, error) {
	if _, err := uuid.Parse(messageID); err != nil {
		return models.Message{}, false, errMessageNotFound
	}
	tx, revision, err := r.begin(ctx, conversationID)
	if err != nil {
		return models.Message{}, false, err
	}
	defer tx.Rollback()

	msg, err := lockMessage(ctx, tx, conversationID, messageID)
	if err != nil {
		return models.Message{}, false, err
	}
	if msg.SenderID == readerID || msg.Status.Rank() >= to.Rank() {
		return msg, false, nil
	}

	err = tx.GetContext(ctx, &msg, `UPDATE messages SET status=$3, revision=$4, updated_at=$5
        WHERE conversation_id=$1 AND id=$2 RETURNING `+messageColumns,
		conversationID, messageID, to, revision, now.UTC())
	if err != nil {
		return models.Message{}, false, pgError(err)
	}
	if err := tx.Commit(); err != nil {
		return models.Message{}, false, pgError(err)
	}
	return msg, true, nil
}

// AdvanceAll moves every peer message below to up to it.
func (r *MessageRepo) AdvanceAll(ctx context.Context, conversationID string, readerID string, to models.MessageStatus, now time.Time) ([]models.Message, error) {
	tx, revision, err := r.begin(ctx, conversationID)
	if errors.Is(err, errs.ErrNotFound) {
		return []models.Message{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	msgs := []models.Message{}
	err = tx.SelectContext(ctx, &msgs, `UPDATE messages SET status=$3, revision=$4, updated_at=$5
        WHERE conversation_id=$1 AND sender_id<>$2 AND deleted=FALSE AND status<$3
        RETURNING `+messageColumns, conversationID, readerID, to, revision, now.UTC())
	if err != nil {
		return nil, pgError(err)
	}
	if len(msgs) == 0 {
		return msgs, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, pgError(err)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Seq < msgs[j].Seq })
	return msgs, nil
}

// UpdateText replaces the text of a message owned by senderID.
func (r *MessageRepo) UpdateText(ctx context.Context, conversationID string, messageID string, senderID string, text string, now time.Time) (models.Message, error) {
	return r.mutateOwned(ctx, conversationID, messageID, senderID, `UPDATE messages SET text=$3, revision=$4, updated_at=$5
        WHERE conversation_id=$1 AND id=$2 RETURNING `+messageColumns, text, now)
}

// Delete tombstones a message owned by senderID and drops its text.
func (r *MessageRepo) Delete(ctx context.Context, conversationID string, messageID string, senderID string, now time.Time) (models.Message, error) {
	return r.mutateOwned(ctx, conversationID, messageID, senderID, `UPDATE messages SET deleted=TRUE, text=$3, revision=$4, updated_at=$5
        WHERE conversation_id=$1 AND id=$2 RETURNING `+messageColumns, "", now)
}

func (r *MessageRepo) mutateOwned(ctx context.Context, conversationID, messageID, senderID, query, text string, now time.Time) (models.Message, error) {
	if _, err := uuid.Parse(messageID); err != nil {
		return models.Message{}, errMessageNotFound
	}
	tx, revision, err := r.begin(ctx, conversationID)
	if err != nil {
		return models.Message{}, err
	}
	defer tx.Rollback()

	msg, err := lockMessage(ctx, tx, conversationID, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if msg.SenderID != senderID {
		return models.Message{}, errs.New(errs.ErrPermissionDenied, "only the sender can change this message")
	}
	if err := tx.GetContext(ctx, &msg, query, conversationID, messageID, text, revision, now.UTC()); err != nil {
		return models.Message{}, pgError(err)
	}
	if err := tx.Commit(); err != nil {
		return models.Message{}, pgError(err)
	}
	return msg, nil
}

// begin opens a transaction holding the conversation row lock and reserves
// the next revision.
func (r *MessageRepo) begin(ctx context.Context, conversationID string) (*sqlx.Tx, int64, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, 0, pgError(err)
	}
	var revision int64
	err = tx.GetContext(ctx, &revision, `UPDATE conversations SET revision = revision + 1 WHERE id=$1 RETURNING revision`, conversationID)
	if err != nil {
		_ = tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, errs.New(errs.ErrNotFound, "conversation not found")
		}
		return nil, 0, pgError(err)
	}
	return tx, revision, nil
}

func lockMessage(ctx context.Context, tx *sqlx.Tx, conversationID, messageID string) (models.Message, error) {
	var msg models.Message
	err := tx.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages
        WHERE conversation_id=$1 AND id=$2 AND deleted=FALSE FOR UPDATE`, conversationID, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, errMessageNotFound
	}
	if err != nil {
		return models.Message{}, pgError(err)
	}
	return msg, nil
}

// CountUnread counts live peer messages not yet seen by viewerID.
func (r *MessageRepo) CountUnread(ctx context.Context, conversationID string, viewerID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM messages
        WHERE conversation_id=$1 AND sender_id<>$2 AND deleted=FALSE AND status<$3`,
		conversationID, viewerID, models.StatusSeen)
	if err != nil {
		return 0, pgError(err)
	}
	return count, nil
}

// Conversations lists the conversations of userID, newest activity first.
func (r *MessageRepo) Conversations(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	var rows []struct {
		ID     string `db:"id"`
		UserA  string `db:"user_a"`
		UserB  string `db:"user_b"`
		Unread int    `db:"unread"`
	}
	err := r.db.SelectContext(ctx, &rows, `SELECT c.id, c.user_a, c.user_b,
            (SELECT COUNT(*) FROM messages m
                WHERE m.conversation_id = c.id AND m.sender_id<>$1 AND m.deleted=FALSE AND m.status<$2) AS unread
        FROM conversations c
        WHERE c.user_a=$1 OR c.user_b=$1`, userID, models.StatusSeen)
	if err != nil {
		return nil, pgError(err)
	}
	if len(rows) == 0 {
		return []models.ConversationSummary{}, nil
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	var last []models.Message
	err = r.db.SelectContext(ctx, &last, `SELECT DISTINCT ON (conversation_id) `+messageColumns+` FROM messages
        WHERE conversation_id = ANY($1) AND deleted=FALSE
        ORDER BY conversation_id, seq DESC`, pq.Array(ids))
	if err != nil {
		return nil, pgError(err)
	}
	lastByConversation := make(map[string]models.Message, len(last))
	for _, m := range last {
		lastByConversation[m.ConversationID] = m
	}

	summaries := make([]models.ConversationSummary, 0, len(rows))
	for _, row := range rows {
		peer := row.UserA
		if peer == userID {
			peer = row.UserB
		}
		summary := models.ConversationSummary{ConversationID: row.ID, PeerID: peer, Unread: row.Unread}
		if m, ok := lastByConversation[row.ID]; ok {
			summary.LastMessage = &m
		}
		summaries = append(summaries, summary)
	}
	sortSummaries(summaries)
	return summaries, nil
}

// sortSummaries orders by last message time, empty conversations last.
func sortSummaries(summaries []models.ConversationSummary) {
	sort.SliceStable(summaries, func(i, j int) bool {
		a, b := summaries[i].LastMessage, summaries[j].LastMessage
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.CreatedAt.After(b.CreatedAt)
		}
	})
}
