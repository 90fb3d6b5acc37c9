package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"chat-client/internal/models"
)

// MessageRepository caches confirmed messages per conversation.
type MessageRepository interface {
	SaveMessages(ctx context.Context, msgs []models.Message) error
	LoadConversation(ctx context.Context, conversationID string) ([]models.Message, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

type messageRow struct {
	ID             string `db:"id"`
	ConversationID string `db:"conversation_id"`
	SenderID       string `db:"sender_id"`
	Kind           string `db:"kind"`
	Content        string `db:"content"`
	FileName       string `db:"file_name"`
	FileURL        string `db:"file_url"`
	MimeType       string `db:"mime_type"`
	Size           int64  `db:"size"`
	SentAtMS       int64  `db:"sent_at_ms"`
}

func toMessageRow(m models.Message) messageRow {
	row := messageRow{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Kind:           m.Kind.String(),
		Content:        m.Content,
		SentAtMS:       m.Timestamp.UnixMilli(),
	}
	if m.AttachmentRef != nil {
		row.FileName = m.FileName
		row.FileURL = m.FileURL
		row.MimeType = m.MimeType
		row.Size = m.Size
	}
	return row
}

func (r messageRow) message() (models.Message, error) {
	var kind models.Kind
	if err := kind.UnmarshalText([]byte(r.Kind)); err != nil {
		return models.Message{}, err
	}
	msg := models.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		Kind:           kind,
		Content:        r.Content,
		Timestamp:      time.UnixMilli(r.SentAtMS).UTC(),
		DeliveryState:  models.Confirmed,
	}
	if r.FileName != "" || r.FileURL != "" {
		msg.AttachmentRef = &models.AttachmentRef{
			FileName: r.FileName,
			FileURL:  r.FileURL,
			MimeType: r.MimeType,
			Size:     r.Size,
		}
	}
	return msg, nil
}

// SaveMessages upserts confirmed messages. Pending or failed entries are
// skipped since their ids are provisional.
func (r *MessageRepo) SaveMessages(ctx context.Context, msgs []models.Message) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	const upsert = `INSERT INTO messages (id, conversation_id, sender_id, kind, content, file_name, file_url, mime_type, size, sent_at_ms)
        VALUES (:id, :conversation_id, :sender_id, :kind, :content, :file_name, :file_url, :mime_type, :size, :sent_at_ms)
        ON CONFLICT(id) DO UPDATE SET
            content=excluded.content,
            file_name=excluded.file_name,
            file_url=excluded.file_url,
            mime_type=excluded.mime_type,
            size=excluded.size,
            sent_at_ms=excluded.sent_at_ms`
	for _, m := range msgs {
		if m.DeliveryState != models.Confirmed || m.ID == "" {
			continue
		}
		if _, err := tx.NamedExecContext(ctx, upsert, toMessageRow(m)); err != nil {
			return fmt.Errorf("cache message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// LoadConversation returns cached messages ordered by timestamp.
func (r *MessageRepo) LoadConversation(ctx context.Context, conversationID string) ([]models.Message, error) {
	var rows []messageRow
	err := r.db.SelectContext(ctx, &rows, `SELECT id, conversation_id, sender_id, kind, content, file_name, file_url, mime_type, size, sent_at_ms
        FROM messages
        WHERE conversation_id=?
        ORDER BY sent_at_ms ASC, rowid ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	msgs := make([]models.Message, 0, len(rows))
	for _, row := range rows {
		msg, err := row.message()
		if err != nil {
			return nil, fmt.Errorf("cached message %s: %w", row.ID, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}
