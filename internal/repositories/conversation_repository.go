package repositories

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"chat-client/internal/models"
)

// ConversationRepository caches the signed-in user's conversation list.
type ConversationRepository interface {
	SaveConversations(ctx context.Context, ownerID string, convs []models.Conversation) error
	ListConversations(ctx context.Context, ownerID string) ([]models.Conversation, error)
}

// ConversationRepo is a sqlx-backed repository.
type ConversationRepo struct {
	db *sqlx.DB
}

func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

type conversationRow struct {
	ID            string `db:"id"`
	OwnerID       string `db:"owner_id"`
	Participants  string `db:"participants"`
	Name          string `db:"name"`
	LastMessage   string `db:"last_message"`
	LastMessageMS int64  `db:"last_message_ms"`
	UnreadCount   int    `db:"unread_count"`
	Theme         string `db:"theme"`
}

// SaveConversations upserts convs for ownerID.
func (r *ConversationRepo) SaveConversations(ctx context.Context, ownerID string, convs []models.Conversation) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, c := range convs {
		participants, err := json.Marshal(c.Participants)
		if err != nil {
			return err
		}
		row := conversationRow{
			ID:           c.ID,
			OwnerID:      ownerID,
			Participants: string(participants),
			Name:         c.Name,
			LastMessage:  c.LastMessage,
			UnreadCount:  c.UnreadCount,
			Theme:        c.Theme,
		}
		if !c.LastMessageTime.IsZero() {
			row.LastMessageMS = c.LastMessageTime.UnixMilli()
		}
		_, err = tx.NamedExecContext(ctx, `INSERT INTO conversations (id, owner_id, participants, name, last_message, last_message_ms, unread_count, theme)
            VALUES (:id, :owner_id, :participants, :name, :last_message, :last_message_ms, :unread_count, :theme)
            ON CONFLICT(owner_id, id) DO UPDATE SET
                participants=excluded.participants,
                name=excluded.name,
                last_message=excluded.last_message,
                last_message_ms=excluded.last_message_ms,
                unread_count=excluded.unread_count,
                theme=excluded.theme`, row)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListConversations returns cached conversations, most recent activity first.
func (r *ConversationRepo) ListConversations(ctx context.Context, ownerID string) ([]models.Conversation, error) {
	var rows []conversationRow
	err := r.db.SelectContext(ctx, &rows, `SELECT id, owner_id, participants, name, last_message, last_message_ms, unread_count, theme
        FROM conversations
        WHERE owner_id=?
        ORDER BY last_message_ms DESC, id ASC`, ownerID)
	if err != nil {
		return nil, err
	}

	out := make([]models.Conversation, 0, len(rows))
	for _, row := range rows {
		c := models.Conversation{
			ID:          row.ID,
			Name:        row.Name,
			LastMessage: row.LastMessage,
			UnreadCount: row.UnreadCount,
			Theme:       row.Theme,
		}
		if err := json.Unmarshal([]byte(row.Participants), &c.Participants); err != nil {
			return nil, err
		}
		if row.LastMessageMS > 0 {
			c.LastMessageTime = time.UnixMilli(row.LastMessageMS).UTC()
		}
		out = append(out, c)
	}
	return out, nil
}
