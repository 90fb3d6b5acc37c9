package handlers

import (
	"context"
	"io"

	"chat-client/internal/models"
)

// Backend is the storage behind the development REST API.
type Backend interface {
	ListConversations(ctx context.Context, userID string, page, limit int) (models.ConversationPage, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	Messages(ctx context.Context, conversationID string) ([]models.Message, error)
	AddMessage(ctx context.Context, msg models.Message) (models.Message, error)
	AddAttachment(ctx context.Context, att models.Attachment) (models.Attachment, error)
	Theme(ctx context.Context, userID, otherUserID string) (string, error)
	SetTheme(ctx context.Context, userID, otherUserID, theme string) error
}

// FileStore keeps uploaded files.
type FileStore interface {
	// Save stores r under a unique name derived from name and returns it.
	Save(name string, r io.Reader) (stored string, size int64, err error)
	Path(stored string) (string, error)
}

// Broadcaster relays records to the live room of a conversation.
type Broadcaster interface {
	Broadcast(conversationID string, ev models.ChannelEvent, senderID string)
}
