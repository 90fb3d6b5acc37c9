package devserver

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"chat-client/internal/models"
)

// Memory is an in-process backend store. It is safe for concurrent use.
type Memory struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation
	messages      map[string][]models.Message
	themes        map[[2]string]string
	now           func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]models.Message),
		themes:        make(map[[2]string]string),
		now:           time.Now,
	}
}

// CreateConversation registers a conversation between participants.
func (m *Memory) CreateConversation(participants ...string) models.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv := &models.Conversation{
		ID:              uuid.NewString(),
		Participants:    append([]string(nil), participants...),
		LastMessageTime: m.now().UTC(),
	}
	m.conversations[conv.ID] = conv
	return *conv
}

func (m *Memory) ListConversations(_ context.Context, userID string, page, limit int) (models.ConversationPage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var mine []models.Conversation
	for _, c := range m.conversations {
		if contains(c.Participants, userID) {
			mine = append(mine, *c)
		}
	}
	sort.Slice(mine, func(i, j int) bool {
		if !mine[i].LastMessageTime.Equal(mine[j].LastMessageTime) {
			return mine[i].LastMessageTime.After(mine[j].LastMessageTime)
		}
		return mine[i].ID < mine[j].ID
	})

	start := (page - 1) * limit
	if start >= len(mine) {
		return models.ConversationPage{Conversations: []models.Conversation{}}, nil
	}
	end := start + limit
	if end > len(mine) {
		end = len(mine)
	}
	return models.ConversationPage{Conversations: mine[start:end], HasMore: end < len(mine)}, nil
}

func (m *Memory) IsParticipant(_ context.Context, conversationID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[conversationID]
	if !ok {
		return false, fmt.Errorf("conversation %s: %w", conversationID, models.ErrNotFound)
	}
	return contains(c.Participants, userID), nil
}

func (m *Memory) Messages(_ context.Context, conversationID string) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Message(nil), m.messages[conversationID]...), nil
}

// AddMessage stores msg under a new server id and timestamp.
func (m *Memory) AddMessage(_ context.Context, msg models.Message) (models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[msg.ConversationID]
	if !ok {
		return models.Message{}, fmt.Errorf("conversation %s: %w", msg.ConversationID, models.ErrNotFound)
	}

	msg = msg.Clone()
	msg.ID = uuid.NewString()
	msg.Timestamp = m.now().UTC()
	msg.DeliveryState = models.Confirmed
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], msg)

	c.LastMessage = msg.Content
	c.LastMessageTime = msg.Timestamp
	return msg, nil
}

// AddAttachment stores att and its timeline message.
func (m *Memory) AddAttachment(ctx context.Context, att models.Attachment) (models.Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[att.ConversationID]
	if !ok {
		return models.Attachment{}, fmt.Errorf("conversation %s: %w", att.ConversationID, models.ErrNotFound)
	}

	att.ID = uuid.NewString()
	att.Timestamp = m.now().UTC()
	msg := att.Message()
	m.messages[att.ConversationID] = append(m.messages[att.ConversationID], msg)

	c.LastMessage = msg.Content
	c.LastMessageTime = msg.Timestamp
	return att, nil
}

func (m *Memory) Theme(_ context.Context, userID, otherUserID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.themes[[2]string{userID, otherUserID}]; ok {
		return t, nil
	}
	return "default", nil
}

func (m *Memory) SetTheme(_ context.Context, userID, otherUserID, theme string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.themes[[2]string{userID, otherUserID}] = theme
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
