package mocks

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"

	"chat-client/internal/models"
)

type MessageAPIMock struct {
	mock.Mock
}

func (m *MessageAPIMock) FetchMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	args := m.Called(ctx, conversationID)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *MessageAPIMock) PostMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	args := m.Called(ctx, msg)
	var out models.Message
	if val := args.Get(0); val != nil {
		out = val.(models.Message)
	}
	return out, args.Error(1)
}

type ConversationAPIMock struct {
	mock.Mock
}

func (m *ConversationAPIMock) ListConversations(ctx context.Context, userID string, page, limit int) (models.ConversationPage, error) {
	args := m.Called(ctx, userID, page, limit)
	var out models.ConversationPage
	if val := args.Get(0); val != nil {
		out = val.(models.ConversationPage)
	}
	return out, args.Error(1)
}

type ChannelMock struct {
	mock.Mock
}

func (m *ChannelMock) Emit(ev models.ChannelEvent) error {
	args := m.Called(ev)
	return args.Error(0)
}

type TranslatorMock struct {
	mock.Mock
}

func (m *TranslatorMock) Translate(ctx context.Context, text, language string) (string, error) {
	args := m.Called(ctx, text, language)
	return args.String(0), args.Error(1)
}

type MessageCacheMock struct {
	mock.Mock
}

func (m *MessageCacheMock) SaveMessages(ctx context.Context, msgs []models.Message) error {
	args := m.Called(ctx, msgs)
	return args.Error(0)
}

func (m *MessageCacheMock) LoadConversation(ctx context.Context, conversationID string) ([]models.Message, error) {
	args := m.Called(ctx, conversationID)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

type PublisherMock struct {
	mock.Mock
}

func (m *PublisherMock) Publish(ctx context.Context, routingKey string, event any) error {
	args := m.Called(ctx, routingKey, event)
	return args.Error(0)
}

func (m *PublisherMock) Close() error {
	args := m.Called()
	return args.Error(0)
}

type BackendMock struct {
	mock.Mock
}

func (m *BackendMock) ListConversations(ctx context.Context, userID string, page, limit int) (models.ConversationPage, error) {
	args := m.Called(ctx, userID, page, limit)
	var out models.ConversationPage
	if val := args.Get(0); val != nil {
		out = val.(models.ConversationPage)
	}
	return out, args.Error(1)
}

func (m *BackendMock) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	args := m.Called(ctx, conversationID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *BackendMock) Messages(ctx context.Context, conversationID string) ([]models.Message, error) {
	args := m.Called(ctx, conversationID)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *BackendMock) AddMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	args := m.Called(ctx, msg)
	var out models.Message
	if val := args.Get(0); val != nil {
		out = val.(models.Message)
	}
	return out, args.Error(1)
}

func (m *BackendMock) AddAttachment(ctx context.Context, att models.Attachment) (models.Attachment, error) {
	args := m.Called(ctx, att)
	var out models.Attachment
	if val := args.Get(0); val != nil {
		out = val.(models.Attachment)
	}
	return out, args.Error(1)
}

func (m *BackendMock) Theme(ctx context.Context, userID, otherUserID string) (string, error) {
	args := m.Called(ctx, userID, otherUserID)
	return args.String(0), args.Error(1)
}

func (m *BackendMock) SetTheme(ctx context.Context, userID, otherUserID, theme string) error {
	args := m.Called(ctx, userID, otherUserID, theme)
	return args.Error(0)
}

type FileStoreMock struct {
	mock.Mock
}

func (m *FileStoreMock) Save(name string, r io.Reader) (string, int64, error) {
	args := m.Called(name, r)
	return args.String(0), args.Get(1).(int64), args.Error(2)
}

func (m *FileStoreMock) Path(stored string) (string, error) {
	args := m.Called(stored)
	return args.String(0), args.Error(1)
}

type BroadcasterMock struct {
	mock.Mock
}

func (m *BroadcasterMock) Broadcast(conversationID string, ev models.ChannelEvent, senderID string) {
	m.Called(conversationID, ev, senderID)
}
