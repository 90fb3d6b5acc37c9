package models

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Kind distinguishes text messages from attachment messages.
type Kind uint8

const (
	KindText Kind = iota
	KindAttachment
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindAttachment:
		return "attachment"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// MarshalText encodes the kind the way the backend names it in "type".
func (k Kind) MarshalText() ([]byte, error) {
	switch k {
	case KindText, KindAttachment:
		return []byte(k.String()), nil
	default:
		return nil, fmt.Errorf("unknown message kind %d", uint8(k))
	}
}

// UnmarshalText accepts "text" and "attachment"; an empty type is text.
func (k *Kind) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "", "text":
		*k = KindText
	case "attachment", "file":
		*k = KindAttachment
	default:
		return fmt.Errorf("unknown message type %q", string(b))
	}
	return nil
}

// AttachmentRef points at a file stored by the backend.
type AttachmentRef struct {
	FileName string `json:"fileName"`
	FileURL  string `json:"fileUrl"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message represents one chat event in a conversation.
type Message struct {
	ID             string    `json:"_id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Kind           Kind      `json:"type"`
	Content        string    `json:"content,omitempty"`
	Timestamp      time.Time `json:"timestamp"`

	*AttachmentRef

	// DeliveryState is client-local and never sent to the backend.
	DeliveryState DeliveryState `json:"-"`
}

// UnmarshalJSON falls back to createdAt for records that do not carry a
// timestamp, and infers attachment kind when only file fields are present.
func (m *Message) UnmarshalJSON(b []byte) error {
	type plain Message
	aux := struct {
		*plain
		CreatedAt *time.Time `json:"createdAt"`
	}{plain: (*plain)(m)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	if m.Timestamp.IsZero() && aux.CreatedAt != nil {
		m.Timestamp = *aux.CreatedAt
	}
	if m.AttachmentRef != nil && m.AttachmentRef.FileName == "" && m.AttachmentRef.FileURL == "" {
		m.AttachmentRef = nil
	}
	if m.AttachmentRef != nil && m.Kind == KindText && m.Content == "" {
		m.Kind = KindAttachment
	}
	m.DeliveryState = Confirmed
	return nil
}

// IsAttachment reports whether the message carries a file.
func (m Message) IsAttachment() bool {
	return m.Kind == KindAttachment && m.AttachmentRef != nil
}

// Clone returns a copy that does not share the attachment pointer.
func (m Message) Clone() Message {
	if m.AttachmentRef != nil {
		ref := *m.AttachmentRef
		m.AttachmentRef = &ref
	}
	return m
}

// Attachment is the record the backend returns for an uploaded file and
// relays to room members in a newAttachment event.
type Attachment struct {
	ID             string    `json:"_id,omitempty"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	FileName       string    `json:"fileName"`
	FileURL        string    `json:"fileUrl"`
	MimeType       string    `json:"mimeType,omitempty"`
	Size           int64     `json:"size,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Message converts the attachment into a timeline entry.
func (a Attachment) Message() Message {
	id := a.ID
	if id == "" {
		id = "file:" + a.FileName
	}
	ts := a.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return Message{
		ID:             id,
		ConversationID: a.ConversationID,
		SenderID:       a.SenderID,
		Kind:           KindAttachment,
		Content:        filepath.Base(a.FileName),
		Timestamp:      ts,
		AttachmentRef: &AttachmentRef{
			FileName: a.FileName,
			FileURL:  a.FileURL,
			MimeType: a.MimeType,
			Size:     a.Size,
		},
		DeliveryState: Confirmed,
	}
}

// Live channel event types.
const (
	EventJoinRoom       = "joinRoom"
	EventLeaveRoom      = "leaveRoom"
	EventSendMessage    = "sendMessage"
	EventSendAttachment = "sendAttachment"
	EventNewMessage     = "newMessage"
	EventNewAttachment  = "newAttachment"
	EventError          = "error"
)

// ChannelEvent is a frame on the live channel.
type ChannelEvent struct {
	Type           string      `json:"type"`
	ConversationID string      `json:"conversationId,omitempty"`
	Message        *Message    `json:"message,omitempty"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	Error          string      `json:"error,omitempty"`
}
