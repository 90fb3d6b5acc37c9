// Package telemetry emits client events to the audit stream.
package telemetry

import (
	"context"
	"time"

	jww "github.com/spf13/jwalterweatherman"
)

// Client event types.
const (
	EventSessionJoined     = "session_joined"
	EventSessionLeft       = "session_left"
	EventMessageFailed     = "message_failed"
	EventUploadFailed      = "upload_failed"
	EventDownloadCompleted = "download_completed"
)

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

// Envelope is the JSON document published for every client event.
type Envelope struct {
	SchemaVersion  int               `json:"schema_version"`
	EventType      string            `json:"event_type"`
	OccurredAt     string            `json:"occurred_at"`
	Client         string            `json:"client"`
	DeviceID       string            `json:"device_id,omitempty"`
	UserID         string            `json:"user_id,omitempty"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}

// Event is what callers hand to Emit.
type Event struct {
	Type           string
	UserID         string
	ConversationID string
	Attributes     map[string]string
}

// Emitter wraps a Publisher with the envelope fields that stay fixed for the
// lifetime of a client. A nil Emitter drops every event.
type Emitter struct {
	publisher  Publisher
	routingKey string
	client     string
	deviceID   string
	now        func() time.Time
}

func NewEmitter(publisher Publisher, routingKey, client, deviceID string) *Emitter {
	return &Emitter{
		publisher:  publisher,
		routingKey: routingKey,
		client:     client,
		deviceID:   deviceID,
		now:        time.Now,
	}
}

// Emit publishes ev. Publish failures are logged and never returned; the
// audit stream must not affect chat behaviour.
func (e *Emitter) Emit(ctx context.Context, ev Event) {
	if e == nil || e.publisher == nil {
		return
	}

	envelope := Envelope{
		SchemaVersion:  1,
		EventType:      ev.Type,
		OccurredAt:     e.now().UTC().Format(time.RFC3339Nano),
		Client:         e.client,
		DeviceID:       e.deviceID,
		UserID:         ev.UserID,
		ConversationID: ev.ConversationID,
		Attributes:     ev.Attributes,
	}
	jww.DEBUG.Printf("[AUDIT] emit %s conversation=%s", ev.Type, ev.ConversationID)

	if err := e.publisher.Publish(ctx, e.routingKey+"."+ev.Type, envelope); err != nil {
		jww.WARN.Printf("[AUDIT] publish %s failed: %v", ev.Type, err)
	}
}
