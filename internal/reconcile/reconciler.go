// Package reconcile turns a user send into an optimistic timeline entry and
// settles it against the backend's confirmation.
package reconcile

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	jww "github.com/spf13/jwalterweatherman"

	"chat-client/internal/models"
	"chat-client/internal/observability"
	"chat-client/internal/telemetry"
	"chat-client/internal/timeline"
)

// DefaultEchoWindow bounds how far apart a live echo and a pending send may
// be when they are matched by content.
const DefaultEchoWindow = 5 * time.Second

// Timeline is the part of the store the reconciler drives.
type Timeline interface {
	InsertOrMerge(msg models.Message) bool
	Confirm(provisionalID string, confirmed models.Message) error
	Transition(id string, next models.DeliveryState) error
	Remove(id string) (models.Message, bool)
	Pending() []timeline.Entry
}

// API submits a message and returns the server record.
type API interface {
	PostMessage(ctx context.Context, msg models.Message) (models.Message, error)
}

// Channel carries the best-effort live broadcast.
type Channel interface {
	Emit(ev models.ChannelEvent) error
}

type Options struct {
	EchoWindow time.Duration
	Events     *telemetry.Emitter
	// Notify runs after every timeline mutation made by the reconciler.
	Notify func()
}

// Reconciler owns the delivery state of locally originated messages for one
// conversation timeline.
type Reconciler struct {
	store  Timeline
	api    API
	window time.Duration
	events *telemetry.Emitter
	notify func()
	now    func() time.Time

	mu      sync.Mutex
	channel Channel
	lastID  int64
	// inflight maps a provisional id to the live echo that confirmed it, nil
	// until one arrives.
	inflight map[string]*models.Message
	failed   []models.Message
}

func New(store Timeline, api API, opts Options) *Reconciler {
	window := opts.EchoWindow
	if window <= 0 {
		window = DefaultEchoWindow
	}
	notify := opts.Notify
	if notify == nil {
		notify = func() {}
	}
	return &Reconciler{
		store:    store,
		api:      api,
		window:   window,
		events:   opts.Events,
		notify:   notify,
		now:      time.Now,
		inflight: make(map[string]*models.Message),
	}
}

// SetChannel attaches the live channel used for the broadcast step. A nil
// channel skips the broadcast.
func (r *Reconciler) SetChannel(ch Channel) {
	r.mu.Lock()
	r.channel = ch
	r.mu.Unlock()
}

// Send inserts content as a Pending entry, broadcasts it, and submits it. On
// success the entry takes the server id and becomes Confirmed; on failure it
// is removed from the timeline, kept in Failed, and the error is returned.
func (r *Reconciler) Send(ctx context.Context, conversationID, senderID, content string) (models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return models.Message{}, models.ErrEmptyMessage
	}

	now := r.now().UTC()
	msg := models.Message{
		ID:             r.nextLocalID(now),
		ConversationID: conversationID,
		SenderID:       senderID,
		Kind:           models.KindText,
		Content:        content,
		Timestamp:      now,
		DeliveryState:  models.Pending,
	}

	r.mu.Lock()
	r.inflight[msg.ID] = nil
	ch := r.channel
	r.mu.Unlock()

	r.store.InsertOrMerge(msg)
	r.notify()

	if ch != nil {
		wire := msg
		if err := ch.Emit(models.ChannelEvent{
			Type:           models.EventSendMessage,
			ConversationID: conversationID,
			Message:        &wire,
		}); err != nil {
			jww.DEBUG.Printf("[CHAT] broadcast of %s skipped: %v", msg.ID, err)
		}
	}

	confirmed, err := r.api.PostMessage(ctx, msg)

	r.mu.Lock()
	echo := r.inflight[msg.ID]
	delete(r.inflight, msg.ID)
	r.mu.Unlock()
	echoed := echo != nil

	if err != nil {
		if echoed {
			// The live channel already delivered the server copy.
			jww.WARN.Printf("[CHAT] submit of %s failed after echo: %v", msg.ID, err)
			observability.IncDelivery(models.Confirmed.String())
			return settled(msg, *echo), nil
		}
		return models.Message{}, r.rollback(ctx, msg, err)
	}

	if !echoed {
		if cerr := r.store.Confirm(msg.ID, confirmed); cerr != nil {
			jww.WARN.Printf("[CHAT] confirm %s -> %s: %v", msg.ID, confirmed.ID, cerr)
		}
		r.notify()
	}
	observability.IncDelivery(models.Confirmed.String())
	return settled(msg, confirmed), nil
}

// settled is the local message under the identity of its server record.
func settled(local, server models.Message) models.Message {
	out := local
	if server.ID != "" {
		out.ID = server.ID
	}
	if !server.Timestamp.IsZero() {
		out.Timestamp = server.Timestamp
	}
	out.DeliveryState = models.Confirmed
	return out
}

func (r *Reconciler) rollback(ctx context.Context, msg models.Message, cause error) error {
	if err := r.store.Transition(msg.ID, models.Failed); err != nil && !errors.Is(err, models.ErrUnknownMessage) {
		jww.WARN.Printf("[CHAT] mark %s failed: %v", msg.ID, err)
	}
	r.store.Remove(msg.ID)
	r.notify()

	msg.DeliveryState = models.Failed
	r.mu.Lock()
	r.failed = append(r.failed, msg)
	r.mu.Unlock()

	observability.IncDelivery(models.Failed.String())
	jww.ERROR.Printf("[CHAT] send %s to %s failed: %v", msg.ID, msg.ConversationID, cause)
	r.events.Emit(ctx, telemetry.Event{
		Type:           telemetry.EventMessageFailed,
		UserID:         msg.SenderID,
		ConversationID: msg.ConversationID,
		Attributes:     map[string]string{"local_id": msg.ID, "error": cause.Error()},
	})
	return cause
}

// HandleEcho reports whether an inbound live message is the echo of a local
// send and has been absorbed. An echo carrying a provisional id is a
// duplicate; one carrying a server id confirms the matching pending entry.
// Other messages are left for the caller to insert.
func (r *Reconciler) HandleEcho(msg models.Message) bool {
	r.mu.Lock()
	absorbed, confirmed := r.matchEchoLocked(msg)
	r.mu.Unlock()

	if confirmed {
		r.notify()
	}
	return absorbed
}

func (r *Reconciler) matchEchoLocked(msg models.Message) (absorbed, confirmed bool) {
	if _, ok := r.inflight[msg.ID]; ok {
		return true, false
	}

	for _, entry := range r.store.Pending() {
		local := entry.Message
		if echo, ours := r.inflight[local.ID]; !ours || echo != nil {
			continue
		}
		if local.SenderID != msg.SenderID || local.Content != msg.Content {
			continue
		}
		if !msg.Timestamp.IsZero() && absDuration(msg.Timestamp.Sub(local.Timestamp)) > r.window {
			continue
		}
		if err := r.store.Confirm(local.ID, msg); err != nil {
			jww.WARN.Printf("[CHAT] echo confirm %s -> %s: %v", local.ID, msg.ID, err)
			return false, false
		}
		echo := msg
		r.inflight[local.ID] = &echo
		return true, true
	}
	return false, false
}

// Failed lists messages whose submission was rolled back, oldest first.
func (r *Reconciler) Failed() []models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Message, len(r.failed))
	copy(out, r.failed)
	return out
}

// Retry sends the content of a failed message again under a fresh local id.
// The failed record is dropped once the new send is under way.
func (r *Reconciler) Retry(ctx context.Context, id string) (models.Message, error) {
	r.mu.Lock()
	idx := -1
	for i, m := range r.failed {
		if m.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return models.Message{}, models.ErrUnknownMessage
	}
	prev := r.failed[idx]
	r.failed = append(r.failed[:idx], r.failed[idx+1:]...)
	r.mu.Unlock()

	return r.Send(ctx, prev.ConversationID, prev.SenderID, prev.Content)
}

// nextLocalID derives the provisional id from the wall clock in milliseconds,
// bumped to stay strictly increasing.
func (r *Reconciler) nextLocalID(now time.Time) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := now.UnixMilli()
	if id <= r.lastID {
		id = r.lastID + 1
	}
	r.lastID = id
	return strconv.FormatInt(id, 10)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
