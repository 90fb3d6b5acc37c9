// Package session drives one open conversation: it joins the live room,
// merges history with pushed events and exposes the send, transfer and
// translation operations of that conversation.
package session

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	jww "github.com/spf13/jwalterweatherman"

	"chat-client/internal/models"
	"chat-client/internal/reconcile"
	"chat-client/internal/rest"
	"chat-client/internal/telemetry"
	"chat-client/internal/timeline"
	"chat-client/internal/transfer"
	"chat-client/internal/ws"
)

// ErrAlreadyOpen is returned by Open on a controller that is not
// Disconnected, or that has been closed. Controllers are single use.
var ErrAlreadyOpen = errors.New("session already opened")

// ErrClosed is returned by Open when Close won the race with the dial.
var ErrClosed = errors.New("session closed")

type State int32

const (
	Disconnected State = iota
	Connecting
	Joined
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Joined:
		return "joined"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// API is the slice of the REST backend a session uses.
type API interface {
	reconcile.API
	transfer.API
	FetchMessages(ctx context.Context, conversationID string) ([]models.Message, error)
}

// Conn is an open live channel connection.
type Conn interface {
	Emit(ev models.ChannelEvent) error
	ReadLoop(handle func(models.ChannelEvent)) error
	Close() error
}

// Dialer opens the live channel.
type Dialer func(ctx context.Context) (Conn, error)

// WSDialer dials the websocket live channel at url.
func WSDialer(url string, opts ws.DialOptions) Dialer {
	return func(ctx context.Context) (Conn, error) {
		conn, err := ws.Dial(ctx, url, opts)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

type Translator interface {
	Translate(ctx context.Context, text, lang string) string
}

type MessageCache interface {
	SaveMessages(ctx context.Context, msgs []models.Message) error
	LoadConversation(ctx context.Context, conversationID string) ([]models.Message, error)
}

type Options struct {
	ConversationID string
	UserID         string
	API            API
	Dial           Dialer
	// Record is shared between sessions of the same client.
	Record        *transfer.Record
	AttachmentDir string
	Translator    Translator
	Cache         MessageCache
	Events        *telemetry.Emitter
	Location      *time.Location
	EchoWindow    time.Duration
	// OnUpdate runs after timeline or transfer changes while the session is
	// active. It may be called from any goroutine.
	OnUpdate func()
	// OnMessage runs for each live message or attachment from the channel
	// that was added to the timeline.
	OnMessage func(models.Message)
}

// Controller is the live session of one conversation.
type Controller struct {
	opts  Options
	store *timeline.Store
	rec   *reconcile.Reconciler
	xfer  *transfer.Manager

	state  atomic.Int32
	active atomic.Bool
	used   atomic.Bool

	mu          sync.Mutex
	conn        Conn
	historyErr  error
	historyDone chan struct{}
}

func New(opts Options) (*Controller, error) {
	if opts.ConversationID == "" {
		return nil, errors.New("session: conversation id is required")
	}
	if opts.API == nil || opts.Dial == nil {
		return nil, errors.New("session: api and dialer are required")
	}

	c := &Controller{opts: opts, historyDone: make(chan struct{})}
	c.store = timeline.NewStore(timeline.Options{Location: opts.Location})
	c.rec = reconcile.New(c.store, opts.API, reconcile.Options{
		EchoWindow: opts.EchoWindow,
		Events:     opts.Events,
		Notify:     c.notify,
	})
	xfer, err := transfer.NewManager(opts.API, c.store, transfer.Options{
		Dir:    opts.AttachmentDir,
		Record: opts.Record,
		Events: opts.Events,
		Notify: c.notify,
	})
	if err != nil {
		return nil, err
	}
	c.xfer = xfer
	return c, nil
}

// Open joins the conversation room. History is fetched concurrently from the
// start and completes whatever the dial outcome. If the dial fails the error
// is returned and the state stays Connecting until Close.
func (c *Controller) Open(ctx context.Context) error {
	if !c.used.CompareAndSwap(false, true) {
		return ErrAlreadyOpen
	}
	c.active.Store(true)
	c.state.Store(int32(Connecting))

	go c.loadHistory(context.WithoutCancel(ctx))

	conn, err := c.opts.Dial(ctx)
	if err != nil {
		jww.ERROR.Printf("[CHAT] connect to %s: %v", c.opts.ConversationID, err)
		return err
	}

	// joinRoom goes out under mu so a concurrent Close either runs first and
	// nothing was joined, or runs after and sees conn to send leaveRoom.
	c.mu.Lock()
	if !c.active.Load() {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	if err := conn.Emit(models.ChannelEvent{Type: models.EventJoinRoom, ConversationID: c.opts.ConversationID}); err != nil {
		c.mu.Unlock()
		conn.Close()
		jww.ERROR.Printf("[CHAT] join %s: %v", c.opts.ConversationID, err)
		return err
	}
	c.conn = conn
	c.state.Store(int32(Joined))
	c.rec.SetChannel(conn)
	c.xfer.SetChannel(conn)
	c.mu.Unlock()

	go c.readLoop(conn)

	jww.INFO.Printf("[CHAT] joined %s", c.opts.ConversationID)
	c.opts.Events.Emit(ctx, telemetry.Event{
		Type:           telemetry.EventSessionJoined,
		UserID:         c.opts.UserID,
		ConversationID: c.opts.ConversationID,
	})
	return nil
}

// Close leaves the room and drops the connection. It always succeeds and may
// be called more than once. Results that arrive later are discarded.
func (c *Controller) Close() {
	wasActive := c.active.Swap(false)

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.state.Store(int32(Disconnected))
	c.rec.SetChannel(nil)
	c.xfer.SetChannel(nil)
	c.mu.Unlock()

	if conn != nil {
		if err := conn.Emit(models.ChannelEvent{Type: models.EventLeaveRoom, ConversationID: c.opts.ConversationID}); err != nil {
			jww.DEBUG.Printf("[CHAT] leave %s: %v", c.opts.ConversationID, err)
		}
		if err := conn.Close(); err != nil {
			jww.DEBUG.Printf("[CHAT] close channel: %v", err)
		}
	}

	if wasActive {
		jww.INFO.Printf("[CHAT] left %s", c.opts.ConversationID)
		c.opts.Events.Emit(context.Background(), telemetry.Event{
			Type:           telemetry.EventSessionLeft,
			UserID:         c.opts.UserID,
			ConversationID: c.opts.ConversationID,
		})
	}
}

func (c *Controller) State() State {
	return State(c.state.Load())
}

// HistoryErr is the error of the history fetch, nil while it runs or after
// it succeeded.
func (c *Controller) HistoryErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.historyErr
}

// WaitHistory blocks until the history fetch has finished or ctx is done.
func (c *Controller) WaitHistory(ctx context.Context) error {
	select {
	case <-c.historyDone:
		return c.HistoryErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) loadHistory(ctx context.Context) {
	defer close(c.historyDone)

	msgs, err := c.opts.API.FetchMessages(ctx, c.opts.ConversationID)
	if !c.active.Load() {
		jww.DEBUG.Printf("[CHAT] history for %s arrived after close, discarded", c.opts.ConversationID)
		return
	}
	if err != nil {
		c.mu.Lock()
		c.historyErr = err
		c.mu.Unlock()
		jww.WARN.Printf("[CHAT] history for %s: %v", c.opts.ConversationID, err)
		c.mergeCached(ctx)
		return
	}

	added := 0
	for _, m := range msgs {
		if c.store.InsertOrMerge(m) {
			added++
		}
	}
	jww.DEBUG.Printf("[CHAT] history for %s: %d of %d merged", c.opts.ConversationID, added, len(msgs))
	if added > 0 {
		c.notify()
	}
	c.cache(ctx, msgs...)
}

func (c *Controller) mergeCached(ctx context.Context) {
	if c.opts.Cache == nil {
		return
	}
	cached, err := c.opts.Cache.LoadConversation(ctx, c.opts.ConversationID)
	if err != nil {
		jww.WARN.Printf("[CHAT] cached history for %s: %v", c.opts.ConversationID, err)
		return
	}
	for _, m := range cached {
		c.store.InsertOrMerge(m)
	}
	if len(cached) > 0 {
		c.notify()
	}
}

func (c *Controller) readLoop(conn Conn) {
	err := conn.ReadLoop(c.dispatch)
	if err == nil || !c.active.Load() {
		return
	}
	jww.WARN.Printf("[CHAT] live channel for %s lost: %v", c.opts.ConversationID, err)
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.state.Store(int32(Disconnected))
	}
	c.mu.Unlock()
	c.rec.SetChannel(nil)
	c.xfer.SetChannel(nil)
	c.notify()
}

func (c *Controller) dispatch(ev models.ChannelEvent) {
	if !c.active.Load() {
		return
	}
	if ev.ConversationID != "" && ev.ConversationID != c.opts.ConversationID {
		return
	}

	switch ev.Type {
	case models.EventNewMessage:
		if ev.Message == nil {
			return
		}
		msg := *ev.Message
		if msg.ConversationID == "" {
			msg.ConversationID = c.opts.ConversationID
		}
		if c.rec.HandleEcho(msg) {
			return
		}
		if c.store.InsertOrMerge(msg) {
			c.notify()
			c.cache(context.Background(), msg)
			c.onMessage(msg)
		}
	case models.EventNewAttachment:
		if ev.Attachment == nil {
			return
		}
		att := *ev.Attachment
		if att.ConversationID == "" {
			att.ConversationID = c.opts.ConversationID
		}
		if c.xfer.HandleInbound(att) {
			c.onMessage(att.Message())
		}
	case models.EventError:
		jww.WARN.Printf("[CHAT] live channel error for %s: %s", c.opts.ConversationID, ev.Error)
	default:
		jww.TRACE.Printf("[CHAT] ignoring %q frame", ev.Type)
	}
}

func (c *Controller) cache(ctx context.Context, msgs ...models.Message) {
	if c.opts.Cache == nil || len(msgs) == 0 {
		return
	}
	if err := c.opts.Cache.SaveMessages(ctx, msgs); err != nil {
		jww.WARN.Printf("[CHAT] caching messages for %s: %v", c.opts.ConversationID, err)
	}
}

func (c *Controller) onMessage(msg models.Message) {
	if c.opts.OnMessage != nil {
		c.opts.OnMessage(msg)
	}
}

func (c *Controller) notify() {
	if c.active.Load() && c.opts.OnUpdate != nil {
		c.opts.OnUpdate()
	}
}

// Send posts content as the current user.
func (c *Controller) Send(ctx context.Context, content string) (models.Message, error) {
	msg, err := c.rec.Send(ctx, c.opts.ConversationID, c.opts.UserID, content)
	if err == nil {
		c.cache(ctx, msg)
	}
	return msg, err
}

// Retry re-sends a message listed by Failed.
func (c *Controller) Retry(ctx context.Context, id string) (models.Message, error) {
	msg, err := c.rec.Retry(ctx, id)
	if err == nil {
		c.cache(ctx, msg)
	}
	return msg, err
}

// Failed lists sends that were rolled back.
func (c *Controller) Failed() []models.Message {
	return c.rec.Failed()
}

func (c *Controller) SendAttachment(ctx context.Context, file transfer.LocalFile, progress func(int)) (models.Attachment, error) {
	return c.xfer.Upload(ctx, file, c.opts.ConversationID, c.opts.UserID, progress)
}

// Download fetches the attachment of the timeline entry id.
func (c *Controller) Download(ctx context.Context, id string, progress func(float64)) (string, error) {
	entry, ok := c.store.Get(id)
	if !ok || !entry.IsAttachment() {
		return "", fmt.Errorf("attachment message %s: %w", id, models.ErrNotFound)
	}
	return c.xfer.Download(ctx, entry.FileURL, entry.FileName, progress)
}

func (c *Controller) OpenAttachment(fileName string) (transfer.Opened, error) {
	return c.xfer.Open(fileName)
}

func (c *Controller) IsMaterialized(fileName string) bool {
	return c.xfer.IsMaterialized(fileName)
}

func (c *Controller) TransferState(fileName string) transfer.State {
	return c.xfer.State(fileName)
}

// TranslateAll decorates every text entry with its translation into lang.
// Translations that finish after Close are dropped.
func (c *Controller) TranslateAll(ctx context.Context, lang string) error {
	if c.opts.Translator == nil {
		return fmt.Errorf("%w: no translator configured", models.ErrTranslationUnavailable)
	}
	changed := false
	for _, e := range c.store.List() {
		if e.Kind != models.KindText || e.Content == "" {
			continue
		}
		if e.Translation != nil && e.Translation.Language == lang {
			continue
		}
		text := c.opts.Translator.Translate(ctx, e.Content, lang)
		if !c.active.Load() {
			return nil
		}
		if c.store.SetTranslation(e.ID, lang, text) {
			changed = true
		}
	}
	if changed {
		c.notify()
	}
	return nil
}

// Timeline gives read access to the conversation's entries.
func (c *Controller) Timeline() *timeline.Store {
	return c.store
}

// Days is the day-grouped view of the timeline.
func (c *Controller) Days() iter.Seq[timeline.DayGroup] {
	return c.store.GroupedByDay()
}

var _ API = (*rest.Client)(nil)
