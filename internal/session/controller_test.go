package session

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-client/internal/db"
	"chat-client/internal/devserver"
	"chat-client/internal/identity"
	"chat-client/internal/mocks"
	"chat-client/internal/models"
	"chat-client/internal/repositories"
	"chat-client/internal/rest"
	"chat-client/internal/transfer"
	"chat-client/internal/ws"
)

type fakeAPI struct {
	history     []models.Message
	historyErr  error
	release     chan struct{}
	fetchCalled chan struct{}
}

func (f *fakeAPI) FetchMessages(ctx context.Context, _ string) ([]models.Message, error) {
	if f.fetchCalled != nil {
		close(f.fetchCalled)
	}
	if f.release != nil {
		<-f.release
	}
	return f.history, f.historyErr
}

func (f *fakeAPI) PostMessage(_ context.Context, msg models.Message) (models.Message, error) {
	msg.ID = "srv-" + msg.ID
	return msg, nil
}

func (f *fakeAPI) Upload(context.Context, rest.UploadRequest) (models.Attachment, error) {
	return models.Attachment{}, models.ErrNetworkUnavailable
}

func (f *fakeAPI) OpenRange(context.Context, string, int64) (*rest.RangeBody, error) {
	return nil, models.ErrNetworkUnavailable
}

type fakeConn struct {
	mu     sync.Mutex
	sent   []models.ChannelEvent
	frames chan models.ChannelEvent
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan models.ChannelEvent, 8), closed: make(chan struct{})}
}

func (f *fakeConn) Emit(ev models.ChannelEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.closed:
		return models.ErrChannelDisconnected
	default:
	}
	f.sent = append(f.sent, ev)
	return nil
}

func (f *fakeConn) ReadLoop(handle func(models.ChannelEvent)) error {
	for {
		select {
		case ev := <-f.frames:
			handle(ev)
		case <-f.closed:
			return nil
		}
	}
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, ev := range f.sent {
		out[i] = ev.Type
	}
	return out
}

func newFakeSession(t *testing.T, api *fakeAPI, dial Dialer, opts Options) *Controller {
	t.Helper()
	record, err := transfer.OpenRecord(t.TempDir())
	require.NoError(t, err)
	opts.ConversationID = "c1"
	opts.UserID = "u1"
	opts.API = api
	opts.Dial = dial
	opts.Record = record
	opts.AttachmentDir = t.TempDir()
	opts.Location = time.UTC
	c, err := New(opts)
	require.NoError(t, err)
	return c
}

func TestOpenJoinsAndCloseLeaves(t *testing.T) {
	conn := newFakeConn()
	c := newFakeSession(t, &fakeAPI{}, func(context.Context) (Conn, error) { return conn, nil }, Options{})

	require.NoError(t, c.Open(context.Background()))
	assert.Equal(t, Joined, c.State())
	require.NoError(t, c.WaitHistory(context.Background()))

	c.Close()
	c.Close()
	assert.Equal(t, Disconnected, c.State())
	assert.Equal(t, []string{models.EventJoinRoom, models.EventLeaveRoom}, conn.types())

	assert.ErrorIs(t, c.Open(context.Background()), ErrAlreadyOpen)
}

func TestDialFailureStaysConnecting(t *testing.T) {
	api := &fakeAPI{history: []models.Message{{ID: "h1", Content: "old", Timestamp: time.Now(), DeliveryState: models.Confirmed}}}
	dialErr := errors.New("refused")
	c := newFakeSession(t, api, func(context.Context) (Conn, error) { return nil, dialErr }, Options{})

	err := c.Open(context.Background())
	assert.ErrorIs(t, err, dialErr)
	assert.Equal(t, Connecting, c.State())

	require.NoError(t, c.WaitHistory(context.Background()))
	assert.Equal(t, 1, c.Timeline().Len())

	c.Close()
	assert.Equal(t, Disconnected, c.State())
}

func TestCloseDuringDialNeverLeavesRoomJoined(t *testing.T) {
	conn := newFakeConn()
	dialing := make(chan struct{})
	release := make(chan struct{})
	c := newFakeSession(t, &fakeAPI{}, func(context.Context) (Conn, error) {
		close(dialing)
		<-release
		return conn, nil
	}, Options{})

	errc := make(chan error, 1)
	go func() { errc <- c.Open(context.Background()) }()
	<-dialing
	c.Close()
	close(release)

	assert.ErrorIs(t, <-errc, ErrClosed)
	assert.Equal(t, Disconnected, c.State())
	assert.Empty(t, conn.types())
	select {
	case <-conn.closed:
	default:
		t.Fatal("connection left open")
	}
}

func TestLateHistoryIsDiscarded(t *testing.T) {
	api := &fakeAPI{
		history:     []models.Message{{ID: "h1", Content: "late", DeliveryState: models.Confirmed}},
		release:     make(chan struct{}),
		fetchCalled: make(chan struct{}),
	}
	conn := newFakeConn()
	c := newFakeSession(t, api, func(context.Context) (Conn, error) { return conn, nil }, Options{})

	require.NoError(t, c.Open(context.Background()))
	<-api.fetchCalled
	c.Close()
	close(api.release)

	require.NoError(t, c.WaitHistory(context.Background()))
	assert.Equal(t, 0, c.Timeline().Len())
}

func TestHistoryFailureFallsBackToCache(t *testing.T) {
	conn, err := db.Open(":memory:")
	require.NoError(t, err)
	defer conn.Close()
	cache := repositories.NewMessageRepo(conn)
	require.NoError(t, cache.SaveMessages(context.Background(), []models.Message{
		{ID: "cached-1", ConversationID: "c1", SenderID: "u2", Content: "from cache", Timestamp: time.Now(), DeliveryState: models.Confirmed},
	}))

	api := &fakeAPI{historyErr: models.ErrNetworkUnavailable}
	live := newFakeConn()
	c := newFakeSession(t, api, func(context.Context) (Conn, error) { return live, nil }, Options{Cache: cache})

	require.NoError(t, c.Open(context.Background()))
	defer c.Close()
	assert.ErrorIs(t, c.WaitHistory(context.Background()), models.ErrNetworkUnavailable)
	assert.ErrorIs(t, c.HistoryErr(), models.ErrNetworkUnavailable)
	_, ok := c.Timeline().Get("cached-1")
	assert.True(t, ok)

	// Live events keep flowing after a history failure.
	live.frames <- models.ChannelEvent{Type: models.EventNewMessage, ConversationID: "c1",
		Message: &models.Message{ID: "live-1", SenderID: "u2", Content: "still here", Timestamp: time.Now()}}
	assert.Eventually(t, func() bool {
		_, ok := c.Timeline().Get("live-1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDispatchFiltersOtherConversations(t *testing.T) {
	conn := newFakeConn()
	updates := make(chan struct{}, 16)
	c := newFakeSession(t, &fakeAPI{}, func(context.Context) (Conn, error) { return conn, nil },
		Options{OnUpdate: func() { updates <- struct{}{} }})
	require.NoError(t, c.Open(context.Background()))
	defer c.Close()
	require.NoError(t, c.WaitHistory(context.Background()))

	conn.frames <- models.ChannelEvent{Type: models.EventNewMessage, ConversationID: "other",
		Message: &models.Message{ID: "x", Content: "not ours"}}
	conn.frames <- models.ChannelEvent{Type: models.EventNewAttachment, ConversationID: "c1",
		Attachment: &models.Attachment{ID: "att-1", FileName: "a.png", FileURL: "/files/a.png"}}

	<-updates
	_, ok := c.Timeline().Get("x")
	assert.False(t, ok)
	entry, ok := c.Timeline().Get("att-1")
	require.True(t, ok)
	assert.True(t, entry.IsAttachment())
}

func TestConfirmedMessagesAreCached(t *testing.T) {
	history := []models.Message{{ID: "h1", ConversationID: "c1", Content: "old", Timestamp: time.Now(), DeliveryState: models.Confirmed}}
	cache := new(mocks.MessageCacheMock)
	cache.On("SaveMessages", mock.Anything, history).Return(nil).Once()
	cache.On("SaveMessages", mock.Anything, mock.MatchedBy(func(msgs []models.Message) bool {
		return len(msgs) == 1 && msgs[0].ID != "h1" && msgs[0].DeliveryState == models.Confirmed
	})).Return(nil).Once()

	conn := newFakeConn()
	c := newFakeSession(t, &fakeAPI{history: history}, func(context.Context) (Conn, error) { return conn, nil }, Options{Cache: cache})
	require.NoError(t, c.Open(context.Background()))
	defer c.Close()
	require.NoError(t, c.WaitHistory(context.Background()))

	sent, err := c.Send(context.Background(), "new")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sent.ID, "srv-"))
	cache.AssertExpectations(t)
}

func TestOnMessageReportsNewLiveEntries(t *testing.T) {
	var mu sync.Mutex
	var got []string
	conn := newFakeConn()
	c := newFakeSession(t, &fakeAPI{}, func(context.Context) (Conn, error) { return conn, nil },
		Options{OnMessage: func(m models.Message) {
			mu.Lock()
			got = append(got, m.ID)
			mu.Unlock()
		}})
	require.NoError(t, c.Open(context.Background()))
	defer c.Close()
	require.NoError(t, c.WaitHistory(context.Background()))

	live := &models.Message{ID: "live-1", SenderID: "u2", Content: "hi", Timestamp: time.Now()}
	conn.frames <- models.ChannelEvent{Type: models.EventNewMessage, ConversationID: "c1", Message: live}
	conn.frames <- models.ChannelEvent{Type: models.EventNewMessage, ConversationID: "c1", Message: live}
	conn.frames <- models.ChannelEvent{Type: models.EventNewAttachment, ConversationID: "c1",
		Attachment: &models.Attachment{ID: "att-1", SenderID: "u2", FileName: "a.png", FileURL: "/files/a.png", Timestamp: time.Now()}}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"live-1", "att-1"}, got)
	mu.Unlock()
}

type suffixTranslator struct{}

func (suffixTranslator) Translate(_ context.Context, text, lang string) string {
	return text + " [" + lang + "]"
}

func TestTranslateAllDecoratesTextEntries(t *testing.T) {
	api := &fakeAPI{history: []models.Message{
		{ID: "h1", Content: "hello", Timestamp: time.Now(), DeliveryState: models.Confirmed},
		{ID: "f1", Kind: models.KindAttachment, Content: "a.pdf", Timestamp: time.Now(),
			AttachmentRef: &models.AttachmentRef{FileName: "a.pdf", FileURL: "/files/a.pdf"}, DeliveryState: models.Confirmed},
	}}
	conn := newFakeConn()
	c := newFakeSession(t, api, func(context.Context) (Conn, error) { return conn, nil }, Options{Translator: suffixTranslator{}})
	require.NoError(t, c.Open(context.Background()))
	defer c.Close()
	require.NoError(t, c.WaitHistory(context.Background()))

	require.NoError(t, c.TranslateAll(context.Background(), "es"))
	entry, _ := c.Timeline().Get("h1")
	require.NotNil(t, entry.Translation)
	assert.Equal(t, "hello [es]", entry.Translation.Text)
	file, _ := c.Timeline().Get("f1")
	assert.Nil(t, file.Translation)
}

func TestTranslateAllWithoutTranslator(t *testing.T) {
	c := newFakeSession(t, &fakeAPI{}, func(context.Context) (Conn, error) { return newFakeConn(), nil }, Options{})
	assert.ErrorIs(t, c.TranslateAll(context.Background(), "es"), models.ErrTranslationUnavailable)
}

// End-to-end against the development backend.

type e2e struct {
	t      *testing.T
	issuer *identity.Issuer
	srv    *devserver.Server
	ts     *httptest.Server
	conv   models.Conversation
}

func newE2E(t *testing.T, echo bool) *e2e {
	t.Helper()
	issuer := identity.NewIssuer("secret", time.Hour)
	srv, err := devserver.New(devserver.Options{Verifier: issuer, FilesDir: t.TempDir(), EchoToSender: echo, Quiet: true})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &e2e{t: t, issuer: issuer, srv: srv, ts: ts, conv: srv.Memory.CreateConversation("alice", "bob")}
}

func (e *e2e) open(user string) *Controller {
	e.t.Helper()
	token, err := e.issuer.Issue(user)
	require.NoError(e.t, err)
	tokens := identity.Static{UserID: user, Token: token}
	record, err := transfer.OpenRecord(e.t.TempDir())
	require.NoError(e.t, err)

	c, err := New(Options{
		ConversationID: e.conv.ID,
		UserID:         user,
		API:            rest.New(e.ts.URL, rest.Options{Tokens: tokens}),
		Dial:           WSDialer("ws"+strings.TrimPrefix(e.ts.URL, "http")+"/ws", ws.DialOptions{Tokens: tokens}),
		Record:         record,
		AttachmentDir:  filepath.Join(e.t.TempDir(), user),
		Location:       time.UTC,
	})
	require.NoError(e.t, err)
	require.NoError(e.t, c.Open(context.Background()))
	require.NoError(e.t, c.WaitHistory(context.Background()))
	e.t.Cleanup(c.Close)
	return c
}

func (e *e2e) waitJoined(n int) {
	require.Eventually(e.t, func() bool { return e.srv.Hub.Rooms()[e.conv.ID] == n }, 2*time.Second, 10*time.Millisecond)
}

func TestEndToEndSendAndReceive(t *testing.T) {
	env := newE2E(t, false)
	_, err := env.srv.Memory.AddMessage(context.Background(), models.Message{ConversationID: env.conv.ID, SenderID: "bob", Content: "earlier"})
	require.NoError(t, err)

	alice := env.open("alice")
	bob := env.open("bob")
	env.waitJoined(2)
	assert.Equal(t, 1, alice.Timeline().Len())

	sent, err := alice.Send(context.Background(), "hi bob")
	require.NoError(t, err)
	assert.Equal(t, models.Confirmed, sent.DeliveryState)

	entry, ok := alice.Timeline().Get(sent.ID)
	require.True(t, ok)
	assert.Equal(t, models.Confirmed, entry.DeliveryState)
	assert.Equal(t, 2, alice.Timeline().Len())

	require.Eventually(t, func() bool {
		_, ok := bob.Timeline().Get(sent.ID)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, bob.Timeline().Len())
}

func TestEndToEndEchoToSenderKeepsOneEntry(t *testing.T) {
	env := newE2E(t, true)
	alice := env.open("alice")
	env.waitJoined(1)

	sent, err := alice.Send(context.Background(), "echo me")
	require.NoError(t, err)

	// Give the echo time to arrive.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, alice.Timeline().Len())
	entry, ok := alice.Timeline().Get(sent.ID)
	require.True(t, ok)
	assert.Equal(t, models.Confirmed, entry.DeliveryState)
}

func TestEndToEndAttachment(t *testing.T) {
	env := newE2E(t, false)
	alice := env.open("alice")
	bob := env.open("bob")
	env.waitJoined(2)

	src := filepath.Join(t.TempDir(), "report.pdf")
	require.NoError(t, os.WriteFile(src, []byte("%PDF-1.4 test"), 0o644))

	var last int
	att, err := alice.SendAttachment(context.Background(), transfer.LocalFile{Path: src}, func(p int) { last = p })
	require.NoError(t, err)
	assert.Equal(t, 100, last)
	assert.True(t, alice.IsMaterialized(att.FileName))

	require.Eventually(t, func() bool {
		_, ok := bob.Timeline().Get(att.ID)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	path, err := bob.Download(context.Background(), att.ID, nil)
	require.NoError(t, err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 test", string(got))

	opened, err := bob.OpenAttachment(att.FileName)
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", opened.MimeType)

	_, err = bob.Download(context.Background(), "no-such-entry", nil)
	assert.ErrorIs(t, err, models.ErrNotFound)
}
