package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-client/internal/identity"
	"chat-client/internal/models"
)

func TestHubJoinAndLeave(t *testing.T) {
	hub := NewHub(false)
	a, b := &client{}, &client{}

	hub.Join("c1", a)
	hub.Join("c1", b)
	hub.Join("c2", a)
	assert.Equal(t, map[string]int{"c1": 2, "c2": 1}, hub.Rooms())

	hub.Leave("c1", b)
	assert.Equal(t, map[string]int{"c1": 1, "c2": 1}, hub.Rooms())

	hub.LeaveAll(a)
	assert.Empty(t, hub.Rooms())
}

func TestMemoryPagesByRecentActivity(t *testing.T) {
	mem := NewMemory()
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mem.now = func() time.Time { clock = clock.Add(time.Second); return clock }
	ctx := context.Background()

	c1 := mem.CreateConversation("u1", "u2")
	c2 := mem.CreateConversation("u1", "u3")
	c3 := mem.CreateConversation("u1", "u4")
	mem.CreateConversation("u5", "u6")

	_, err := mem.AddMessage(ctx, models.Message{ConversationID: c1.ID, SenderID: "u2", Content: "bump"})
	require.NoError(t, err)

	page, err := mem.ListConversations(ctx, "u1", 1, 2)
	require.NoError(t, err)
	require.Len(t, page.Conversations, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, c1.ID, page.Conversations[0].ID)
	assert.Equal(t, "bump", page.Conversations[0].LastMessage)
	assert.Equal(t, c3.ID, page.Conversations[1].ID)

	page, err = mem.ListConversations(ctx, "u1", 2, 2)
	require.NoError(t, err)
	require.Len(t, page.Conversations, 1)
	assert.False(t, page.HasMore)
	assert.Equal(t, c2.ID, page.Conversations[0].ID)

	page, err = mem.ListConversations(ctx, "u1", 5, 2)
	require.NoError(t, err)
	assert.Empty(t, page.Conversations)
}

func TestMemoryAssignsServerIDs(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()
	conv := mem.CreateConversation("u1", "u2")

	msg, err := mem.AddMessage(ctx, models.Message{ID: "local-1", ConversationID: conv.ID, SenderID: "u1", Content: "hi"})
	require.NoError(t, err)
	assert.NotEqual(t, "local-1", msg.ID)
	assert.False(t, msg.Timestamp.IsZero())

	_, err = mem.AddMessage(ctx, models.Message{ConversationID: "nope", Content: "hi"})
	assert.ErrorIs(t, err, models.ErrNotFound)

	member, err := mem.IsParticipant(ctx, conv.ID, "u3")
	require.NoError(t, err)
	assert.False(t, member)
}

func TestLiveRoomBroadcast(t *testing.T) {
	issuer := identity.NewIssuer("secret", time.Hour)
	srv, err := New(Options{Verifier: issuer, FilesDir: t.TempDir(), Quiet: true})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conv := srv.Memory.CreateConversation("u1", "u2")
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	dial := func(user string) *websocket.Conn {
		token, err := issuer.Issue(user)
		require.NoError(t, err)
		header := http.Header{"Authorization": []string{"Bearer " + token}}
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
		require.NoError(t, err)
		require.NoError(t, conn.WriteJSON(models.ChannelEvent{Type: models.EventJoinRoom, ConversationID: conv.ID}))
		return conn
	}
	sender := dial("u1")
	defer sender.Close()
	receiver := dial("u2")
	defer receiver.Close()

	require.Eventually(t, func() bool { return srv.Hub.Rooms()[conv.ID] == 2 }, 2*time.Second, 10*time.Millisecond)

	msg, err := srv.Memory.AddMessage(context.Background(), models.Message{ConversationID: conv.ID, SenderID: "u1", Content: "hey"})
	require.NoError(t, err)
	srv.Hub.Broadcast(conv.ID, models.ChannelEvent{Type: models.EventNewMessage, ConversationID: conv.ID, Message: &msg}, "u1")

	receiver.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := receiver.ReadMessage()
	require.NoError(t, err)
	var ev models.ChannelEvent
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, models.EventNewMessage, ev.Type)
	assert.Equal(t, msg.ID, ev.Message.ID)

	// The sender is skipped, so its next frame is the error reply below.
	require.NoError(t, sender.WriteJSON(models.ChannelEvent{Type: "bogus"}))
	sender.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err = sender.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, models.EventError, ev.Type)
}

func TestLiveRoomRejectsBadToken(t *testing.T) {
	srv, err := New(Options{Verifier: identity.NewIssuer("secret", time.Hour), FilesDir: t.TempDir(), Quiet: true})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws",
		http.Header{"Authorization": []string{"Bearer forged"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
