// Package devserver is an in-memory chat backend for local development and
// end-to-end tests: the REST API and the live channel rooms.
package devserver

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jww "github.com/spf13/jwalterweatherman"

	"chat-client/internal/models"
)

const writeWait = 10 * time.Second

// client is one websocket connection. Writes are serialized per connection.
type client struct {
	conn *websocket.Conn
	info ConnInfo
	mu   sync.Mutex
}

func (c *client) send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *client) sendEvent(ev models.ChannelEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return c.send(payload)
}

// Hub maintains live conversation rooms.
type Hub struct {
	rooms        map[string]map[*client]struct{}
	echoToSender bool
	mu           sync.RWMutex
}

// NewHub creates an empty hub. With echoToSender set, broadcasts also reach
// the sender's own connections.
func NewHub(echoToSender bool) *Hub {
	return &Hub{
		rooms:        make(map[string]map[*client]struct{}),
		echoToSender: echoToSender,
	}
}

// Join registers a connection in a conversation room.
func (h *Hub) Join(conversationID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[conversationID]; !ok {
		h.rooms[conversationID] = make(map[*client]struct{})
	}
	h.rooms[conversationID][c] = struct{}{}
}

// Leave removes a connection from a room.
func (h *Hub) Leave(conversationID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(conversationID, c)
}

// LeaveAll removes a connection from every room it joined.
func (h *Hub) LeaveAll(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id := range h.rooms {
		h.leaveLocked(id, c)
	}
}

func (h *Hub) leaveLocked(conversationID string, c *client) {
	if conns, ok := h.rooms[conversationID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, conversationID)
		}
	}
}

// Broadcast sends ev to the room's connections, skipping those of senderID
// unless the hub echoes to senders.
func (h *Hub) Broadcast(conversationID string, ev models.ChannelEvent, senderID string) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.rooms[conversationID]))
	for c := range h.rooms[conversationID] {
		if !h.echoToSender && senderID != "" && c.info.UserID == senderID {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	payload, err := json.Marshal(ev)
	if err != nil {
		jww.ERROR.Printf("[DEV] encode %s: %v", ev.Type, err)
		return
	}
	for _, c := range targets {
		if err := c.send(payload); err != nil {
			jww.WARN.Printf("[DEV] websocket write to %s failed: %v", c.info.ConnID, err)
			c.conn.Close()
			h.LeaveAll(c)
		}
	}
}

// Rooms reports the number of connections per room.
func (h *Hub) Rooms() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]int, len(h.rooms))
	for id, conns := range h.rooms {
		out[id] = len(conns)
	}
	return out
}
