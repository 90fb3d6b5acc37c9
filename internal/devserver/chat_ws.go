package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	jww "github.com/spf13/jwalterweatherman"
	"go.opentelemetry.io/otel"

	"chat-client/internal/middleware"
	"chat-client/internal/models"
	"chat-client/internal/observability"
)

// MembershipChecker answers whether a user may join a conversation room.
type MembershipChecker interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

// ChatWebSocketHandler serves the live channel.
type ChatWebSocketHandler struct {
	hub      *Hub
	members  MembershipChecker
	verifier middleware.TokenVerifier
}

func NewChatWebSocketHandler(hub *Hub, members MembershipChecker, verifier middleware.TokenVerifier) *ChatWebSocketHandler {
	return &ChatWebSocketHandler{hub: hub, members: members, verifier: verifier}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle authenticates, upgrades and then serves room frames until the
// connection ends.
func (h *ChatWebSocketHandler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("chat-devserver/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token, ok := middleware.BearerToken(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
		return
	}
	userID, err := h.verifier.Verify(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	cl := &client{conn: conn, info: ConnInfo{
		ConnID:      uuid.NewString(),
		UserID:      userID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}}
	jww.DEBUG.Printf("[DEV] ws connect conn=%s user=%s", cl.info.ConnID, userID)

	go h.serve(context.WithoutCancel(ctx), cl)
}

func (h *ChatWebSocketHandler) serve(ctx context.Context, cl *client) {
	defer func() {
		h.hub.LeaveAll(cl)
		cl.conn.Close()
		jww.DEBUG.Printf("[DEV] ws disconnect conn=%s after %s", cl.info.ConnID, time.Since(cl.info.ConnectedAt))
	}()

	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				jww.DEBUG.Printf("[DEV] ws read conn=%s: %v", cl.info.ConnID, err)
			}
			return
		}

		var ev models.ChannelEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			h.reply(cl, "malformed frame")
			continue
		}
		h.handleFrame(ctx, cl, ev)
	}
}

func (h *ChatWebSocketHandler) handleFrame(ctx context.Context, cl *client, ev models.ChannelEvent) {
	switch ev.Type {
	case models.EventJoinRoom:
		if ev.ConversationID == "" {
			h.reply(cl, "conversationId is required")
			return
		}
		member, err := h.members.IsParticipant(ctx, ev.ConversationID, cl.info.UserID)
		if err != nil || !member {
			h.reply(cl, "not a conversation member")
			return
		}
		h.hub.Join(ev.ConversationID, cl)
	case models.EventLeaveRoom:
		h.hub.Leave(ev.ConversationID, cl)
	case models.EventSendMessage, models.EventSendAttachment:
		// The REST endpoints broadcast the stored record with its server
		// id, so client announcements are not relayed.
		jww.TRACE.Printf("[DEV] %s from conn=%s not relayed", ev.Type, cl.info.ConnID)
	default:
		h.reply(cl, "unknown event type")
	}
}

func (h *ChatWebSocketHandler) reply(cl *client, msg string) {
	if err := cl.sendEvent(models.ChannelEvent{Type: models.EventError, Error: msg}); err != nil {
		jww.DEBUG.Printf("[DEV] ws reply conn=%s: %v", cl.info.ConnID, err)
	}
}
