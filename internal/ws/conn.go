// Package ws is the client side of the conversation-scoped live channel.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jww "github.com/spf13/jwalterweatherman"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"chat-client/internal/models"
	"chat-client/internal/observability"
	"chat-client/internal/rest"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// TokenSource supplies the bearer token for the handshake.
type TokenSource interface {
	IDToken() (string, error)
}

// DialOptions configures Dial.
type DialOptions struct {
	Tokens           TokenSource
	DeviceID         string
	HandshakeTimeout time.Duration
}

// Conn is one live channel connection. Emit is safe for concurrent use; a
// single goroutine runs ReadLoop.
type Conn struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// Dial opens a live channel connection to url.
func Dial(ctx context.Context, url string, opts DialOptions) (*Conn, error) {
	ctx, span := otel.Tracer("chat-client/ws").Start(ctx, "ws.dial")
	defer span.End()
	span.SetAttributes(attribute.String("ws.url", url))

	header := http.Header{}
	if opts.Tokens != nil {
		token, err := opts.Tokens.IDToken()
		if err != nil {
			return nil, fmt.Errorf("id token: %w", err)
		}
		if token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}
	if opts.DeviceID != "" {
		header.Set(observability.HeaderDeviceID, opts.DeviceID)
	}

	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if resp != nil && resp.StatusCode >= 400 {
			return nil, &models.RejectedError{Status: resp.StatusCode}
		}
		return nil, rest.Classify(err)
	}

	c := &Conn{conn: conn, closed: make(chan struct{})}
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.pingLoop()

	observability.IncChannelActive()
	jww.DEBUG.Printf("[WS] connected to %s", url)
	return c, nil
}

// Emit writes one frame. After Close or a transport failure it returns
// ErrChannelDisconnected.
func (c *Conn) Emit(ev models.ChannelEvent) error {
	select {
	case <-c.closed:
		return models.ErrChannelDisconnected
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(ev); err != nil {
		return fmt.Errorf("%w: emit %s: %w", models.ErrChannelDisconnected, ev.Type, err)
	}
	observability.IncChannelEvent("out", ev.Type)
	return nil
}

// ReadLoop delivers inbound frames to handle until the connection ends. It
// returns nil after Close or a normal close frame and an error wrapping
// ErrChannelDisconnected otherwise. Malformed frames are skipped.
func (c *Conn) ReadLoop(handle func(models.ChannelEvent)) error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return nil
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.shutdown(nil)
				return nil
			}
			c.shutdown(err)
			return fmt.Errorf("%w: %w", models.ErrChannelDisconnected, err)
		}

		var ev models.ChannelEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			jww.WARN.Printf("[WS] dropping malformed frame: %v", err)
			continue
		}
		observability.IncChannelEvent("in", ev.Type)
		handle(ev)
	}
}

// Close sends a close frame and tears the connection down. It is idempotent.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.shutdown(nil)
	return c.closeErr
}

// Done is closed once the connection is gone.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		close(c.closed)
		if err := c.conn.Close(); err != nil && cause == nil {
			c.closeErr = err
		}
		observability.DecChannelActive()
		if cause != nil {
			jww.INFO.Printf("[WS] connection lost: %v", cause)
		}
	})
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
