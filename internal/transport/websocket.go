package transport

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chatty/internal/domain"
)

const wsWriteTimeout = 10 * time.Second

// WSConn wraps a websocket connection with serialized writes. gorilla
// connections allow only one concurrent writer, and events and pings come
// from different goroutines.
type WSConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

// SendEvent writes one stream event as a JSON text message.
func (c *WSConn) SendEvent(ev domain.StreamEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(ev)
}

// Ping sends a control ping frame.
func (c *WSConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

// SendRequest submits a chat request; the client-side mirror of
// ReadRequest.
func (c *WSConn) SendRequest(req ChatRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(req)
}

// ReadRequest blocks until the peer sends a chat request.
func (c *WSConn) ReadRequest() (ChatRequest, error) {
	var req ChatRequest
	if err := c.conn.ReadJSON(&req); err != nil {
		return req, err
	}
	return req, nil
}

// ReadEvents delivers incoming stream events to handle until a terminal
// event arrives or the connection drops.
func (c *WSConn) ReadEvents(handle func(domain.StreamEvent) error) error {
	for {
		var ev domain.StreamEvent
		if err := c.conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return io.ErrUnexpectedEOF
			}
			return fmt.Errorf("read event: %w", err)
		}
		if err := handle(ev); err != nil {
			return err
		}
		if ev.Terminal() {
			return nil
		}
	}
}

// Close sends a normal close frame and tears down the connection.
func (c *WSConn) Close() error {
	c.mu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.mu.Unlock()
	return c.conn.Close()
}
