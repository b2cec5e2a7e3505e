package stream

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
)

// wsConn wraps a gorilla connection. Gorilla permits one concurrent
// writer, so writes are serialised here rather than in the manager.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, msg, err := c.conn.ReadMessage()
	return msg, err
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// WSDialer dials real websocket endpoints.
type WSDialer struct{}

// Dial opens a websocket session honouring ctx cancellation.
func (WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

var _ Dialer = WSDialer{}
var _ Conn = (*wsConn)(nil)
