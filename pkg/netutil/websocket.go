package netutil

import (
	"io"

	"github.com/gorilla/websocket"
)

// WebSocketConn adapts a WebSocket connection to the byte-stream interface
// the relay's framer consumes. Incoming messages are concatenated into one
// stream, so a message may carry several records or part of one. Each
// Write becomes one text message.
type WebSocketConn struct {
	*websocket.Conn
	r io.Reader
}

// NewWebSocketConn wraps ws.
func NewWebSocketConn(ws *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{Conn: ws}
}

// Read implements io.Reader across message boundaries. A normal close from
// the peer is reported as io.EOF.
func (c *WebSocketConn) Read(p []byte) (int, error) {
	for {
		if c.r == nil {
			_, r, err := c.Conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			c.r = r
		}

		n, err := c.r.Read(p)
		if err == io.EOF {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Write sends p as a single text message.
func (c *WebSocketConn) Write(p []byte) (int, error) {
	if err := c.Conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
