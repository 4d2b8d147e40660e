package shell

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the client side of a session.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	// WriteControl may be called while another write is in progress.
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// SafeConn wraps a websocket.Conn with a mutex for thread-safe writes.
// gorilla/websocket doesn't support concurrent data writers.
type SafeConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// NewSafeConn wraps a websocket connection for thread-safe writes.
func NewSafeConn(conn *websocket.Conn) *SafeConn {
	return &SafeConn{conn: conn}
}

// WriteMessage sends a message with the given type and payload.
func (sc *SafeConn) WriteMessage(messageType int, data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.conn.WriteMessage(messageType, data)
}

// WriteControl sends a control frame. It bypasses the write mutex:
// gorilla/websocket allows control frames concurrently with other writes.
func (sc *SafeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	return sc.conn.WriteControl(messageType, data, deadline)
}

// ReadMessage reads the next message. Only the input relay reads.
func (sc *SafeConn) ReadMessage() (int, []byte, error) {
	return sc.conn.ReadMessage()
}

// Close closes the underlying connection.
func (sc *SafeConn) Close() error {
	return sc.conn.Close()
}
