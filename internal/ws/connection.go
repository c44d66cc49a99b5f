package ws

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
)

// Close codes sent with a rejection, in the private 4000-4999 range.
const (
	CloseUnauthenticated ws.StatusCode = 4401
	CloseBanned          ws.StatusCode = 4403
)

// Connection is one upgraded WebSocket connection. All frame writes go
// through the write mutex so the writer pump, the heartbeat and control
// replies never interleave bytes.
type Connection struct {
	ID        string
	Conn      net.Conn
	CreatedAt time.Time

	writeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once
}

func newConnection(conn net.Conn, writeTimeout time.Duration) *Connection {
	return &Connection{
		ID:           uuid.NewString(),
		Conn:         conn,
		CreatedAt:    time.Now(),
		writeTimeout: writeTimeout,
	}
}

// WriteMessage sends a text frame.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame.
func (c *Connection) WritePing() error {
	return c.writeFrame(ws.NewPingFrame(nil))
}

// WriteClose sends a close frame with code and reason.
func (c *Connection) WriteClose(code ws.StatusCode, reason string) error {
	return c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
}

func (c *Connection) writeFrame(f ws.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	return ws.WriteFrame(c.Conn, f)
}

func (c *Connection) setWriteDeadline() {
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
}

// handleControl answers a control frame whose payload is r. A close frame is
// echoed and reported as io.EOF.
func (c *Connection) handleControl(h ws.Header, r io.Reader) error {
	switch h.OpCode {
	case ws.OpPing:
		payload, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		return c.writeFrame(ws.NewPongFrame(payload))
	case ws.OpClose:
		_, _ = io.Copy(io.Discard, r)
		_ = c.WriteClose(ws.StatusNormalClosure, "")
		return io.EOF
	default:
		_, err := io.Copy(io.Discard, r)
		return err
	}
}

// Close closes the underlying network connection once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.Conn.Close() })
	return err
}

// ConnectionManager tracks every open connection, authenticated or not.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{byID: make(map[string]*Connection)}
}

// Add registers conn.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove unregisters the connection and closes it. It returns false if the
// connection was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	delete(cm.byID, id)
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Count returns the number of open connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byID)
}

// All returns a snapshot of all open connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
