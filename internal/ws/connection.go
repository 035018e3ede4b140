package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Close status codes sent to clients. The 4xxx range is application-defined;
// 1013 is the standard "try again later" code used when the room is full.
const (
	CloseInvalidIdentity ws.StatusCode = 4400
	CloseAuthRequired    ws.StatusCode = 4401
	CloseInvalidAuth     ws.StatusCode = 4403
	CloseTryAgainLater   ws.StatusCode = 1013
)

// Connection represents a single authenticated WebSocket client with a write
// mutex for serializing outbound frames.
type Connection struct {
	ID           string   // connection ID (UUID)
	Username     string   // authenticated chat identity
	SessionID    string   // auth session backing this connection
	Conn         net.Conn // underlying TCP connection
	ConnectedAt  time.Time
	lastActivity atomic.Int64 // unix nanos of the last successful read
	writeMu      sync.Mutex   // serializes writes to this connection
}

// Touch records activity on the connection. Any inbound frame counts.
func (c *Connection) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the most recent inbound frame.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// CloseWithCode sends a close frame with the given status code and reason,
// then closes the underlying connection. Write errors are ignored since the
// peer may already be gone.
func (c *Connection) CloseWithCode(code ws.StatusCode, reason string) error {
	c.writeMu.Lock()
	_ = ws.WriteFrame(c.Conn, ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
	c.writeMu.Unlock()
	return c.Conn.Close()
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// writeClose sends a close frame on a raw connection that never made it into
// the registry (handshake rejections).
func writeClose(conn net.Conn, code ws.StatusCode, reason string) {
	_ = ws.WriteFrame(conn, ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
	_ = conn.Close()
}
