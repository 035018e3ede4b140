package ws

import (
	"sync"
)

// DefaultMaxConnections is the room capacity when no limit is configured.
const DefaultMaxConnections = 1000

// Registry is a thread-safe index of live connections, keyed both by
// connection ID and by username. Each username holds at most one connection;
// a reconnect supersedes the previous one.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]*Connection
	byUser   map[string]*Connection
	capacity int
}

// NewRegistry creates an empty registry with the given capacity. A
// non-positive capacity falls back to DefaultMaxConnections.
func NewRegistry(capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultMaxConnections
	}
	return &Registry{
		byID:     make(map[string]*Connection),
		byUser:   make(map[string]*Connection),
		capacity: capacity,
	}
}

// Add registers a connection. If the username already has a live connection
// it is returned as prev so the caller can close it; the new connection
// always wins. Returns ok=false only when the room is at capacity and the
// username is not already present.
func (r *Registry) Add(conn *Connection) (prev *Connection, ok bool) {
	r.mu.Lock()
	prev = r.byUser[conn.Username]
	if prev == nil && len(r.byID) >= r.capacity {
		r.mu.Unlock()
		return nil, false
	}
	if prev != nil {
		delete(r.byID, prev.ID)
	}
	r.byID[conn.ID] = conn
	r.byUser[conn.Username] = conn
	r.mu.Unlock()
	return prev, true
}

// Remove removes a connection by ID. Returns true if the connection was found
// and removed, false if it was already gone. The username index is only
// cleared if it still points at this connection, so removing a superseded
// connection does not evict its replacement.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	conn, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
		if r.byUser[conn.Username] == conn {
			delete(r.byUser, conn.Username)
		}
	}
	r.mu.Unlock()
	return ok
}

// Get returns the connection with the given ID, or nil if not found.
func (r *Registry) Get(id string) *Connection {
	r.mu.RLock()
	conn := r.byID[id]
	r.mu.RUnlock()
	return conn
}

// GetByUser returns the live connection for a username, or nil.
func (r *Registry) GetByUser(username string) *Connection {
	r.mu.RLock()
	conn := r.byUser[username]
	r.mu.RUnlock()
	return conn
}

// Count returns the current number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.byID)
	r.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.byID))
	for _, conn := range r.byID {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()
	return conns
}

// Broadcast sends a message to all live connections over a snapshot taken
// once, so connections added mid-broadcast do not receive the message and
// removed ones are skipped. Connections whose write fails are returned so
// the caller can evict them.
func (r *Registry) Broadcast(msg []byte) []*Connection {
	conns := r.All()

	var failed []*Connection
	for _, conn := range conns {
		if err := conn.WriteMessage(msg); err != nil {
			failed = append(failed, conn)
		}
	}
	return failed
}
