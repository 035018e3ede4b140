// Package ws handles WebSocket connection management for the chat room:
// authenticated upgrades, the live connection registry, per-connection read
// loops, message dispatch, and stale-connection reaping.
package ws

import (
	"context"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/safestream/gateway/internal/auth"
	"github.com/safestream/gateway/internal/metrics"
	"github.com/safestream/gateway/internal/ratelimit"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	MaxConnections int           // hard cap on concurrent viewers
	WriteTimeout   time.Duration // timeout for outbound frame writes
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MaxConnections: DefaultMaxConnections,
		WriteTimeout:   10 * time.Second,
	}
}

// Authenticator validates a bearer token and returns the identity behind it.
// Implemented by the auth token manager.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*auth.Identity, error)
}

// SessionInvalidator revokes the auth session attached to a connection when
// the connection goes away. Implemented by the PostgreSQL store.
type SessionInvalidator interface {
	InvalidateSession(ctx context.Context, sessionID string) error
}

// ConnectLimiter throttles connection attempts per client address.
// Implemented by the Redis rate limiter.
type ConnectLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Server upgrades HTTP requests to authenticated WebSocket connections,
// tracks them in a Registry, and runs a read goroutine per connection that
// feeds complete text frames to the onMessage callback.
type Server struct {
	config       ServerConfig
	registry     *Registry
	authn        Authenticator
	sessions     SessionInvalidator
	limiter      ConnectLimiter
	onMessage    func(conn *Connection, data []byte)
	onDisconnect func(conn *Connection)
	done         chan struct{}
}

// NewServer creates a Server. The onMessage callback runs on the
// connection's read goroutine whenever a complete text frame arrives.
func NewServer(config ServerConfig, authn Authenticator, sessions SessionInvalidator, onMessage func(conn *Connection, data []byte)) *Server {
	if config.MaxConnections <= 0 {
		config.MaxConnections = DefaultMaxConnections
	}
	return &Server{
		config:    config,
		registry:  NewRegistry(config.MaxConnections),
		authn:     authn,
		sessions:  sessions,
		onMessage: onMessage,
		done:      make(chan struct{}),
	}
}

// SetOnDisconnect registers a callback invoked after a connection has been
// removed from the registry.
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// SetConnectLimiter enables per-address connection rate limiting on upgrade.
func (s *Server) SetConnectLimiter(l ConnectLimiter) {
	s.limiter = l
}

// Registry returns the live connection registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// ViewerCount returns the number of live connections.
func (s *Server) ViewerCount() int {
	return s.registry.Count()
}

// Online reports whether a username currently has a live connection.
func (s *Server) Online(username string) bool {
	return s.registry.GetByUser(username) != nil
}

// HandleUpgrade upgrades an HTTP request to a WebSocket connection. The
// request path carries the claimed identity (/ws/{username}), which must
// match the identity inside the token.
//
// Authentication and identity problems are reported over the WebSocket
// itself: the upgrade is completed first, then the connection is closed with
// a status code the client can distinguish (4401 missing token, 4403 invalid
// token, revoked session, or identity mismatch, 4400 unacceptable username,
// 1013 room full).
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	token := auth.BearerToken(r)
	claimed := claimedIdentity(r.URL.Path)

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed from %s: %v", r.RemoteAddr, err)
		return
	}

	if s.limiter != nil {
		host := r.RemoteAddr
		if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			host = h
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		allowed, _ := s.limiter.Allow(ctx, host, ratelimit.RuleConnect)
		cancel()
		if !allowed {
			log.Printf("ws: connection rate limited addr=%s", r.RemoteAddr)
			writeClose(conn, CloseTryAgainLater, "too many connection attempts")
			return
		}
	}

	if token == "" {
		writeClose(conn, CloseAuthRequired, "authentication required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	identity, err := s.authn.Authenticate(ctx, token)
	cancel()
	if err != nil {
		log.Printf("ws: auth rejected from %s: %v", r.RemoteAddr, err)
		writeClose(conn, CloseInvalidAuth, "invalid or expired token")
		return
	}

	if !auth.ValidUsername(claimed) {
		writeClose(conn, CloseInvalidIdentity, "invalid username")
		return
	}
	if claimed != identity.Username {
		log.Printf("ws: identity mismatch from %s: claimed=%s token=%s", r.RemoteAddr, claimed, identity.Username)
		writeClose(conn, CloseInvalidAuth, "identity mismatch")
		return
	}

	c := &Connection{
		ID:          uuid.New().String(),
		Username:    identity.Username,
		SessionID:   identity.SessionID,
		Conn:        conn,
		ConnectedAt: time.Now(),
	}
	c.Touch()

	prev, ok := s.registry.Add(c)
	if !ok {
		writeClose(conn, CloseTryAgainLater, "room is full")
		return
	}
	if prev != nil {
		// The newest connection for a username wins.
		log.Printf("ws: superseding connection user=%s old=%s new=%s", c.Username, prev.ID, c.ID)
		_ = prev.CloseWithCode(ws.StatusNormalClosure, "superseded by new connection")
	}

	metrics.Viewers.Set(float64(s.registry.Count()))
	log.Printf("ws: new connection user=%s conn=%s (total=%d)", c.Username, c.ID, s.registry.Count())

	go s.readLoop(c)
}

// claimedIdentity extracts the username segment from a /ws/{username} path.
func claimedIdentity(path string) string {
	claimed := strings.TrimSuffix(path, "/")
	if i := strings.LastIndexByte(claimed, '/'); i >= 0 {
		claimed = claimed[i+1:]
	}
	if claimed == "ws" {
		return ""
	}
	return claimed
}

// readLoop reads frames from the connection until it fails or closes.
// Control frames are handled here; data frames go to onMessage.
func (s *Server) readLoop(c *Connection) {
	defer s.Disconnect(c)

	for {
		select {
		case <-s.done:
			return
		default:
		}

		header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
		if err != nil {
			return
		}

		c.Touch()

		if header.OpCode.IsControl() {
			if header.OpCode == ws.OpClose {
				return
			}
			if header.OpCode == ws.OpPing {
				c.writeMu.Lock()
				_ = ws.WriteFrame(c.Conn, ws.NewPongFrame(nil))
				c.writeMu.Unlock()
			}
			// Pong frames only prove liveness.
			if header.Length > 0 {
				_, _ = io.Copy(io.Discard, reader)
			}
			continue
		}

		data := make([]byte, header.Length)
		if header.Length > 0 {
			if _, err := io.ReadFull(reader, data); err != nil {
				return
			}
		}
		if len(data) == 0 {
			continue
		}

		if s.onMessage != nil {
			s.onMessage(c, data)
		}
	}
}

// Disconnect removes a connection and closes it. Removal happens exactly
// once even if the read loop, the reaper, and an admin kick race; only the
// goroutine that wins the registry removal runs the cleanup.
func (s *Server) Disconnect(c *Connection) {
	s.CloseConnection(c, ws.StatusNormalClosure, "")
}

// CloseConnection removes a connection from the registry, sends a close
// frame with the given code and reason, invalidates its auth session, and
// notifies the disconnect callback. Safe to call multiple times.
func (s *Server) CloseConnection(c *Connection, code ws.StatusCode, reason string) {
	if !s.registry.Remove(c.ID) {
		return
	}

	if reason != "" {
		_ = c.CloseWithCode(code, reason)
	} else {
		_ = c.Close()
	}

	// A superseding connection may carry the same session; invalidating it
	// here would revoke the live successor's token.
	sessionInUse := false
	if cur := s.registry.GetByUser(c.Username); cur != nil && cur.SessionID == c.SessionID {
		sessionInUse = true
	}

	if s.sessions != nil && !sessionInUse {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.sessions.InvalidateSession(ctx, c.SessionID); err != nil {
			log.Printf("ws: invalidate session %s: %v", c.SessionID, err)
		}
		cancel()
	}

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	metrics.Viewers.Set(float64(s.registry.Count()))
	log.Printf("ws: connection closed user=%s conn=%s (total=%d)", c.Username, c.ID, s.registry.Count())
}

// Send writes a text frame to the connection with the configured write
// timeout applied.
func (s *Server) Send(c *Connection, data []byte) error {
	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return c.WriteMessage(data)
}

// Broadcast fans a message out to every live connection and evicts the ones
// whose write failed.
func (s *Server) Broadcast(data []byte) {
	for _, failed := range s.registry.Broadcast(data) {
		log.Printf("ws: broadcast write failed user=%s conn=%s, evicting", failed.Username, failed.ID)
		s.Disconnect(failed)
	}
}

// Kick closes the live connection for a username with the given reason and
// returns the number of connections closed (0 or 1, since each username
// holds at most one).
func (s *Server) Kick(username, reason string) int {
	c := s.registry.GetByUser(username)
	if c == nil {
		return 0
	}
	s.CloseConnection(c, ws.StatusNormalClosure, reason)
	return 1
}

// Notify delivers a frame to the live connection of a username, if any.
// Returns the number of connections notified; a write failure evicts the
// connection and counts as zero.
func (s *Server) Notify(username string, data []byte) int {
	c := s.registry.GetByUser(username)
	if c == nil {
		return 0
	}
	if err := s.Send(c, data); err != nil {
		log.Printf("ws: notify failed user=%s: %v, evicting", username, err)
		s.Disconnect(c)
		return 0
	}
	return 1
}

// Shutdown closes all active connections and stops the read loops.
func (s *Server) Shutdown() {
	log.Println("ws: shutting down, closing all connections")
	close(s.done)
	for _, c := range s.registry.All() {
		s.CloseConnection(c, ws.StatusGoingAway, "server shutting down")
	}
}

// Done returns a channel closed when the server is shutting down. Background
// loops tied to the server's lifetime select on it.
func (s *Server) Done() <-chan struct{} {
	return s.done
}
