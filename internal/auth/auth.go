// Package auth issues and validates JWT access tokens backed by server-side
// sessions. A token is only accepted while its session row is still active,
// so kicking a user or logging in again revokes older tokens immediately.
package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL is how long issued tokens and their sessions stay valid.
const DefaultTokenTTL = 24 * time.Hour

var (
	// ErrInvalidToken is returned when a token fails signature or claims
	// validation.
	ErrInvalidToken = errors.New("auth: invalid token")

	// ErrSessionRevoked is returned when a token is well formed but its
	// session has been invalidated or swept.
	ErrSessionRevoked = errors.New("auth: session revoked")
)

var usernameRe = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// ValidUsername reports whether name is an acceptable chat identity:
// non-empty, at most 50 characters, limited to letters, digits, dot,
// underscore, and hyphen.
func ValidUsername(name string) bool {
	return name != "" && len(name) <= 50 && usernameRe.MatchString(name)
}

// Claims is the JWT payload: the standard registered claims plus the
// server-side session id.
type Claims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// Identity is the authenticated principal attached to a request or
// connection.
type Identity struct {
	Username  string
	SessionID string
}

// SessionChecker reports whether a session id is still active. Implemented
// by the PostgreSQL store.
type SessionChecker interface {
	IsSessionActive(ctx context.Context, sessionID string) (bool, error)
}

// Manager signs and verifies tokens.
type Manager struct {
	secret   []byte
	ttl      time.Duration
	sessions SessionChecker
}

// NewManager creates a token manager with the given HMAC secret. A zero ttl
// defaults to DefaultTokenTTL.
func NewManager(secret []byte, ttl time.Duration, sessions SessionChecker) *Manager {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Manager{secret: secret, ttl: ttl, sessions: sessions}
}

// TTL returns the configured token lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// IssueToken signs an HS256 token for the given username and session id and
// returns it along with its expiry.
func (m *Manager) IssueToken(username, sessionID string) (string, time.Time, error) {
	now := time.Now()
	expires := now.Add(m.ttl)

	claims := Claims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, expires, nil
}

// ParseToken verifies the signature and expiry of a token and returns its
// claims. Session state is not checked here; use Authenticate for that.
func (m *Manager) ParseToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims,
		func(t *jwt.Token) (interface{}, error) { return m.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" || claims.SessionID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Authenticate validates a token and confirms its session is still active.
func (m *Manager) Authenticate(ctx context.Context, tokenStr string) (*Identity, error) {
	claims, err := m.ParseToken(tokenStr)
	if err != nil {
		return nil, err
	}

	active, err := m.sessions.IsSessionActive(ctx, claims.SessionID)
	if err != nil {
		return nil, fmt.Errorf("auth: check session: %w", err)
	}
	if !active {
		return nil, ErrSessionRevoked
	}

	return &Identity{Username: claims.Subject, SessionID: claims.SessionID}, nil
}
