package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/safestream/gateway/internal/store"
)

type contextKey int

const identityKey contextKey = 0

// FromContext returns the authenticated identity attached by Middleware, or
// nil if the request was not authenticated.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey).(*Identity)
	return id
}

// WithIdentity returns a context carrying the identity.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// UserStore is the persistence surface the auth handlers need.
type UserStore interface {
	GetUserByUsername(ctx context.Context, username string) (*store.User, error)
	CreateUser(ctx context.Context, username, passwordHash, role string) (*store.User, error)
	CreateSession(ctx context.Context, id string, userID int64, token string, expiresAt time.Time) error
	InvalidateSessions(ctx context.Context, userID int64) (int64, error)
}

// Handler serves the register/login/logout/me HTTP endpoints.
type Handler struct {
	manager *Manager
	users   UserStore
}

// NewHandler creates the auth HTTP handler.
func NewHandler(manager *Manager, users UserStore) *Handler {
	return &Handler{manager: manager, users: users}
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// HandleRegister creates a new viewer account.
// POST /auth/register {"username": ..., "password": ...}
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !ValidUsername(creds.Username) {
		writeError(w, http.StatusBadRequest, "invalid username")
		return
	}
	if len(creds.Password) < 8 {
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(creds.Password), bcrypt.DefaultCost)
	if err != nil {
		log.Printf("[auth] bcrypt error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	user, err := h.users.CreateUser(r.Context(), creds.Username, string(hash), "viewer")
	if err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, "username already taken")
			return
		}
		log.Printf("[auth] create user error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"username": user.Username})
}

// HandleLogin verifies credentials and issues a token. Any prior session for
// the user is superseded.
// POST /auth/login {"username": ..., "password": ...}
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.users.GetUserByUsername(r.Context(), creds.Username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		log.Printf("[auth] get user error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(creds.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	sessionID := store.NewSessionID()
	token, expires, err := h.manager.IssueToken(user.Username, sessionID)
	if err != nil {
		log.Printf("[auth] issue token error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if err := h.users.CreateSession(r.Context(), sessionID, user.ID, token, expires); err != nil {
		log.Printf("[auth] create session error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"token":      token,
		"expires_at": expires.UTC().Format(time.RFC3339),
	})
}

// HandleLogout invalidates all active sessions for the authenticated user.
// POST /auth/logout
func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	id := FromContext(r.Context())
	if id == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	user, err := h.users.GetUserByUsername(r.Context(), id.Username)
	if err != nil {
		log.Printf("[auth] get user error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if _, err := h.users.InvalidateSessions(r.Context(), user.ID); err != nil {
		log.Printf("[auth] invalidate sessions error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleMe returns the authenticated identity.
// GET /auth/me
func (h *Handler) HandleMe(w http.ResponseWriter, r *http.Request) {
	id := FromContext(r.Context())
	if id == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"username": id.Username})
}

// Middleware authenticates the Bearer token on a request and attaches the
// identity to its context. Requests without a valid token are rejected.
func (h *Handler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := BearerToken(r)
		if tokenStr == "" {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		id, err := h.manager.Authenticate(r.Context(), tokenStr)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// BearerToken extracts the token from the Authorization header, falling back
// to the "token" query parameter for WebSocket handshakes where headers are
// awkward to set from browsers.
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
