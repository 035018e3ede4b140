// Package store provides PostgreSQL-backed persistence for users, chat
// messages, gift events, sessions, admin audit entries, and runtime settings.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// DefaultToxicityThreshold is used when no threshold has been stored or the
// stored value cannot be parsed.
const DefaultToxicityThreshold = 0.6

const keyToxicityThreshold = "toxicity_threshold"

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned when a unique constraint is violated.
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrThresholdRange is returned when a threshold outside [0, 1] is given.
	ErrThresholdRange = errors.New("store: threshold must be between 0 and 1")
)

// User is a registered or lazily-created chat identity.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

// Store manages all PostgreSQL access for the gateway.
type Store struct {
	db *sql.DB
}

// NewStore creates a store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL and verifies the connection.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// EnsureUser returns the id of the user with the given username, creating a
// viewer row if it does not exist yet. Chat identities are created lazily on
// first activity.
func (s *Store) EnsureUser(ctx context.Context, username string) (int64, error) {
	const query = `
		INSERT INTO users (username)
		VALUES ($1)
		ON CONFLICT (username) DO UPDATE SET username = EXCLUDED.username
		RETURNING id`

	var id int64
	if err := s.db.QueryRowContext(ctx, query, username).Scan(&id); err != nil {
		return 0, fmt.Errorf("store: ensure user: %w", err)
	}
	return id, nil
}

// GetUserByUsername fetches a user row. Returns ErrNotFound if no such user
// exists.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	const query = `
		SELECT id, username, COALESCE(password_hash, ''), role, created_at
		FROM users
		WHERE username = $1`

	var u User
	err := s.db.QueryRowContext(ctx, query, username).Scan(
		&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user: %w", err)
	}
	return &u, nil
}

// CreateUser inserts a user with credentials. Returns ErrAlreadyExists if the
// username is taken.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash, role string) (*User, error) {
	const query = `
		INSERT INTO users (username, password_hash, role)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`

	u := User{Username: username, PasswordHash: passwordHash, Role: role}
	err := s.db.QueryRowContext(ctx, query, username, passwordHash, role).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("store: create user: %w", err)
	}
	return &u, nil
}

// DeleteUser removes a user row. Messages and sessions cascade via foreign
// keys. Returns false if no user with that username existed.
func (s *Store) DeleteUser(ctx context.Context, username string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE username = $1`, username)
	if err != nil {
		return false, fmt.Errorf("store: delete user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: delete user: %w", err)
	}
	return n > 0, nil
}

// SaveMessage persists a chat message with its moderation verdict and returns
// the assigned id and creation timestamp.
func (s *Store) SaveMessage(ctx context.Context, userID int64, content string, toxic bool, score float64, blocked bool) (int64, time.Time, error) {
	const query = `
		INSERT INTO messages (user_id, content, toxic, score, blocked)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	var (
		id int64
		ts time.Time
	)
	err := s.db.QueryRowContext(ctx, query, userID, content, toxic, score, blocked).Scan(&id, &ts)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("store: save message: %w", err)
	}
	return id, ts, nil
}

// SaveGift records a gift event.
func (s *Store) SaveGift(ctx context.Context, from, giftID string, amount int) error {
	const query = `
		INSERT INTO gift_events (from_user, gift_id, amount)
		VALUES ($1, $2, $3)`

	if _, err := s.db.ExecContext(ctx, query, from, giftID, amount); err != nil {
		return fmt.Errorf("store: save gift: %w", err)
	}
	return nil
}

// LogAdminAction appends an entry to the admin audit trail. The actor is the
// authenticated identity that performed the action.
func (s *Store) LogAdminAction(ctx context.Context, actor, action, target, detail string) error {
	const query = `
		INSERT INTO admin_actions (actor, action, target, detail)
		VALUES ($1, $2, $3, $4)`

	if _, err := s.db.ExecContext(ctx, query, actor, action, target, detail); err != nil {
		return fmt.Errorf("store: log admin action: %w", err)
	}
	return nil
}

// NewSessionID returns a fresh session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// CreateSession invalidates any active sessions for the user and inserts a
// new one with the given id, so that the newest login always wins.
func (s *Store) CreateSession(ctx context.Context, id string, userID int64, token string, expiresAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: create session: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`UPDATE user_sessions SET invalidated = TRUE WHERE user_id = $1 AND NOT invalidated`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("store: supersede sessions: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO user_sessions (id, user_id, token, expires_at) VALUES ($1, $2, $3, $4)`,
		id, userID, token, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: create session: %w", err)
	}
	return nil
}

// IsSessionActive reports whether the session exists, is not invalidated, and
// has not expired.
func (s *Store) IsSessionActive(ctx context.Context, sessionID string) (bool, error) {
	const query = `
		SELECT NOT invalidated AND expires_at > NOW()
		FROM user_sessions
		WHERE id = $1`

	var active bool
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: check session: %w", err)
	}
	return active, nil
}

// InvalidateSession marks a single session as invalid. Used when its
// WebSocket connection goes away.
func (s *Store) InvalidateSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE user_sessions SET invalidated = TRUE WHERE id = $1`,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("store: invalidate session: %w", err)
	}
	return nil
}

// InvalidateSessions marks all of a user's active sessions as invalid.
// Returns the number of sessions invalidated.
func (s *Store) InvalidateSessions(ctx context.Context, userID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE user_sessions SET invalidated = TRUE WHERE user_id = $1 AND NOT invalidated`,
		userID,
	)
	if err != nil {
		return 0, fmt.Errorf("store: invalidate sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: invalidate sessions: %w", err)
	}
	return n, nil
}

// SweepExpiredSessions deletes sessions that have expired or been invalidated
// and returns the number removed. Called periodically by the maintenance loop.
func (s *Store) SweepExpiredSessions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM user_sessions WHERE expires_at < NOW() OR invalidated`,
	)
	if err != nil {
		return 0, fmt.Errorf("store: sweep sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: sweep sessions: %w", err)
	}
	return n, nil
}

// ToxicityThreshold returns the stored moderation threshold. A missing or
// unparseable value falls back to DefaultToxicityThreshold.
func (s *Store) ToxicityThreshold(ctx context.Context) (float64, error) {
	const query = `SELECT value FROM settings WHERE key = $1`

	var raw string
	err := s.db.QueryRowContext(ctx, query, keyToxicityThreshold).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultToxicityThreshold, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: get threshold: %w", err)
	}

	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 || v > 1 {
		log.Printf("[store] invalid stored threshold %q, using default %.2f", raw, DefaultToxicityThreshold)
		return DefaultToxicityThreshold, nil
	}
	return v, nil
}

// SetToxicityThreshold stores a new moderation threshold. Returns
// ErrThresholdRange if the value is outside [0, 1].
func (s *Store) SetToxicityThreshold(ctx context.Context, v float64) error {
	if v < 0 || v > 1 {
		return ErrThresholdRange
	}

	const query = `
		INSERT INTO settings (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`

	raw := strconv.FormatFloat(v, 'f', -1, 64)
	if _, err := s.db.ExecContext(ctx, query, keyToxicityThreshold, raw); err != nil {
		return fmt.Errorf("store: set threshold: %w", err)
	}
	return nil
}
