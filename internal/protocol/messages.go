// Package protocol defines the WebSocket message types and structures used for
// communication between clients and the gateway. All messages are serialized
// as JSON and carry a type discriminator, except the validation error shape
// which uses a bare "error" field.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeChat = "chat"
	TypePing = "ping"
)

// Server -> Client message types.
const (
	TypeGift   = "gift"
	TypeMuted  = "muted"
	TypeSystem = "system"
	TypePong   = "pong"
)

// FormatTimestamp renders t as an ISO-8601 UTC timestamp with a trailing Z,
// the format every outbound message uses on the wire.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// ChatIn is an inbound chat message posted by a client.
type ChatIn struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// PingIn is a client-initiated keepalive ping.
type PingIn struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ChatOut is a moderated chat message fanned out to clients. Blocked messages
// are delivered to their author only, with Blocked set and the score that
// caused the block.
type ChatOut struct {
	Type    string  `json:"type"`
	ID      int64   `json:"id"`
	User    string  `json:"user"`
	Message string  `json:"message"`
	Toxic   bool    `json:"toxic"`
	Score   float64 `json:"score"`
	Ts      string  `json:"ts"`
	Blocked bool    `json:"blocked"`
}

// GiftOut is a gift event broadcast to every live connection.
type GiftOut struct {
	Type   string `json:"type"`
	From   string `json:"from"`
	GiftID int    `json:"gift_id"`
	Amount int    `json:"amount"`
	Ts     string `json:"ts"`
}

// MutedNotice tells a muted sender until when their messages are suppressed.
// MutedUntil is null when the expiry is unknown.
type MutedNotice struct {
	Type       string  `json:"type"`
	Message    string  `json:"message"`
	MutedUntil *string `json:"muted_until"`
}

// SystemNotice is an administrative push, e.g. the live notification sent to a
// user's connections when an admin mutes them.
type SystemNotice struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	MutedUntil string `json:"muted_until,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// ValidationError is returned to the sender only when an inbound message fails
// shape validation. It intentionally has no "type" field.
type ValidationError struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// PongOut is the server's response to a client-level ping.
type PongOut struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// NewChatOut builds the outbound chat message for a moderated, persisted
// message.
func NewChatOut(id int64, user, message string, toxic bool, score float64, ts time.Time, blocked bool) ChatOut {
	return ChatOut{
		Type:    TypeChat,
		ID:      id,
		User:    user,
		Message: message,
		Toxic:   toxic,
		Score:   score,
		Ts:      FormatTimestamp(ts),
		Blocked: blocked,
	}
}

// NewGiftOut builds the outbound gift event.
func NewGiftOut(from string, giftID, amount int, ts time.Time) GiftOut {
	return GiftOut{
		Type:   TypeGift,
		From:   from,
		GiftID: giftID,
		Amount: amount,
		Ts:     FormatTimestamp(ts),
	}
}

// NewMutedNotice builds the sender-only notice for a suppressed message.
func NewMutedNotice(message string, until time.Time) MutedNotice {
	n := MutedNotice{Type: TypeMuted, Message: message}
	if !until.IsZero() {
		s := FormatTimestamp(until)
		n.MutedUntil = &s
	}
	return n
}

// NewSystemNotice builds an administrative push message.
func NewSystemNotice(message string, mutedUntil, now time.Time) SystemNotice {
	n := SystemNotice{
		Type:      TypeSystem,
		Message:   message,
		Timestamp: FormatTimestamp(now),
	}
	if !mutedUntil.IsZero() {
		n.MutedUntil = FormatTimestamp(mutedUntil)
	}
	return n
}

// NewValidationError builds the structured error returned for malformed
// inbound messages.
func NewValidationError(detail string) ValidationError {
	return ValidationError{Error: "Invalid message format", Detail: detail}
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or server-only
// message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeChat:
		var m ChatIn
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingIn
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// Marshal encodes a server message struct to JSON bytes.
func Marshal(v interface{}) ([]byte, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
