// Package admin implements the moderation control surface: kicking and
// muting users, tuning the toxicity threshold, the metrics snapshot, and the
// gift trigger endpoint.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/safestream/gateway/internal/auth"
	"github.com/safestream/gateway/internal/metrics"
	"github.com/safestream/gateway/internal/mute"
	"github.com/safestream/gateway/internal/protocol"
	"github.com/safestream/gateway/internal/store"
)

// Store is the persistence surface the admin handlers need.
type Store interface {
	GetUserByUsername(ctx context.Context, username string) (*store.User, error)
	DeleteUser(ctx context.Context, username string) (bool, error)
	InvalidateSessions(ctx context.Context, userID int64) (int64, error)
	ToxicityThreshold(ctx context.Context) (float64, error)
	SetToxicityThreshold(ctx context.Context, v float64) error
	LogAdminAction(ctx context.Context, actor, action, target, detail string) error
}

// Muter applies timed mutes. Implemented by the Redis mute store.
type Muter interface {
	Mute(ctx context.Context, username string, d time.Duration) (time.Time, error)
}

// Room is the live-connection surface: kicking, targeted notification, and
// the viewer count. Implemented by the WebSocket server.
type Room interface {
	Kick(username, reason string) int
	Notify(username string, data []byte) int
	Online(username string) bool
	ViewerCount() int
}

// GiftTrigger emits a gift event on demand.
type GiftTrigger interface {
	Trigger(ctx context.Context, from string, giftID, amount int) error
}

// Handler serves the admin and metrics HTTP endpoints.
type Handler struct {
	store   Store
	muter   Muter
	room    Room
	gifts   GiftTrigger
	tracker *metrics.Tracker
}

// NewHandler creates the admin handler.
func NewHandler(st Store, muter Muter, room Room, gifts GiftTrigger, tracker *metrics.Tracker) *Handler {
	return &Handler{store: st, muter: muter, room: room, gifts: gifts, tracker: tracker}
}

type targetRequest struct {
	Username string `json:"username"`
}

// HandleKick force-disconnects a user, revokes their sessions, and deletes
// their account.
// POST /api/admin/kick {"username": ...}
//
// Connections are closed even when the user row does not exist, so a kick
// always clears a misbehaving socket.
func (h *Handler) HandleKick(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		writeError(w, http.StatusBadRequest, "username required")
		return
	}

	closed := h.room.Kick(req.Username, "kicked by admin")

	user, err := h.store.GetUserByUsername(r.Context(), req.Username)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Printf("admin: kick lookup %s: %v", req.Username, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if user != nil {
		if _, err := h.store.InvalidateSessions(r.Context(), user.ID); err != nil {
			log.Printf("admin: kick invalidate sessions %s: %v", req.Username, err)
		}
	}

	deleted, err := h.store.DeleteUser(r.Context(), req.Username)
	if err != nil {
		log.Printf("admin: kick delete %s: %v", req.Username, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// A kick that had no effect is not an action worth auditing.
	if !deleted && closed == 0 {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	h.audit(r.Context(), "kick", req.Username, "")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":             "ok",
		"message":            "user kicked",
		"connections_closed": closed,
		"user_deleted":       deleted,
	})
}

// HandleMute mutes a user for the fixed mute duration and pushes a live
// notification to their connection.
// POST /api/admin/mute {"username": ...}
func (h *Handler) HandleMute(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		writeError(w, http.StatusBadRequest, "username required")
		return
	}

	// A target is mutable if it has a durable record or a live connection
	// (lazily-created identities may not be persisted yet). Checking before
	// muting keeps a not-found response free of side effects.
	if !h.room.Online(req.Username) {
		if _, err := h.store.GetUserByUsername(r.Context(), req.Username); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "user not found")
				return
			}
			log.Printf("admin: mute lookup %s: %v", req.Username, err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
	}

	until, err := h.muter.Mute(r.Context(), req.Username, mute.DefaultDuration)
	if err != nil {
		log.Printf("admin: mute %s: %v", req.Username, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// Notification failures are non-fatal: the mute itself has taken effect.
	notified := 0
	notice := protocol.NewSystemNotice("You have been muted by an administrator.", until, time.Now())
	if data, err := protocol.Marshal(notice); err == nil {
		notified = h.room.Notify(req.Username, data)
	} else {
		log.Printf("admin: marshal mute notice: %v", err)
	}

	h.audit(r.Context(), "mute", req.Username, "until="+protocol.FormatTimestamp(until))

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":             "ok",
		"message":            "user muted",
		"muted_until":        protocol.FormatTimestamp(until),
		"notifications_sent": notified,
	})
}

// HandleGetThreshold returns the current toxicity threshold.
// GET /api/admin/threshold
func (h *Handler) HandleGetThreshold(w http.ResponseWriter, r *http.Request) {
	threshold, err := h.store.ToxicityThreshold(r.Context())
	if err != nil {
		log.Printf("admin: get threshold: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"threshold": threshold})
}

// HandleSetThreshold updates the toxicity threshold. Takes effect for the
// next message; in-flight messages keep the value they read.
// PATCH /api/admin/threshold {"threshold": 0.8}
func (h *Handler) HandleSetThreshold(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Threshold *float64 `json:"threshold"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Threshold == nil {
		writeError(w, http.StatusBadRequest, "threshold required")
		return
	}

	prev, err := h.store.ToxicityThreshold(r.Context())
	if err != nil {
		log.Printf("admin: read prior threshold: %v", err)
		prev = store.DefaultToxicityThreshold
	}

	if err := h.store.SetToxicityThreshold(r.Context(), *req.Threshold); err != nil {
		if errors.Is(err, store.ErrThresholdRange) {
			writeError(w, http.StatusBadRequest, "threshold must be between 0 and 1")
			return
		}
		log.Printf("admin: set threshold: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	detail := strconv.FormatFloat(prev, 'f', -1, 64) + " -> " + strconv.FormatFloat(*req.Threshold, 'f', -1, 64)
	h.audit(r.Context(), "set_threshold", "", detail)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"threshold": *req.Threshold,
		"status":    "updated",
	})
}

// HandleResetMetrics zeroes the resettable counters.
// POST /api/admin/reset_metrics
func (h *Handler) HandleResetMetrics(w http.ResponseWriter, r *http.Request) {
	h.tracker.Reset()
	h.audit(r.Context(), "reset_metrics", "", "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleMetrics returns the room metrics snapshot.
// GET /metrics
func (h *Handler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.tracker.Snapshot(h.room.ViewerCount()))
}

// HandleGift queues a gift from the authenticated user.
// POST /api/gift {"gift_id": 3, "amount": 2}
func (h *Handler) HandleGift(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req struct {
		GiftID int `json:"gift_id"`
		Amount int `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.GiftID <= 0 || req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "gift_id and amount must be positive")
		return
	}

	// The gift is emitted asynchronously; the request does not wait on the
	// database or the broadcast.
	from := id.Username
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := h.gifts.Trigger(ctx, from, req.GiftID, req.Amount); err != nil {
			log.Printf("admin: gift trigger from=%s: %v", from, err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// audit records an admin action attributed to the authenticated identity on
// the request context.
func (h *Handler) audit(ctx context.Context, action, target, detail string) {
	actor := ""
	if id := auth.FromContext(ctx); id != nil {
		actor = id.Username
	}
	if err := h.store.LogAdminAction(ctx, actor, action, target, detail); err != nil {
		log.Printf("admin: audit %s actor=%s target=%s: %v", action, actor, target, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
