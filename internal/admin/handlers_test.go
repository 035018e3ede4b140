package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/safestream/gateway/internal/auth"
	"github.com/safestream/gateway/internal/metrics"
	"github.com/safestream/gateway/internal/store"
)

func reqWithIdentity(req *http.Request, username string) *http.Request {
	id := &auth.Identity{Username: username, SessionID: "test-session"}
	return req.WithContext(auth.WithIdentity(req.Context(), id))
}

type fakeAdminStore struct {
	users       map[string]*store.User
	threshold   float64
	invalidated int64
	actions     []auditEntry
}

type auditEntry struct {
	actor  string
	action string
	target string
}

func (f *fakeAdminStore) GetUserByUsername(_ context.Context, username string) (*store.User, error) {
	u, ok := f.users[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	return u, nil
}

func (f *fakeAdminStore) DeleteUser(_ context.Context, username string) (bool, error) {
	if _, ok := f.users[username]; !ok {
		return false, nil
	}
	delete(f.users, username)
	return true, nil
}

func (f *fakeAdminStore) InvalidateSessions(_ context.Context, _ int64) (int64, error) {
	f.invalidated++
	return 1, nil
}

func (f *fakeAdminStore) ToxicityThreshold(_ context.Context) (float64, error) {
	return f.threshold, nil
}

func (f *fakeAdminStore) SetToxicityThreshold(_ context.Context, v float64) error {
	if v < 0 || v > 1 {
		return store.ErrThresholdRange
	}
	f.threshold = v
	return nil
}

func (f *fakeAdminStore) LogAdminAction(_ context.Context, actor, action, target, _ string) error {
	f.actions = append(f.actions, auditEntry{actor: actor, action: action, target: target})
	return nil
}

type fakeMuter struct {
	muted map[string]time.Time
}

func (f *fakeMuter) Mute(_ context.Context, username string, d time.Duration) (time.Time, error) {
	until := time.Now().Add(d)
	f.muted[username] = until
	return until, nil
}

type fakeRoom struct {
	online   map[string]bool
	kicked   []string
	notified []string
}

func (f *fakeRoom) Kick(username, _ string) int {
	if !f.online[username] {
		return 0
	}
	delete(f.online, username)
	f.kicked = append(f.kicked, username)
	return 1
}

func (f *fakeRoom) Notify(username string, _ []byte) int {
	if !f.online[username] {
		return 0
	}
	f.notified = append(f.notified, username)
	return 1
}

func (f *fakeRoom) Online(username string) bool {
	return f.online[username]
}

func (f *fakeRoom) ViewerCount() int {
	return len(f.online)
}

type fakeTrigger struct {
	mu    sync.Mutex
	gifts []string
}

func (f *fakeTrigger) Trigger(_ context.Context, from string, _, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gifts = append(f.gifts, from)
	return nil
}

type fixture struct {
	handler *Handler
	store   *fakeAdminStore
	muter   *fakeMuter
	room    *fakeRoom
	trigger *fakeTrigger
	tracker *metrics.Tracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: &fakeAdminStore{
			users:     map[string]*store.User{"alice": {ID: 1, Username: "alice", Role: "viewer"}},
			threshold: store.DefaultToxicityThreshold,
		},
		muter:   &fakeMuter{muted: map[string]time.Time{}},
		room:    &fakeRoom{online: map[string]bool{"alice": true}},
		trigger: &fakeTrigger{},
		tracker: metrics.NewTracker(),
	}
	f.handler = NewHandler(f.store, f.muter, f.room, f.trigger, f.tracker)
	return f
}

// doRequest invokes the handler as the authenticated moderator "mod", the
// way the auth middleware would in production.
func doRequest(handler http.HandlerFunc, method, body string) *httptest.ResponseRecorder {
	req := reqWithIdentity(httptest.NewRequest(method, "/", strings.NewReader(body)), "mod")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return m
}

func TestHandleKick(t *testing.T) {
	f := newFixture(t)

	rec := doRequest(f.handler.HandleKick, http.MethodPost, `{"username":"alice"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}

	m := decode(t, rec)
	if m["connections_closed"].(float64) != 1 {
		t.Errorf("connections_closed = %v, want 1", m["connections_closed"])
	}
	if m["user_deleted"] != true {
		t.Errorf("user_deleted = %v, want true", m["user_deleted"])
	}

	if len(f.room.kicked) != 1 || f.room.kicked[0] != "alice" {
		t.Errorf("kicked = %v", f.room.kicked)
	}
	if f.store.invalidated != 1 {
		t.Errorf("sessions invalidated = %d, want 1", f.store.invalidated)
	}
	if _, exists := f.store.users["alice"]; exists {
		t.Error("user row not deleted")
	}
	want := auditEntry{actor: "mod", action: "kick", target: "alice"}
	if len(f.store.actions) != 1 || f.store.actions[0] != want {
		t.Errorf("audit actions = %v, want %v", f.store.actions, want)
	}
}

func TestHandleKickUnknownUserStillClosesConnection(t *testing.T) {
	f := newFixture(t)
	// Online but no user row (never persisted anything).
	f.room.online["ghost"] = true

	rec := doRequest(f.handler.HandleKick, http.MethodPost, `{"username":"ghost"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if len(f.room.kicked) != 1 {
		t.Errorf("kicked = %v", f.room.kicked)
	}

	m := decode(t, rec)
	if m["user_deleted"] != false {
		t.Errorf("user_deleted = %v, want false", m["user_deleted"])
	}
}

func TestHandleKickNotFound(t *testing.T) {
	f := newFixture(t)

	rec := doRequest(f.handler.HandleKick, http.MethodPost, `{"username":"nobody"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if len(f.store.actions) != 0 {
		t.Errorf("kick without effect left audit rows: %v", f.store.actions)
	}
}

func TestHandleMute(t *testing.T) {
	f := newFixture(t)

	rec := doRequest(f.handler.HandleMute, http.MethodPost, `{"username":"alice"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}

	m := decode(t, rec)
	if m["muted_until"] == nil {
		t.Error("muted_until missing")
	}
	if m["notifications_sent"].(float64) != 1 {
		t.Errorf("notifications_sent = %v, want 1", m["notifications_sent"])
	}

	until, ok := f.muter.muted["alice"]
	if !ok {
		t.Fatal("user not muted")
	}
	if d := time.Until(until); d < 4*time.Minute || d > 6*time.Minute {
		t.Errorf("mute duration %s, want about 5 minutes", d)
	}
}

func TestHandleMuteOfflineUser(t *testing.T) {
	f := newFixture(t)
	delete(f.room.online, "alice")

	rec := doRequest(f.handler.HandleMute, http.MethodPost, `{"username":"alice"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: mute must succeed even when offline", rec.Code)
	}

	m := decode(t, rec)
	if m["notifications_sent"].(float64) != 0 {
		t.Errorf("notifications_sent = %v, want 0", m["notifications_sent"])
	}
	if _, ok := f.muter.muted["alice"]; !ok {
		t.Error("offline user not muted")
	}
}

func TestHandleMuteNotFound(t *testing.T) {
	f := newFixture(t)

	rec := doRequest(f.handler.HandleMute, http.MethodPost, `{"username":"nobody"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if len(f.muter.muted) != 0 {
		t.Error("not-found mute left side effects")
	}
}

func TestHandleThreshold(t *testing.T) {
	f := newFixture(t)

	rec := doRequest(f.handler.HandleGetThreshold, http.MethodGet, "")
	if got := decode(t, rec)["threshold"].(float64); got != store.DefaultToxicityThreshold {
		t.Errorf("threshold = %v, want default", got)
	}

	rec = doRequest(f.handler.HandleSetThreshold, http.MethodPatch, `{"threshold":0.8}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	m := decode(t, rec)
	if m["threshold"].(float64) != 0.8 || m["status"] != "updated" {
		t.Errorf("response = %v", m)
	}
	if f.store.threshold != 0.8 {
		t.Errorf("stored threshold = %v, want 0.8", f.store.threshold)
	}
}

func TestHandleSetThresholdRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"above one", `{"threshold":1.5}`},
		{"negative", `{"threshold":-0.1}`},
		{"missing", `{}`},
		{"invalid json", `{`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rec := doRequest(f.handler.HandleSetThreshold, http.MethodPatch, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			if f.store.threshold != store.DefaultToxicityThreshold {
				t.Errorf("threshold changed to %v", f.store.threshold)
			}
		})
	}
}

func TestHandleMetricsAndReset(t *testing.T) {
	f := newFixture(t)
	f.tracker.IncChatMessage(true)
	f.tracker.IncChatMessage(false)
	f.tracker.IncGift()

	rec := doRequest(f.handler.HandleMetrics, http.MethodGet, "")
	m := decode(t, rec)
	if m["viewer_count"].(float64) != 1 {
		t.Errorf("viewer_count = %v, want 1", m["viewer_count"])
	}
	if m["gift_count"].(float64) != 1 {
		t.Errorf("gift_count = %v, want 1", m["gift_count"])
	}
	if m["toxic_pct"].(float64) != 50 {
		t.Errorf("toxic_pct = %v, want 50", m["toxic_pct"])
	}

	rec = doRequest(f.handler.HandleResetMetrics, http.MethodPost, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("reset status = %d", rec.Code)
	}

	rec = doRequest(f.handler.HandleMetrics, http.MethodGet, "")
	m = decode(t, rec)
	if m["gift_count"].(float64) != 0 || m["toxic_pct"].(float64) != 0 {
		t.Errorf("metrics not reset: %v", m)
	}
	// Viewer count reflects live connections, not a counter, so it survives.
	if m["viewer_count"].(float64) != 1 {
		t.Errorf("viewer_count = %v, want 1 after reset", m["viewer_count"])
	}
}

func TestHandleGift(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/gift", strings.NewReader(`{"gift_id":3,"amount":2}`))
	req = reqWithIdentity(req, "alice")
	rec := httptest.NewRecorder()
	f.handler.HandleGift(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body)
	}
	if decode(t, rec)["status"] != "queued" {
		t.Errorf("body = %s", rec.Body)
	}

	// The trigger runs asynchronously.
	deadline := time.After(2 * time.Second)
	for {
		f.trigger.mu.Lock()
		n := len(f.trigger.gifts)
		f.trigger.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("gift trigger never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestHandleGiftRejects(t *testing.T) {
	f := newFixture(t)

	// No identity on the request.
	anon := httptest.NewRequest(http.MethodPost, "/api/gift", strings.NewReader(`{"gift_id":1,"amount":1}`))
	rec := httptest.NewRecorder()
	f.handler.HandleGift(rec, anon)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}

	// Non-positive values.
	req := httptest.NewRequest(http.MethodPost, "/api/gift", strings.NewReader(`{"gift_id":0,"amount":1}`))
	req = reqWithIdentity(req, "alice")
	rec = httptest.NewRecorder()
	f.handler.HandleGift(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
