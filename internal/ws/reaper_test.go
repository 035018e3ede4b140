package ws

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

type fakeSweeper struct {
	mu     sync.Mutex
	sweeps int
}

func (f *fakeSweeper) SweepExpiredSessions(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	return 2, nil
}

func (f *fakeSweeper) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sweeps
}

// reaperConn registers a connection backed by a net.Pipe whose client end is
// drained so pings do not block.
func reaperConn(t *testing.T, s *Server, id, username string) *Connection {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	go io.Copy(io.Discard, client)

	c := &Connection{
		ID:          id,
		Username:    username,
		SessionID:   id + "-sess",
		Conn:        server,
		ConnectedAt: time.Now(),
	}
	c.Touch()
	if _, ok := s.registry.Add(c); !ok {
		t.Fatalf("register %s", id)
	}
	return c
}

func TestReapEvictsStaleConnection(t *testing.T) {
	server := NewServer(DefaultServerConfig(), nil, &fakeInvalidator{}, nil)
	config := ReaperConfig{Interval: time.Second, Timeout: time.Second}

	fresh := reaperConn(t, server, "fresh", "alice")
	stale := reaperConn(t, server, "stale", "bob")
	stale.lastActivity.Store(time.Now().Add(-time.Minute).UnixNano())

	reapConnections(server, config)

	if server.registry.Get(stale.ID) != nil {
		t.Error("stale connection survived the reap")
	}
	if server.registry.Get(fresh.ID) == nil {
		t.Error("fresh connection was reaped")
	}
}

func TestReapEvictsOnPingFailure(t *testing.T) {
	server := NewServer(DefaultServerConfig(), nil, &fakeInvalidator{}, nil)
	config := ReaperConfig{Interval: time.Second, Timeout: time.Second}

	dead := reaperConn(t, server, "dead", "alice")
	dead.Conn.Close()

	reapConnections(server, config)

	if server.registry.Get(dead.ID) != nil {
		t.Error("connection with a failing ping survived the reap")
	}
}

func TestReapInvalidatesSession(t *testing.T) {
	invalidator := &fakeInvalidator{}
	server := NewServer(DefaultServerConfig(), nil, invalidator, nil)

	stale := reaperConn(t, server, "stale", "alice")
	stale.lastActivity.Store(time.Now().Add(-time.Hour).UnixNano())

	reapConnections(server, ReaperConfig{Interval: time.Second, Timeout: time.Second})

	if !invalidator.has("stale-sess") {
		t.Error("reaped connection's session not invalidated")
	}
}

func TestStartReaperSweepsSessions(t *testing.T) {
	server := NewServer(DefaultServerConfig(), nil, &fakeInvalidator{}, nil)
	t.Cleanup(server.Shutdown)

	sweeper := &fakeSweeper{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	StartReaper(ctx, server, ReaperConfig{Interval: 10 * time.Millisecond, Timeout: 10 * time.Millisecond}, sweeper)

	waitFor(t, "session sweep", func() bool { return sweeper.count() >= 1 })
}
