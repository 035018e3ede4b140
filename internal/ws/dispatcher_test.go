package ws

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"

	"github.com/safestream/gateway/internal/protocol"
)

// dispatchConn returns a connection plus a channel of decoded JSON frames
// the "client" end receives.
func dispatchConn(t *testing.T) (*Connection, chan map[string]interface{}) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})

	frames := make(chan map[string]interface{}, 4)
	go func() {
		for {
			data, err := wsutil.ReadServerText(client)
			if err != nil {
				return
			}
			var m map[string]interface{}
			if json.Unmarshal(data, &m) == nil {
				frames <- m
			}
		}
	}()

	c := &Connection{ID: "c1", Username: "alice", Conn: server}
	c.Touch()
	return c, frames
}

func waitFrame(t *testing.T, frames chan map[string]interface{}) map[string]interface{} {
	t.Helper()
	select {
	case m := <-frames:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func TestDispatchPing(t *testing.T) {
	d := NewMessageDispatcher()
	conn, frames := dispatchConn(t)

	d.Dispatch(conn, []byte(`{"type":"ping"}`))

	m := waitFrame(t, frames)
	if m["type"] != protocol.TypePong {
		t.Errorf("type = %v, want pong", m["type"])
	}
}

func TestDispatchRoutesToHandler(t *testing.T) {
	d := NewMessageDispatcher()
	conn, _ := dispatchConn(t)

	var got protocol.ChatIn
	d.Register(protocol.TypeChat, func(c *Connection, msg interface{}) {
		got = msg.(protocol.ChatIn)
	})

	d.Dispatch(conn, []byte(`{"type":"chat","message":"hello"}`))

	if got.Message != "hello" {
		t.Errorf("handler got %+v, want message hello", got)
	}
}

func TestDispatchMalformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"invalid json", `{not json`},
		{"missing type", `{"message":"hi"}`},
		{"unknown type", `{"type":"teleport"}`},
		{"server-only type", `{"type":"gift"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewMessageDispatcher()
			conn, frames := dispatchConn(t)

			d.Dispatch(conn, []byte(tt.data))

			m := waitFrame(t, frames)
			if m["error"] != "Invalid message format" {
				t.Errorf("error = %v, want Invalid message format", m["error"])
			}
			if _, hasType := m["type"]; hasType {
				t.Error("validation error must not carry a type field")
			}
		})
	}
}

func TestDispatchUnregisteredType(t *testing.T) {
	d := NewMessageDispatcher()
	conn, frames := dispatchConn(t)

	// chat parses fine but has no handler registered.
	d.Dispatch(conn, []byte(`{"type":"chat","message":"hi"}`))

	m := waitFrame(t, frames)
	if m["error"] != "Invalid message format" {
		t.Errorf("error = %v", m["error"])
	}
}
