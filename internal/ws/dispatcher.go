package ws

import (
	"log"

	"github.com/safestream/gateway/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client
// message. The msg parameter is the concrete struct returned by
// protocol.ParseClientMessage (e.g. protocol.ChatIn).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket messages to registered
// handlers based on the message type. It answers the ping keepalive itself
// and sends structured validation errors for malformed messages.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty dispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{handlers: make(map[string]MessageHandler)}
}

// Register associates a MessageHandler with a message type. A handler
// already registered for the type is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch parses the raw bytes into a typed message, handles ping
// internally, and routes all other types to the registered handler. Parse
// errors and unregistered types produce a validation error back to the
// client; the connection stays open.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error user=%s: %v", conn.Username, err)
		d.sendValidationError(conn, err.Error())
		return
	}

	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: unsupported message type=%q user=%s", msgType, conn.Username)
		d.sendValidationError(conn, "unsupported message type")
		return
	}

	handler(conn, msg)
}

func (d *MessageDispatcher) sendValidationError(conn *Connection, detail string) {
	data, err := protocol.Marshal(protocol.NewValidationError(detail))
	if err != nil {
		log.Printf("ws: build validation error user=%s: %v", conn.Username, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: send validation error user=%s: %v", conn.Username, err)
	}
}

func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.Touch()

	data, err := protocol.Marshal(protocol.PongOut{Type: protocol.TypePong})
	if err != nil {
		log.Printf("ws: build pong user=%s: %v", conn.Username, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: send pong user=%s: %v", conn.Username, err)
	}
}
