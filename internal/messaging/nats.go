// Package messaging provides a NATS client wrapper for the gateway's
// request/reply traffic with the standalone moderation scorer service. It
// handles connection lifecycle and subject constants so callers never touch
// raw subjects.
package messaging

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectScore is the request/reply subject served by the scorer service.
const SubjectScore = "moderation.score"

// Client wraps the NATS connection.
type Client struct {
	conn *nats.Conn
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "safestream",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// Connect connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func Connect(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())
	return &Client{conn: nc}, nil
}

// RequestScore sends a scoring request and waits for the reply, honoring the
// context deadline.
func (c *Client) RequestScore(ctx context.Context, data []byte) ([]byte, error) {
	msg, err := c.conn.RequestWithContext(ctx, SubjectScore, data)
	if err != nil {
		return nil, fmt.Errorf("nats request %s: %w", SubjectScore, err)
	}
	return msg.Data, nil
}

// ServeScore registers a request handler for the score subject. The handler's
// return value is sent as the reply.
func (c *Client) ServeScore(handler func(data []byte) []byte) (*nats.Subscription, error) {
	sub, err := c.conn.Subscribe(SubjectScore, func(msg *nats.Msg) {
		if reply := handler(msg.Data); reply != nil {
			if err := msg.Respond(reply); err != nil {
				log.Printf("[nats] respond %s: %v", SubjectScore, err)
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", SubjectScore, err)
	}
	return sub, nil
}

// Close drains and closes the NATS connection.
func (c *Client) Close() {
	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}
	log.Printf("[nats] client closed")
}
