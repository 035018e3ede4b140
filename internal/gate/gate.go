// Package gate implements the chat moderation pipeline. Every inbound chat
// message passes through shape validation, rate limiting, the mute check, and
// toxicity scoring before it is persisted and either broadcast to the room or
// bounced back to its author.
package gate

import (
	"context"
	"log"
	"time"

	"github.com/safestream/gateway/internal/metrics"
	"github.com/safestream/gateway/internal/protocol"
	"github.com/safestream/gateway/internal/ratelimit"
	"github.com/safestream/gateway/internal/ws"
)

// MaxMessageLen is the longest accepted chat message in characters.
const MaxMessageLen = 500

// scoreTimeout bounds a single toxicity scoring call.
const scoreTimeout = 5 * time.Second

// Scorer produces a toxicity score in [0, 1] for a piece of text.
type Scorer interface {
	Score(ctx context.Context, text string) (float64, error)
}

// MuteChecker reports whether a username is currently muted and until when.
type MuteChecker interface {
	Status(ctx context.Context, username string) (bool, time.Time, error)
}

// Limiter throttles per-identity message rates.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// MessageStore is the persistence surface the pipeline needs.
type MessageStore interface {
	EnsureUser(ctx context.Context, username string) (int64, error)
	SaveMessage(ctx context.Context, userID int64, content string, toxic bool, score float64, blocked bool) (int64, time.Time, error)
	ToxicityThreshold(ctx context.Context) (float64, error)
}

// Sender delivers frames to one connection or to the whole room and evicts
// connections whose writes fail. Implemented by the WebSocket server.
type Sender interface {
	Send(c *ws.Connection, data []byte) error
	Broadcast(data []byte)
	Disconnect(c *ws.Connection)
}

// Gate wires the moderation pipeline together.
type Gate struct {
	scorer  Scorer
	mutes   MuteChecker
	limiter Limiter
	store   MessageStore
	sender  Sender
	tracker *metrics.Tracker
}

// New creates the pipeline. The limiter may be nil, in which case rate
// limiting is skipped.
func New(scorer Scorer, mutes MuteChecker, limiter Limiter, store MessageStore, sender Sender, tracker *metrics.Tracker) *Gate {
	return &Gate{
		scorer:  scorer,
		mutes:   mutes,
		limiter: limiter,
		store:   store,
		sender:  sender,
		tracker: tracker,
	}
}

// HandleChat is the dispatcher handler for inbound chat messages. It runs on
// the connection's read goroutine.
func (g *Gate) HandleChat(conn *ws.Connection, msg interface{}) {
	chat, ok := msg.(protocol.ChatIn)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if chat.Message == "" {
		g.sendValidationError(conn, "message must not be empty")
		return
	}
	if len([]rune(chat.Message)) > MaxMessageLen {
		g.sendValidationError(conn, "message too long")
		return
	}

	if g.limiter != nil {
		allowed, _ := g.limiter.Allow(ctx, conn.Username, ratelimit.RuleMessage)
		if !allowed {
			g.sendSystem(conn, "You are sending messages too quickly. Slow down.")
			return
		}
	}

	muted, until, err := g.mutes.Status(ctx, conn.Username)
	if err != nil {
		log.Printf("gate: mute check user=%s: %v", conn.Username, err)
	}
	if muted {
		g.send(conn, protocol.NewMutedNotice("You are muted and cannot send messages.", until))
		return
	}

	threshold, err := g.store.ToxicityThreshold(ctx)
	if err != nil {
		log.Printf("gate: read threshold: %v (using default)", err)
		threshold = defaultThreshold
	}

	start := time.Now()
	scoreCtx, scoreCancel := context.WithTimeout(ctx, scoreTimeout)
	score, err := g.scorer.Score(scoreCtx, chat.Message)
	scoreCancel()
	metrics.ScoreLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		// A message that cannot be scored is neither persisted nor
		// broadcast; the sender is told to retry.
		log.Printf("gate: score failed user=%s: %v", conn.Username, err)
		g.sendSystem(conn, "Your message could not be processed. Please try again.")
		return
	}

	toxic := score >= threshold

	userID, err := g.store.EnsureUser(ctx, conn.Username)
	if err != nil {
		log.Printf("gate: ensure user=%s: %v", conn.Username, err)
		g.sendSystem(conn, "Your message could not be processed. Please try again.")
		return
	}

	id, ts, err := g.store.SaveMessage(ctx, userID, chat.Message, toxic, score, toxic)
	if err != nil {
		log.Printf("gate: save message user=%s: %v", conn.Username, err)
		g.sendSystem(conn, "Your message could not be processed. Please try again.")
		return
	}

	out := protocol.NewChatOut(id, conn.Username, chat.Message, toxic, score, ts, toxic)
	data, err := protocol.Marshal(out)
	if err != nil {
		log.Printf("gate: marshal chat out: %v", err)
		return
	}

	if toxic {
		// Blocked messages bounce back to the author only. A failed write
		// means the peer is gone; evict it like any other dead connection.
		if err := g.sender.Send(conn, data); err != nil {
			log.Printf("gate: send blocked notice user=%s: %v, evicting", conn.Username, err)
			g.sender.Disconnect(conn)
		}
	} else {
		g.sender.Broadcast(data)
	}

	if g.tracker != nil {
		g.tracker.IncChatMessage(toxic)
	}
}

// defaultThreshold mirrors the store fallback for when the settings read
// itself fails.
const defaultThreshold = 0.6

func (g *Gate) send(conn *ws.Connection, v interface{}) {
	data, err := protocol.Marshal(v)
	if err != nil {
		log.Printf("gate: marshal: %v", err)
		return
	}
	if err := g.sender.Send(conn, data); err != nil {
		log.Printf("gate: send user=%s: %v, evicting", conn.Username, err)
		g.sender.Disconnect(conn)
	}
}

func (g *Gate) sendSystem(conn *ws.Connection, message string) {
	g.send(conn, protocol.NewSystemNotice(message, time.Time{}, time.Now()))
}

func (g *Gate) sendValidationError(conn *ws.Connection, detail string) {
	g.send(conn, protocol.NewValidationError(detail))
}
