// Package gift generates periodic gift events for the room and exposes the
// trigger used by the HTTP gift endpoint.
package gift

import (
	"context"
	"log"
	"math/rand"
	"strconv"
	"time"

	"github.com/safestream/gateway/internal/metrics"
	"github.com/safestream/gateway/internal/protocol"
)

// BotSender is the synthetic identity gifts are attributed to when produced
// by the background loop.
const BotSender = "bot"

// Catalog bounds for randomly generated gifts.
const (
	maxGiftID = 10
	maxAmount = 5
)

// Config holds the producer cadence.
type Config struct {
	Interval time.Duration // base interval between gifts (default: 15s)
	Jitter   time.Duration // uniform jitter applied to each interval (default: 5s)
	Backoff  time.Duration // pause after a failed emit (default: 5s)
}

// DefaultConfig returns the production cadence.
func DefaultConfig() Config {
	return Config{
		Interval: 15 * time.Second,
		Jitter:   5 * time.Second,
		Backoff:  5 * time.Second,
	}
}

// Store persists gift events.
type Store interface {
	SaveGift(ctx context.Context, from, giftID string, amount int) error
}

// Broadcaster fans a frame out to every live connection.
type Broadcaster interface {
	Broadcast(data []byte)
}

// Producer emits gift events on a jittered interval.
type Producer struct {
	config  Config
	store   Store
	sender  Broadcaster
	tracker *metrics.Tracker
	rng     *rand.Rand
}

// NewProducer creates a producer. rng may be nil, in which case a
// time-seeded source is used; tests inject a deterministic one.
func NewProducer(config Config, store Store, sender Broadcaster, tracker *metrics.Tracker, rng *rand.Rand) *Producer {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.Backoff <= 0 {
		config.Backoff = DefaultConfig().Backoff
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Producer{
		config:  config,
		store:   store,
		sender:  sender,
		tracker: tracker,
		rng:     rng,
	}
}

// Run produces gifts until ctx is cancelled. A failed emit does not stop the
// loop; the producer backs off and tries again on the next tick.
func (p *Producer) Run(ctx context.Context) {
	log.Printf("gift: producer started interval=%s jitter=%s", p.config.Interval, p.config.Jitter)

	timer := time.NewTimer(p.nextDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("gift: producer stopped")
			return
		case <-timer.C:
		}

		if err := p.emit(ctx); err != nil {
			log.Printf("gift: emit failed: %v (backing off %s)", err, p.config.Backoff)
			timer.Reset(p.config.Backoff)
			continue
		}

		timer.Reset(p.nextDelay())
	}
}

// nextDelay returns the base interval plus uniform jitter in
// [-Jitter, +Jitter], clamped to at least one second.
func (p *Producer) nextDelay() time.Duration {
	delay := p.config.Interval
	if p.config.Jitter > 0 {
		delay += time.Duration(p.rng.Int63n(int64(2*p.config.Jitter))) - p.config.Jitter
	}
	if delay < time.Second {
		delay = time.Second
	}
	return delay
}

// emit generates one random gift from the bot identity.
func (p *Producer) emit(ctx context.Context) error {
	giftID := 1 + p.rng.Intn(maxGiftID)
	amount := 1 + p.rng.Intn(maxAmount)
	return p.Trigger(ctx, BotSender, giftID, amount)
}

// Trigger persists and broadcasts a single gift event. It also serves the
// HTTP gift endpoint, which attributes the gift to the requesting user.
func (p *Producer) Trigger(ctx context.Context, from string, giftID, amount int) error {
	if err := p.store.SaveGift(ctx, from, strconv.Itoa(giftID), amount); err != nil {
		return err
	}

	out := protocol.NewGiftOut(from, giftID, amount, time.Now())
	data, err := protocol.Marshal(out)
	if err != nil {
		return err
	}
	p.sender.Broadcast(data)

	if p.tracker != nil {
		p.tracker.IncGift()
	}
	return nil
}
