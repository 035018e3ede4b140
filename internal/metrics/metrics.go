// Package metrics tracks live gateway metrics. It keeps a resettable tracker
// for the JSON metrics endpoint (viewer count, gift count, toxic percentage)
// and mirrors activity into Prometheus collectors for scraping.
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Viewers tracks the current number of live WebSocket connections.
	Viewers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "safestream_viewers",
		Help: "Current number of live WebSocket connections",
	})

	// MessagesTotal counts moderated chat messages, labeled by outcome:
	// "broadcast" or "blocked".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "safestream_messages_total",
		Help: "Total number of moderated chat messages",
	}, []string{"outcome"})

	// GiftsTotal counts emitted gift events.
	GiftsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "safestream_gifts_total",
		Help: "Total number of gift events emitted",
	})

	// ScoreLatency records moderation scoring latency in seconds.
	ScoreLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "safestream_score_latency_seconds",
		Help:    "Moderation scoring latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		Viewers,
		MessagesTotal,
		GiftsTotal,
		ScoreLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Tracker keeps the cumulative counters behind the JSON metrics endpoint.
// Counters accumulate since process start or the last admin reset; the viewer
// count is supplied by the caller from the connection registry at read time.
type Tracker struct {
	chatTotal  atomic.Int64
	toxicTotal atomic.Int64
	giftCount  atomic.Int64
}

// NewTracker returns a zeroed Tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// IncChatMessage records one moderated chat message and whether it was toxic.
func (t *Tracker) IncChatMessage(toxic bool) {
	t.chatTotal.Add(1)
	if toxic {
		t.toxicTotal.Add(1)
		MessagesTotal.WithLabelValues("blocked").Inc()
		return
	}
	MessagesTotal.WithLabelValues("broadcast").Inc()
}

// IncGift records one emitted gift event.
func (t *Tracker) IncGift() {
	t.giftCount.Add(1)
	GiftsTotal.Inc()
}

// GiftCount returns the cumulative gift count since the last reset.
func (t *Tracker) GiftCount() int64 {
	return t.giftCount.Load()
}

// ToxicPct returns the cumulative percentage (0..100) of toxic chat messages
// since the last reset, or 0 when no messages have been seen.
func (t *Tracker) ToxicPct() float64 {
	total := t.chatTotal.Load()
	if total == 0 {
		return 0
	}
	return float64(t.toxicTotal.Load()) / float64(total) * 100
}

// Reset zeroes every cumulative counter. The Prometheus collectors are left
// alone: scrapers handle counter resets themselves, and the JSON endpoint is
// the only consumer of the resettable values.
func (t *Tracker) Reset() {
	t.chatTotal.Store(0)
	t.toxicTotal.Store(0)
	t.giftCount.Store(0)
}

// Snapshot is the JSON metrics payload.
type Snapshot struct {
	ViewerCount int     `json:"viewer_count"`
	GiftCount   int64   `json:"gift_count"`
	ToxicPct    float64 `json:"toxic_pct"`
}

// Snapshot assembles the JSON metrics payload for the given live viewer count.
func (t *Tracker) Snapshot(viewers int) Snapshot {
	return Snapshot{
		ViewerCount: viewers,
		GiftCount:   t.GiftCount(),
		ToxicPct:    t.ToxicPct(),
	}
}
