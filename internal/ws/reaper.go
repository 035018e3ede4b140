package ws

import (
	"context"
	"log"
	"time"
)

// ReaperConfig holds tuning for the stale-connection reaper.
type ReaperConfig struct {
	Interval time.Duration // how often to sweep (default: 300s)
	Timeout  time.Duration // extra grace beyond Interval before a connection is stale
}

// DefaultReaperConfig returns the default maintenance cadence.
func DefaultReaperConfig() ReaperConfig {
	return ReaperConfig{
		Interval: 300 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// SessionSweeper deletes expired session rows. Implemented by the PostgreSQL
// store.
type SessionSweeper interface {
	SweepExpiredSessions(ctx context.Context) (int64, error)
}

// StartReaper begins a background goroutine that on each tick pings every
// live connection, evicts the ones with no activity within Interval+Timeout,
// and sweeps expired session rows from the database. The goroutine exits when
// ctx is cancelled or the server shuts down.
func StartReaper(ctx context.Context, server *Server, config ReaperConfig, sweeper SessionSweeper) {
	if config.Interval <= 0 {
		config.Interval = DefaultReaperConfig().Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultReaperConfig().Timeout
	}

	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-server.Done():
				return
			case <-ticker.C:
				reapConnections(server, config)
				sweepSessions(ctx, sweeper)
			}
		}
	}()
}

// reapConnections evicts connections with no inbound frame within
// Interval+Timeout and pings the rest. A ping write failure also evicts.
func reapConnections(server *Server, config ReaperConfig) {
	deadline := config.Interval + config.Timeout
	now := time.Now()

	for _, c := range server.Registry().All() {
		if idle := now.Sub(c.LastActivity()); idle > deadline {
			log.Printf("ws: reaping stale connection user=%s idle=%s", c.Username, idle.Round(time.Second))
			server.Disconnect(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			log.Printf("ws: reaper ping failed user=%s: %v", c.Username, err)
			server.Disconnect(c)
		}
	}
}

func sweepSessions(ctx context.Context, sweeper SessionSweeper) {
	if sweeper == nil {
		return
	}

	sweepCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	n, err := sweeper.SweepExpiredSessions(sweepCtx)
	if err != nil {
		log.Printf("ws: session sweep error: %v", err)
		return
	}
	if n > 0 {
		log.Printf("ws: swept %d expired sessions", n)
	}
}
