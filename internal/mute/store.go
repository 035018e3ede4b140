// Package mute provides identity-keyed mute records backed by Redis. Records
// are stored as key-value pairs with TTL-based expiry:
//
//	Key:   mute:<username>
//	Value: <expiry, RFC3339 UTC>
//	TTL:   mute duration
//
// A user is muted iff their key is live and its stored expiry is still in the
// future, so expired mutes self-heal without a sweep.
package mute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Prefix is the Redis key prefix for mute records.
const Prefix = "mute:"

// DefaultDuration is the fixed mute length applied by admin actions.
const DefaultDuration = 5 * time.Minute

// Store manages mute records in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a mute store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Mute records a mute for username lasting duration from now and returns the
// expiry timestamp.
func (s *Store) Mute(ctx context.Context, username string, duration time.Duration) (time.Time, error) {
	until := time.Now().UTC().Add(duration)
	key := Prefix + username
	if err := s.client.Set(ctx, key, until.Format(time.RFC3339Nano), duration).Err(); err != nil {
		return time.Time{}, fmt.Errorf("mute: set %s: %w", key, err)
	}
	return until, nil
}

// Status reports whether username is currently muted and, if so, until when.
// A record whose stored expiry has already passed reports not-muted and is
// cleared on the spot.
func (s *Store) Status(ctx context.Context, username string) (bool, time.Time, error) {
	key := Prefix + username

	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, time.Time{}, nil
	}
	if err != nil {
		return false, time.Time{}, fmt.Errorf("mute: get %s: %w", key, err)
	}

	until, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		// Unreadable record: fall back to the key TTL.
		ttl, ttlErr := s.client.TTL(ctx, key).Result()
		if ttlErr != nil || ttl <= 0 {
			s.client.Del(ctx, key)
			return false, time.Time{}, nil
		}
		return true, time.Now().UTC().Add(ttl), nil
	}

	if !time.Now().Before(until) {
		// TTL lag or clock skew left a stale record behind.
		s.client.Del(ctx, key)
		return false, time.Time{}, nil
	}
	return true, until, nil
}

// Unmute clears a mute record immediately.
func (s *Store) Unmute(ctx context.Context, username string) error {
	if err := s.client.Del(ctx, Prefix+username).Err(); err != nil {
		return fmt.Errorf("mute: del %s%s: %w", Prefix, username, err)
	}
	return nil
}
