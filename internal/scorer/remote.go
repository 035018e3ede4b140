package scorer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/safestream/gateway/internal/messaging"
)

// ScoreRequest is the request payload sent to the scorer service.
type ScoreRequest struct {
	Text string `json:"text"`
}

// ScoreReply is the scorer service's reply.
type ScoreReply struct {
	Score float64 `json:"score"`
	Error string  `json:"error,omitempty"`
}

// Remote scores text by asking the standalone scorer service over NATS
// request/reply. It satisfies Scorer and Warmer.
type Remote struct {
	client  *messaging.Client
	timeout time.Duration
}

// NewRemote creates a Remote scorer using the given NATS client. A
// non-positive timeout defaults to five seconds.
func NewRemote(client *messaging.Client, timeout time.Duration) *Remote {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Remote{client: client, timeout: timeout}
}

// Score implements Scorer.
func (r *Remote) Score(ctx context.Context, text string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := json.Marshal(ScoreRequest{Text: text})
	if err != nil {
		return 0, fmt.Errorf("scorer: marshal request: %w", err)
	}

	data, err := r.client.RequestScore(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("scorer: remote score: %w", err)
	}

	var reply ScoreReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return 0, fmt.Errorf("scorer: unmarshal reply: %w", err)
	}
	if reply.Error != "" {
		return 0, fmt.Errorf("scorer: remote error: %s", reply.Error)
	}
	if reply.Score < 0 || reply.Score > 1 {
		return 0, fmt.Errorf("scorer: score %v out of range", reply.Score)
	}
	return reply.Score, nil
}

// Warm implements Warmer by issuing one round trip, so the scorer service's
// model load happens before real traffic arrives.
func (r *Remote) Warm(ctx context.Context) error {
	_, err := r.Score(ctx, "warmup")
	return err
}
