// Package scorer provides toxicity scoring for chat messages. A Scorer maps
// free text to a score in [0,1]; the moderation gate compares that score
// against the configured threshold to decide whether a message is blocked.
package scorer

import "context"

// Scorer scores text for toxicity. Implementations must be safe for
// concurrent use; a slow Score call stalls only the calling connection's
// pipeline.
type Scorer interface {
	// Score returns a toxicity score in [0,1] for the given text.
	Score(ctx context.Context, text string) (float64, error)
}

// Warmer is implemented by scorers with an expensive cold start. Warm is
// called once at process startup before traffic is served.
type Warmer interface {
	Warm(ctx context.Context) error
}

// Warm pre-warms s if it supports warming, and is a no-op otherwise.
func Warm(ctx context.Context, s Scorer) error {
	if w, ok := s.(Warmer); ok {
		return w.Warm(ctx)
	}
	return nil
}
