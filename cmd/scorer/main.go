// Command scorer runs the standalone toxicity scoring service. It answers
// score requests from the gateway over NATS request/reply using the lexicon
// scorer.
package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/safestream/gateway/internal/messaging"
	"github.com/safestream/gateway/internal/scorer"
)

func main() {
	log.Println("Starting SafeStream scorer service...")

	natsConfig := messaging.DefaultConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsConfig.Name = "safestream-scorer"

	natsClient, err := messaging.Connect(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	lexicon := scorer.NewLexicon()
	if err := lexicon.Warm(context.Background()); err != nil {
		log.Fatalf("scorer warmup failed: %v", err)
	}

	sub, err := natsClient.ServeScore(func(data []byte) []byte {
		var req scorer.ScoreRequest
		if err := json.Unmarshal(data, &req); err != nil {
			log.Printf("[scorer] bad request: %v", err)
			return marshalReply(scorer.ScoreReply{Error: "invalid request"})
		}

		score, err := lexicon.Score(context.Background(), req.Text)
		if err != nil {
			log.Printf("[scorer] score failed: %v", err)
			return marshalReply(scorer.ScoreReply{Error: "scoring failed"})
		}

		return marshalReply(scorer.ScoreReply{Score: score})
	})
	if err != nil {
		log.Fatalf("failed to subscribe to score requests: %v", err)
	}

	log.Printf("SafeStream scorer service running")
	log.Printf("  nats_url: %s", natsConfig.URL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	_ = sub.Unsubscribe()
	natsClient.Close()
}

func marshalReply(reply scorer.ScoreReply) []byte {
	data, err := json.Marshal(reply)
	if err != nil {
		log.Printf("[scorer] marshal reply: %v", err)
		return nil
	}
	return data
}
