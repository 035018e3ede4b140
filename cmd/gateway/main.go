// Command gateway runs the SafeStream live-chat gateway: the WebSocket
// server, the moderation pipeline, the admin API, and the background gift
// and maintenance loops.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/safestream/gateway/internal/admin"
	"github.com/safestream/gateway/internal/auth"
	"github.com/safestream/gateway/internal/gate"
	"github.com/safestream/gateway/internal/gift"
	"github.com/safestream/gateway/internal/messaging"
	"github.com/safestream/gateway/internal/metrics"
	"github.com/safestream/gateway/internal/mute"
	"github.com/safestream/gateway/internal/protocol"
	"github.com/safestream/gateway/internal/ratelimit"
	"github.com/safestream/gateway/internal/scorer"
	"github.com/safestream/gateway/internal/store"
	"github.com/safestream/gateway/internal/ws"
)

func main() {
	listenAddr := envString("LISTEN_ADDR", ":8080")
	databaseURL := envString("DATABASE_URL", "postgres://localhost/safestream?sslmode=disable")
	redisAddr := envString("REDIS_ADDR", "localhost:6379")
	jwtSecret := os.Getenv("JWT_SECRET")
	scorerMode := envString("SCORER_MODE", "local")

	wsConfig := ws.DefaultServerConfig()
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			wsConfig.MaxConnections = n
		}
	}

	reaperConfig := ws.DefaultReaperConfig()
	if v := os.Getenv("CLEANUP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			reaperConfig.Interval = d
		}
	}

	giftConfig := gift.DefaultConfig()
	if v := os.Getenv("GIFT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			giftConfig.Interval = d
		}
	}

	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	// --- PostgreSQL ---
	db, err := store.Open(databaseURL)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer db.Close()
	if err := store.Migrate(db); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}
	st := store.NewStore(db)

	if v := os.Getenv("TOXIC_THRESHOLD"); v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil {
			log.Fatalf("invalid TOXIC_THRESHOLD %q: %v", v, err)
		}
		if err := st.SetToxicityThreshold(context.Background(), t); err != nil {
			log.Fatalf("failed to set toxicity threshold: %v", err)
		}
	}

	// --- Redis ---
	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()
	muteStore := mute.NewStore(redisClient)
	limiter := ratelimit.NewLimiter(redisClient)

	// --- Scorer ---
	var (
		sc         scorer.Scorer
		natsClient *messaging.Client
	)
	switch scorerMode {
	case "nats", "remote":
		natsConfig := messaging.DefaultConfig()
		if url := os.Getenv("NATS_URL"); url != "" {
			natsConfig.URL = url
		}
		natsClient, err = messaging.Connect(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		defer natsClient.Close()
		sc = scorer.NewRemote(natsClient, 0)
	default:
		sc = scorer.NewLexicon()
	}

	warmCtx, warmCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := scorer.Warm(warmCtx, sc); err != nil {
		log.Printf("scorer warmup failed: %v (continuing)", err)
	}
	warmCancel()

	// --- Auth ---
	authManager := auth.NewManager([]byte(jwtSecret), 0, st)
	authHandler := auth.NewHandler(authManager, st)

	log.Printf("SafeStream gateway starting")
	log.Printf("  listen_addr:      %s", listenAddr)
	log.Printf("  max_connections:  %d", wsConfig.MaxConnections)
	log.Printf("  cleanup_interval: %s", reaperConfig.Interval)
	log.Printf("  gift_interval:    %s", giftConfig.Interval)
	log.Printf("  redis_addr:       %s", redisAddr)
	log.Printf("  scorer_mode:      %s", scorerMode)

	// --- WebSocket server and pipeline ---
	tracker := metrics.NewTracker()
	dispatcher := ws.NewMessageDispatcher()
	server := ws.NewServer(wsConfig, authManager, st, dispatcher.Dispatch)
	server.SetConnectLimiter(limiter)

	pipeline := gate.New(sc, muteStore, limiter, st, server, tracker)
	dispatcher.Register(protocol.TypeChat, pipeline.HandleChat)

	// --- Background loops ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ws.StartReaper(ctx, server, reaperConfig, st)

	producer := gift.NewProducer(giftConfig, st, server, tracker, nil)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		producer.Run(ctx)
	}()

	// --- HTTP routes ---
	adminHandler := admin.NewHandler(st, muteStore, server, producer, tracker)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", server.HandleUpgrade)
	startedAt := time.Now()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","connections":%d,"uptime_seconds":%d}`,
			server.ViewerCount(), int64(time.Since(startedAt).Seconds()))
	})

	mux.HandleFunc("/auth/register", authHandler.HandleRegister)
	mux.HandleFunc("/auth/login", authHandler.HandleLogin)
	mux.Handle("/auth/logout", authHandler.Middleware(http.HandlerFunc(authHandler.HandleLogout)))
	mux.Handle("/auth/me", authHandler.Middleware(http.HandlerFunc(authHandler.HandleMe)))

	mux.Handle("/api/gift", authHandler.Middleware(http.HandlerFunc(adminHandler.HandleGift)))
	mux.Handle("/api/admin/kick", authHandler.Middleware(http.HandlerFunc(adminHandler.HandleKick)))
	mux.Handle("/api/admin/mute", authHandler.Middleware(http.HandlerFunc(adminHandler.HandleMute)))
	mux.HandleFunc("/api/admin/threshold", func(w http.ResponseWriter, r *http.Request) {
		// Reading the threshold is open; changing it requires a session.
		switch r.Method {
		case http.MethodGet:
			adminHandler.HandleGetThreshold(w, r)
		case http.MethodPatch, http.MethodPut:
			authHandler.Middleware(http.HandlerFunc(adminHandler.HandleSetThreshold)).ServeHTTP(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.Handle("/api/admin/reset_metrics", authHandler.Middleware(http.HandlerFunc(adminHandler.HandleResetMetrics)))

	mux.HandleFunc("/metrics", adminHandler.HandleMetrics)
	mux.Handle("/metrics/prometheus", metrics.Handler())

	httpServer := &http.Server{
		Addr:    listenAddr,
		Handler: mux,
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		cancel()
		server.Shutdown()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("http shutdown error: %v", err)
		}
	}()

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}

	wg.Wait()
	log.Println("gateway stopped")
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
