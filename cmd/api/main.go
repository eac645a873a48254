package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zia/backend/internal/action"
	"github.com/zia/backend/internal/audit"
	"github.com/zia/backend/internal/config"
	"github.com/zia/backend/internal/dispatch"
	"github.com/zia/backend/internal/engine"
	"github.com/zia/backend/internal/handlers"
	"github.com/zia/backend/internal/infra"
	"github.com/zia/backend/internal/middleware"
	"github.com/zia/backend/internal/ratelimit"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("ZIA_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Counter store + dispatch queue: Redis when reachable, in-memory
	// fallback otherwise. The fallback does not span processes, so rate
	// limits and queues are per-instance until Redis is back.
	var counterStore ratelimit.CounterStore
	var queue dispatch.Queue
	redisClient, err := infra.NewGoRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		slog.Warn("Redis unavailable, using in-memory counter store and queue", "error", err)
		counterStore = ratelimit.NewMemoryStore()
		queue = dispatch.NewMemoryQueue()
	} else {
		defer redisClient.Close()
		counterStore = redisClient
		queue = dispatch.NewRedisQueue(redisClient)
	}

	// Audit trail: Postgres when configured, otherwise dropped.
	var recorder audit.Recorder = audit.NopRecorder{}
	if cfg.Database.URL != "" {
		pg, err := audit.NewPostgresRecorder(cfg.Database.URL)
		if err != nil {
			log.Fatalf("Failed to connect audit database: %v", err)
		}
		defer pg.Close()
		recorder = pg
	} else {
		slog.Warn("DATABASE_URL not set, audit trail disabled")
	}

	eng := engine.New(engine.Config{
		Registry: action.DefaultRegistry(),
		Tokens:   action.NewTokenService(time.Duration(cfg.Security.ConfirmationTTLMinutes) * time.Minute),
		Limiter:  ratelimit.NewLimiter(counterStore),
		Queue:    queue,
		Recorder: recorder,
		Metrics:  engine.NewMetrics(),
		FailOpen: cfg.RateLimit.FailOpen,
	})

	apiLimiter := middleware.NewRateLimiter(cfg.Security.APIRateLimitPerMinute)
	defer apiLimiter.Stop()

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok", "env": cfg.Server.Env})
	})
	router.Handle("/metrics", promhttp.Handler())

	api := router.PathPrefix("/api/v1/actions").Subrouter()
	api.Use(middleware.RequestLogger, apiLimiter.Middleware)
	api.HandleFunc("/execute", handlers.ExecuteAction(eng)).Methods(http.MethodPost)
	api.HandleFunc("/confirm", handlers.ConfirmAction(eng)).Methods(http.MethodPost)
	api.HandleFunc("/reject", handlers.RejectAction(eng)).Methods(http.MethodPost)
	api.HandleFunc("/escalate", handlers.EscalateAction(eng)).Methods(http.MethodPost)
	api.HandleFunc("/schemas", handlers.ListSchemas(eng)).Methods(http.MethodGet)
	api.HandleFunc("/pending", handlers.ListPending(eng)).Methods(http.MethodGet)
	api.HandleFunc("/history", handlers.ListHistory(eng)).Methods(http.MethodGet)
	api.HandleFunc("/stream", handlers.StreamTransitions(eng, cfg.Server.AllowedOrigins)).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Expiry sweep for stale pending confirmations.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				eng.ExpirePending(sweepCtx)
			case <-sweepCtx.Done():
				return
			}
		}
	}()

	go func() {
		slog.Info("API server listening", "port", cfg.Server.Port, "env", cfg.Server.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Shutdown error", "error", err)
	}
}
