package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/gridgame/market-engine/internal/game"
	"github.com/gridgame/market-engine/internal/metrics"
	"github.com/gridgame/market-engine/internal/scheduler"
	"github.com/gridgame/market-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Phase timing ---
	bidsDuration := envDuration("BIDS_DURATION", 3*time.Minute)
	planningsDuration := envDuration("PLANNINGS_DURATION", 5*time.Minute)

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- WebSocket hub ---
	wsHub := game.NewWSHub()
	go wsHub.Run()

	// --- Phase scheduler ---
	sched, err := scheduler.New(st, wsHub, scheduler.Config{
		BidsDuration:      bidsDuration,
		PlanningsDuration: planningsDuration,
	})
	if err != nil {
		slog.Error("invalid phase timing", "err", err,
			"bids_duration", bidsDuration, "plannings_duration", planningsDuration)
		os.Exit(1)
	}

	// --- Game service ---
	gameSvc := game.NewService(st, sched)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"market-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for phase lifecycle events, one room per session.
		r.Get("/ws/{sessionID}", wsHub.HandleWS)

		// Session management.
		r.Post("/sessions", gameSvc.CreateSession)
		r.Get("/sessions/{sessionID}", gameSvc.GetSession)
		r.Post("/sessions/{sessionID}/users", gameSvc.JoinSession)
		r.Get("/sessions/{sessionID}/users", gameSvc.ListUsers)
		r.Put("/sessions/{sessionID}/users/{userID}/ready", gameSvc.SetReady)

		// Bidding.
		r.Post("/sessions/{sessionID}/bids", gameSvc.PlaceBid)
		r.Delete("/sessions/{sessionID}/bids/{bidID}", gameSvc.DeleteBid)

		// Phase state, clearing results, and per-user fills.
		r.Get("/sessions/{sessionID}/phases/{number}", gameSvc.GetPhase)
		r.Get("/sessions/{sessionID}/phases/{number}/clearing", gameSvc.GetClearing)
		r.Get("/sessions/{sessionID}/phases/{number}/exchanges", gameSvc.GetExchanges)
		r.Get("/sessions/{sessionID}/phases/{number}/bids", gameSvc.GetUserBids)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("market-engine listening", "port", port,
			"bids_duration", bidsDuration, "plannings_duration", planningsDuration)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down market-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("market-engine stopped")
}

// envDuration reads a duration from the environment, falling back to a
// default when unset or unparsable.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}
