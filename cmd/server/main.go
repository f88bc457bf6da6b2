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
	"github.com/redis/go-redis/v9"

	"github.com/econgames/odyssey-engine/internal/api"
	"github.com/econgames/odyssey-engine/internal/config"
	"github.com/econgames/odyssey-engine/internal/game"
	"github.com/econgames/odyssey-engine/internal/logging"
	"github.com/econgames/odyssey-engine/internal/metrics"
	"github.com/econgames/odyssey-engine/internal/rng"
	"github.com/econgames/odyssey-engine/internal/scheduler"
	"github.com/econgames/odyssey-engine/internal/store"
)

func main() {
	path := os.Getenv("ODYSSEY_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := config.Load(path)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	slog.SetDefault(logging.New(cfg.Log.Level, cfg.Log.File))

	// --- Initialize store ---
	st, cleanup, err := openStore(cfg)
	if err != nil {
		slog.Error("store init failed", "backend", cfg.Storage.Backend, "err", err)
		os.Exit(1)
	}
	defer cleanup()

	// --- Engine ---
	gameCfg, err := cfg.GameConfig()
	if err != nil {
		slog.Error("invalid game config", "err", err)
		os.Exit(1)
	}
	seed := cfg.Game.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	engine, err := game.NewEngine(gameCfg, rng.NewLocked(seed))
	if err != nil {
		slog.Error("engine init failed", "err", err)
		os.Exit(1)
	}
	slog.Info("engine ready",
		"max_rounds", gameCfg.MaxRounds,
		"initial_stake", gameCfg.InitialStake.String(),
		"cash_policy", cfg.Game.CashPolicy,
		"correlation_mode", cfg.Game.CorrelationMode,
		"seed", seed,
	)

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run()
	defer wsHub.Close()

	// --- Game service and auto-advance ---
	svc := game.NewService(engine, st, wsHub)
	sched := scheduler.New(svc, cfg.Game.AutoAdvance)
	sched.Start()

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for the browser game client.
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
		w.Write([]byte(`{"status":"ok","service":"odyssey-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", api.NewHandler(svc, sched, wsHub).Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("odyssey-engine listening", "port", cfg.Server.Port, "store", cfg.Storage.Backend)
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

	slog.Info("shutting down odyssey-engine...")
	select {
	case <-sched.Stop().Done():
	case <-ctx.Done():
		slog.Warn("scheduled rounds still running at shutdown")
	}
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("odyssey-engine stopped")
}

// openStore builds the configured backend. The returned cleanup releases
// its connections and is safe to call when err is nil.
func openStore(cfg *config.Config) (store.Store, func(), error) {
	var cleanup []func()
	done := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	switch cfg.Storage.Backend {
	case config.StoragePostgres:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		pool, err := store.Connect(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			done()
			return nil, nil, err
		}
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Storage.RedisURL == "" {
			return pg, done, nil
		}
		opt, err := redis.ParseURL(cfg.Storage.RedisURL)
		if err != nil {
			done()
			return nil, nil, fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		slog.Info("Redis cache enabled", "ttl", cfg.Storage.RedisTTL)
		return store.NewCachedStore(pg, rdb, cfg.Storage.RedisTTL), done, nil

	case config.StorageSQLite:
		sq, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		cleanup = append(cleanup, func() { sq.Close() })
		slog.Info("opened SQLite store", "path", cfg.Storage.SQLitePath)
		return sq, done, nil

	default:
		slog.Warn("using in-memory store (data will not persist)")
		return store.NewMemoryStore(), done, nil
	}
}
