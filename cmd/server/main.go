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

	"github.com/bcpmarket/market-engine/internal/auth"
	"github.com/bcpmarket/market-engine/internal/config"
	"github.com/bcpmarket/market-engine/internal/lmsr"
	"github.com/bcpmarket/market-engine/internal/metrics"
	"github.com/bcpmarket/market-engine/internal/retention"
	"github.com/bcpmarket/market-engine/internal/store"
	"github.com/bcpmarket/market-engine/internal/trade"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("store initialization failed", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	// --- Accounts ---
	tokens := auth.JWT{Secret: []byte(cfg.JWTSecret), TokenTTL: cfg.TokenTTL}
	accounts := auth.NewAccounts(st, tokens, cfg.AdminUsername, cfg.StartingCash)
	if err := accounts.Bootstrap(ctx, cfg.AdminPassword, cfg.AdminCash); err != nil {
		slog.Error("admin bootstrap failed", "err", err)
		os.Exit(1)
	}
	if cfg.JWTSecret == "change-me" {
		slog.Warn("JWT_SECRET is the default value; set it before exposing the server")
	}

	// --- Pricing ---
	mm, err := lmsr.NewMarketMaker(cfg.LiquidityK)
	if err != nil {
		slog.Error("invalid liquidity constant", "err", err)
		os.Exit(1)
	}

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run(ctx)

	// --- Engine ---
	engine := trade.NewEngine(st, mm, trade.Options{
		Admin:      cfg.AdminUsername,
		DailyBonus: cfg.DailyBonus,
		Hub:        wsHub,
	})
	if err := engine.SyncMetrics(ctx); err != nil {
		slog.Warn("could not initialize market gauge", "err", err)
	}
	svc := trade.NewService(engine, accounts)

	// --- Retention ---
	pruner := retention.New(ctx, st, cfg.CommentRetention)
	if err := pruner.Start(cfg.RetentionSchedule); err != nil {
		slog.Error("retention job failed to start", "err", err)
		os.Exit(1)
	}
	defer pruner.Stop()

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for browser clients.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
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
		// WebSocket endpoint for real-time market events. Registered
		// outside the timeout middleware, which would cut it off.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			svc.Routes(r, tokens)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("market-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down market-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("market-engine stopped")
}

// openStore picks the backend: PostgreSQL when DATABASE_URL is set,
// in-memory for DATABASE_PATH=":memory:", SQLite otherwise. REDIS_URL adds
// a read-through cache in front of whichever was chosen.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	var st store.Store

	switch {
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection: %w", err)
		}
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		st = pg
		slog.Info("connected to PostgreSQL")

	case cfg.DatabasePath == ":memory:":
		slog.Warn("using in-memory store (data will not persist)")
		st = store.NewMemoryStore()

	default:
		sq, err := store.NewSQLiteStore(ctx, cfg.DatabasePath, cfg.BusyTimeout)
		if err != nil {
			return nil, err
		}
		st = sq
	}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("redis unreachable, cache reads will fall through", "err", err)
		}
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
	}
	return st, nil
}
