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
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/pmx/trade-engine/internal/api"
	"github.com/pmx/trade-engine/internal/config"
	"github.com/pmx/trade-engine/internal/escrow"
	"github.com/pmx/trade-engine/internal/events"
	"github.com/pmx/trade-engine/internal/listing"
	"github.com/pmx/trade-engine/internal/metrics"
	"github.com/pmx/trade-engine/internal/model"
	"github.com/pmx/trade-engine/internal/order"
	"github.com/pmx/trade-engine/internal/ranking"
	"github.com/pmx/trade-engine/internal/settle"
	"github.com/pmx/trade-engine/internal/store"
	"github.com/pmx/trade-engine/internal/wallet"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
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

	// --- Event publisher ---
	var pub *events.Publisher
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			slog.Error("NATS connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, nc.Close)
		pub = events.NewPublisher(nc)
		slog.Info("connected to NATS")
	} else {
		pub = events.NewPublisher(nil)
	}

	// --- Domain components ---
	ledger := wallet.NewLedger(st)
	listings := listing.NewService(st)
	settlement := settle.NewCoordinator(st, ledger, pub)
	orders := order.NewEngine(st, listings, ledger, settlement, pub, cfg.FeeRate())
	sessions := escrow.NewService(st, settlement, cfg.DisputeTimeout)
	rankings := ranking.NewAggregator(st)

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run()

	svc := api.NewService(listings, orders, sessions, ledger, rankings, pub, wsHub)

	// --- Background loops ---
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	// Replay settlements interrupted by a previous crash, then keep sweeping.
	if n, err := settlement.RecoverPending(bgCtx); err != nil {
		slog.Error("settlement recovery failed", "err", err)
	} else if n > 0 {
		slog.Info("replayed pending settlements", "count", n)
	}
	go every(bgCtx, cfg.SettlementSweepInterval, func(ctx context.Context) {
		if _, err := settlement.RecoverPending(ctx); err != nil {
			slog.Error("settlement sweep failed", "err", err)
		}
	})

	go every(bgCtx, cfg.DisputeSweepInterval, func(ctx context.Context) {
		if _, err := sessions.SweepDisputes(ctx, time.Now().UTC()); err != nil {
			slog.Error("dispute sweep failed", "err", err)
		}
	})

	go every(bgCtx, cfg.ExpirySweepInterval, func(ctx context.Context) {
		if _, err := listings.ExpireListings(ctx, time.Now().UTC()); err != nil {
			slog.Error("listing expiry sweep failed", "err", err)
		}
	})

	go every(bgCtx, cfg.RankingInterval, func(ctx context.Context) {
		now := time.Now().UTC()
		for _, period := range []string{model.PeriodDaily, model.PeriodWeekly, model.PeriodMonthly} {
			if _, err := rankings.Recompute(ctx, period, now); err != nil {
				slog.Error("ranking recompute failed", "period", period, "err", err)
			}
		}
	})

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
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID, X-User-Role")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"trade-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time order updates.
		r.Get("/ws", wsHub.HandleWS)

		svc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("trade-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	bgCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down trade-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("trade-engine stopped")
}

// every runs fn on a fixed interval until ctx is cancelled.
func every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
