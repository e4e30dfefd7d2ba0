package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/stream-market/internal/agent"
	"github.com/atmx/stream-market/internal/bid"
	"github.com/atmx/stream-market/internal/book"
	"github.com/atmx/stream-market/internal/clock"
	"github.com/atmx/stream-market/internal/config"
	"github.com/atmx/stream-market/internal/engine"
	"github.com/atmx/stream-market/internal/exposure"
	"github.com/atmx/stream-market/internal/ledger"
	"github.com/atmx/stream-market/internal/market"
	"github.com/atmx/stream-market/internal/metrics"
	"github.com/atmx/stream-market/internal/risk"
	"github.com/atmx/stream-market/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}
	logger := setupLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.System{}

	// --- Ledger ---
	var led ledger.Ledger
	var sim *ledger.Memory
	if cfg.Ledger.URL != "" {
		led = ledger.NewHTTPClient(cfg.Ledger.URL, cfg.Ledger.RatePerSec, cfg.Ledger.Timeout)
		slog.Info("using remote ledger", "url", cfg.Ledger.URL)
	} else {
		sim = ledger.NewMemory(clk)
		for addr, amount := range cfg.Ledger.Faucet {
			sim.Mint(addr, decimal.NewFromFloat(amount))
		}
		led = sim
		slog.Warn("LEDGER_URL not set, using simulated in-memory ledger", "funded_accounts", len(cfg.Ledger.Faucet))
	}

	// --- Store ---
	st, cleanup, err := openStore(ctx, cfg.Storage)
	if err != nil {
		slog.Error("failed to open store", "err", err)
		os.Exit(1)
	}
	defer cleanup()

	// --- Engine ---
	scorer := risk.NewScorer(
		risk.NewStaticRegistry(cfg.Risk.TrustedSenders),
		decimal.NewFromFloat(cfg.Risk.LiquidityThreshold),
	)
	eng := engine.New(engine.Config{
		TickInterval: cfg.Engine.TickInterval,
		SyncInterval: cfg.Engine.SyncInterval,
	}, led, book.New(), clk, scorer, logger)

	// --- Purchase limits ---
	limiter := exposure.NewLimiter(
		decimal.NewFromFloat(cfg.Limits.MaxPerStream),
		decimal.NewFromFloat(cfg.Limits.MaxPerSender),
	)

	// --- Services ---
	marketSvc := market.NewService(led, eng, st, limiter, logger)
	bidSvc := bid.NewService(st, led, eng, limiter, bid.Options{
		RejectSelfBids: cfg.Bids.RejectSelfBids,
		PendingTTL:     cfg.Bids.PendingTTL,
	}, logger)

	matcher, err := agent.New(agent.Config{
		Address:      cfg.Agent.Address,
		ScanInterval: cfg.Agent.ScanInterval,
		HistorySize:  cfg.Agent.HistorySize,
		TradeTimeout: cfg.Agent.TradeTimeout,
	}, agent.Policy{
		MaxRiskScore:    cfg.Agent.Policy.MaxRiskScore,
		MinDiscountPct:  decimal.NewFromFloat(cfg.Agent.Policy.MinDiscountPct),
		MaxDurationDays: cfg.Agent.Policy.MaxDurationDays,
	}, eng, led, marketSvc, clk, logger)
	if err != nil {
		slog.Error("invalid agent configuration", "err", err)
		os.Exit(1)
	}
	if cfg.Agent.Address != "" {
		eng.Watch(cfg.Agent.Address)
	}

	// --- WebSocket hub ---
	wsHub := market.NewWSHub(logger)
	eng.OnTick(wsHub.PublishSnapshot)
	go wsHub.Run(ctx)
	events, unsubscribe := matcher.Subscribe(64)
	defer unsubscribe()
	go wsHub.ForwardAgent(ctx, events)

	// --- Background loops ---
	go eng.Run(ctx)
	go bidSvc.RunExpiry(ctx, cfg.Bids.ExpiryInterval)
	if cfg.Agent.AutoStart {
		if err := matcher.Start(ctx); err != nil {
			slog.Error("agent auto-start failed", "err", err)
		}
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+market.CallerHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"stream-market","snapshot_version":%d}`, eng.Snapshot().Version)
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	api := market.NewAPI(ctx, marketSvc, bidSvc, matcher, wsHub, logger)
	r.Mount("/api/v1", api.Routes())

	// The simulated ledger speaks the same protocol as a remote one.
	if sim != nil {
		r.Mount("/ledger", ledger.Handler(sim))
	}

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("stream-market listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	// Graceful shutdown: let an in-flight agent purchase finish, then stop
	// accepting requests.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down stream-market...")
	if err := matcher.Stop(shutdownCtx); err != nil {
		slog.Error("agent did not drain", "err", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	slog.Info("stream-market stopped")
}

// openStore picks PostgreSQL (optionally behind Redis), SQLite or memory,
// in that order of preference.
func openStore(ctx context.Context, cfg config.StorageConfig) (store.Store, func(), error) {
	var cleanup []func()
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	var st store.Store
	switch {
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

	case cfg.SQLitePath != "":
		lite, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		cleanup = append(cleanup, func() { lite.Close() })
		st = lite
		slog.Info("using SQLite store", "path", cfg.SQLitePath)

	default:
		slog.Warn("no DATABASE_URL or SQLITE_PATH, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// Wrap with Redis read-through cache if configured.
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.RedisTTL)
		slog.Info("Redis cache enabled", "ttl", cfg.RedisTTL)
	}
	return st, closeAll, nil
}

func setupLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
