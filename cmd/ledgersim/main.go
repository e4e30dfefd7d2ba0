// Command ledgersim runs the in-memory ledger as a standalone process so
// that several market instances can share one simulated chain.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/atmx/stream-market/internal/clock"
	"github.com/atmx/stream-market/internal/config"
	"github.com/atmx/stream-market/internal/ledger"
)

// mintRequest credits an account on the simulated ledger.
type mintRequest struct {
	Address string          `json:"address"`
	Amount  decimal.Decimal `json:"amount"`
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	port := flag.String("port", "8081", "listen port")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	mem := ledger.NewMemory(clock.System{})
	for addr, amount := range cfg.Ledger.Faucet {
		mem.Mint(addr, decimal.NewFromFloat(amount))
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"ledgersim"}`))
	})
	r.Post("/faucet", mintHandler(mem))
	r.Mount("/", ledger.Handler(mem))

	srv := &http.Server{
		Addr:         ":" + *port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		slog.Info("ledgersim listening", "port", *port, "funded_accounts", len(cfg.Ledger.Faucet))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			stop()
		}
	}()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
}

func mintHandler(mem *ledger.Memory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req mintRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
			return
		}
		if req.Address == "" || !req.Amount.IsPositive() {
			http.Error(w, `{"error":"address and a positive amount are required"}`, http.StatusBadRequest)
			return
		}
		mem.Mint(req.Address, req.Amount)
		bal, err := mem.BalanceOf(r.Context(), req.Address)
		if err != nil {
			http.Error(w, `{"error":"balance lookup failed"}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"address": req.Address, "balance": bal})
	}
}
