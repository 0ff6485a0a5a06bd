/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the wallet ledger server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, optional file, WALLET_* environment)
  2. Open the configured store (sqlite, postgres or memory)
  3. Connect the Redis replay cache when redis.addr is set
  4. Register Prometheus collectors
  5. Seed demo data when seed.demo is true
  6. Start the conservation audit when audit.interval > 0
  7. Start the HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Path to a config file (yaml, json or toml). Optional.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the audit loop, close store and cache connections
  4. Exit

EXAMPLES:
  # SQLite file database (default)
  ./server

  # In-memory store with demo data
  WALLET_STORE_DRIVER=memory WALLET_SEED_DEMO=true ./server

  # PostgreSQL with a Redis replay cache
  WALLET_STORE_DRIVER=postgres \
  WALLET_STORE_POSTGRES_URL=postgres://wallet@localhost/wallet \
  WALLET_REDIS_ADDR=localhost:6379 ./server

SEE ALSO:
  - config/config.go: Configuration keys and defaults
  - api/server.go: Router configuration
  - wallet/service.go: Transaction orchestrator
*/
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
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/wallet-ledger/api"
	"github.com/warp/wallet-ledger/audit"
	"github.com/warp/wallet-ledger/cache"
	"github.com/warp/wallet-ledger/config"
	"github.com/warp/wallet-ledger/metrics"
	"github.com/warp/wallet-ledger/seed"
	"github.com/warp/wallet-ledger/store/postgres"
	"github.com/warp/wallet-ledger/store/sqlite"
	"github.com/warp/wallet-ledger/wallet"
	"github.com/warp/wallet-ledger/wallet/store"
)

// backend is what the server needs from a store: the engine's unit of work
// and read side, provisioning for seeding and totals for the audit.
type backend interface {
	wallet.Store
	wallet.Provisioner
	wallet.TotalsReader
}

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := config.NewLogger(cfg.Log, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	// Store
	db, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()
	logger.Info("store ready", "driver", cfg.Store.Driver)

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	opts := []wallet.Option{
		wallet.WithLogger(logger),
		wallet.WithObserver(m),
	}

	// Replay cache
	if cfg.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			// The cache is an optimisation; run without it.
			logger.Warn("redis unavailable, replay cache disabled", "addr", cfg.Redis.Addr, "error", err)
		} else {
			opts = append(opts, wallet.WithCache(cache.NewRedisReplayCache(rdb, cfg.Redis.ReplayTTL)))
			logger.Info("replay cache ready", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.ReplayTTL)
		}
	}

	svc := wallet.NewService(db, opts...)

	if cfg.Seed.Demo {
		if err := seed.Demo(ctx, db, svc); err != nil {
			return fmt.Errorf("seed demo data: %w", err)
		}
		logger.Info("demo data seeded")
	}

	if cfg.Audit.Interval > 0 {
		auditor := audit.New(db,
			audit.WithInterval(cfg.Audit.Interval),
			audit.WithRecorder(m),
			audit.WithLogger(logger))
		auditor.Start()
		defer auditor.Stop()
	}

	router := api.NewRouter(api.NewHandler(svc, logger), api.RouterOptions{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		RequestTimeout: cfg.HTTP.RequestTimeout,
		Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.HTTP.RequestTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down server", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (backend, func(), error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		s, err := postgres.Connect(ctx, cfg.PostgresURL, cfg.MaxConns)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		return s, s.Close, nil
	case config.DriverMemory:
		return store.NewMemory(), func() {}, nil
	default:
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		return s, func() { s.Close() }, nil
	}
}
