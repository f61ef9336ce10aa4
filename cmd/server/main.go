/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the household payment ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load config (.env, LEDGER_* variables), then apply flags
  2. Build the zap logger
  3. Open the store (SQLite or PostgreSQL)
  4. Create LedgerService, optional Kafka publisher, overdue sweeper
  5. Configure HTTP router and start server with graceful shutdown

COMMAND-LINE FLAGS:
  -env             .env file to load (default: .env, missing is fine)
  -port            HTTP server port (default: 8080)
  -driver          sqlite | postgres (default: sqlite)
  -db              SQLite path or PostgreSQL DSN (default: ledger.db)
                   Use ":memory:" for an in-memory SQLite database
  -sweep-interval  Overdue sweep period (default: 24h)

  Flags override the environment. See config/config.go for LEDGER_*.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the sweeper (waits for an in-flight pass)
  4. Close the event publisher and database

EXAMPLES:
  ./server -db="./data/ledger.db"
  ./server -driver=postgres -db="postgres://ledger@localhost/ledger?sslmode=disable"
  LEDGER_KAFKA_BROKERS=localhost:9092 ./server -db=":memory:"
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/warp/household-ledger/api"
	"github.com/warp/household-ledger/config"
	"github.com/warp/household-ledger/events/kafka"
	"github.com/warp/household-ledger/ledger"
	"github.com/warp/household-ledger/store/postgres"
	"github.com/warp/household-ledger/store/sqlite"
)

// backend is what the server needs from a store.
type backend interface {
	ledger.TxStore
	ledger.Directory
	ledger.SweepRunStore
	Close() error
}

func main() {
	// Flags
	envFile := flag.String("env", ".env", "env file to load before reading LEDGER_* variables")
	port := flag.Int("port", 0, "HTTP server port (overrides LEDGER_PORT)")
	driver := flag.String("driver", "", "database driver: sqlite | postgres (overrides LEDGER_DB_DRIVER)")
	dsn := flag.String("db", "", "SQLite path or PostgreSQL DSN (overrides LEDGER_DB_DSN)")
	sweepInterval := flag.Duration("sweep-interval", 0, "overdue sweep period (overrides LEDGER_SWEEP_INTERVAL)")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *driver != "" {
		cfg.Driver = *driver
	}
	if *dsn != "" {
		cfg.DSN = *dsn
	}
	if *sweepInterval != 0 {
		cfg.SweepInterval = *sweepInterval
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	// Initialize store
	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()
	logger.Info("database ready", zap.String("driver", cfg.Driver))

	// Ledger service
	service := ledger.NewService(store, logger.Named("ledger"))
	if len(cfg.KafkaBrokers) > 0 {
		publisher := kafka.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer publisher.Close()
		service.Events = publisher
		logger.Info("publishing ledger events",
			zap.Strings("brokers", cfg.KafkaBrokers),
			zap.String("topic", cfg.KafkaTopic),
		)
	}

	// Overdue sweeper
	sweeper := ledger.NewOverdueSweeper(service, store, logger)
	sweeper.Interval = cfg.SweepInterval
	sweeper.Enabled = cfg.SweepEnabled
	sweeper.Start()
	defer sweeper.Stop()

	// HTTP
	handler := api.NewHandler(service, store, sweeper, logger)
	router := api.NewRouter(handler, api.RouterOptions{AllowedOrigins: cfg.CORSOrigins})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down", zap.Stringer("signal", sig))
	case err := <-serverErr:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.Config) (backend, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		s, err := postgres.New(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		s, err := sqlite.New(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	if cfg.LogDev {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
