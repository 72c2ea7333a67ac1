package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brojonat/solgate/service/config"
	"github.com/brojonat/solgate/service/events"
	"github.com/brojonat/solgate/service/metrics"
	"github.com/brojonat/solgate/service/payment"
	"github.com/brojonat/solgate/service/receipts"
	"github.com/brojonat/solgate/service/server"
	"github.com/brojonat/solgate/service/solana"
)

func main() {
	// Load and validate configuration from environment.
	// This fails fast if any required config is missing or invalid.
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting solgate",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
		"payment_network", cfg.PaymentNetwork,
	)

	// Create context for startup connections
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Prometheus metrics collector
	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	// One ledger client per network the verifier can be asked about. The
	// gate itself charges on cfg.PaymentNetwork; keeping both wired lets
	// the same process answer ad hoc checks against either cluster.
	targets := map[string]payment.NetworkTarget{
		config.NetworkMainnet: {
			Ledger: solana.NewClient(solana.NewRPCClient(cfg.SolanaMainnetRPCURL), cfg.SolanaMainnetRPCURL, metricsCollector, logger),
			Mint:   cfg.USDCMainnetMintAddress,
			Token:  cfg.PaymentToken,
		},
		config.NetworkDevnet: {
			Ledger: solana.NewClient(solana.NewRPCClient(cfg.SolanaDevnetRPCURL), cfg.SolanaDevnetRPCURL, metricsCollector, logger),
			Mint:   cfg.USDCDevnetMintAddress,
			Token:  cfg.PaymentToken,
		},
	}

	replay := payment.NewReplayGuard(cfg.ReplayHighWater, cfg.ReplayLowWater, metricsCollector)

	verifier := payment.NewVerifier(targets, replay, payment.Policy{
		MaxAge:          cfg.PaymentMaxAge,
		ClockSkew:       cfg.PaymentClockSkew,
		AmountTolerance: cfg.PaymentAmountTolerance,
		FetchTimeout:    cfg.SolanaRPCTimeout,
	}, metricsCollector, logger)

	// Verification events and SSE fan-out ride on NATS JetStream. Both are
	// optional; without NATS the gate still verifies and serves.
	var publisher events.Publisher
	var ssePublisher *server.SSEPublisher
	if cfg.NATSURL != "" {
		js, err := events.NewPublisher(cfg.NATSURL, metricsCollector, logger)
		if err != nil {
			logger.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer js.Close()
		publisher = js

		sse, err := server.NewSSEPublisher(cfg.NATSURL, logger)
		if err != nil {
			logger.Error("failed to create SSE publisher", "error", err)
			os.Exit(1)
		}
		ssePublisher = sse
		logger.Info("connected to NATS", "url", cfg.NATSURL)
	} else {
		logger.Warn("NATS_URL not set, verification events and streaming disabled")
	}

	// The receipts journal is optional; without a database, verified
	// payments are only observable through events and logs.
	var store *receipts.Store
	if cfg.DatabaseURL != "" {
		dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to create database pool", "error", err)
			os.Exit(1)
		}
		defer dbPool.Close()

		if err := dbPool.Ping(ctx); err != nil {
			logger.Error("failed to ping database", "error", err)
			os.Exit(1)
		}

		store = receipts.NewStore(dbPool, metricsCollector, logger)
		if err := store.EnsureSchema(ctx); err != nil {
			logger.Error("failed to ensure receipts schema", "error", err)
			os.Exit(1)
		}
		logger.Info("connected to database")
	} else {
		logger.Warn("DATABASE_URL not set, receipts journal disabled")
	}

	srv := server.New(cfg.ServerAddr, cfg, verifier, nil, publisher, ssePublisher, store, metricsCollector, logger)

	// Channel to listen for errors coming from the listener.
	serverErrors := make(chan error, 1)

	go func() {
		serverErrors <- srv.Start()
	}()

	// Channel to listen for an interrupt or terminate signal from the OS.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)

	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
			os.Exit(1)
		}
		logger.Info("server stopped")
	}
}

// setupLogger creates a structured logger with the specified level
func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
}
