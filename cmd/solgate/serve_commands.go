package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"

	"github.com/brojonat/solgate/service/config"
	"github.com/brojonat/solgate/service/events"
	"github.com/brojonat/solgate/service/metrics"
	"github.com/brojonat/solgate/service/payment"
	"github.com/brojonat/solgate/service/receipts"
	"github.com/brojonat/solgate/service/server"
	"github.com/brojonat/solgate/service/solana"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the payment-gated API server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Usage:   "Address to listen on",
				EnvVars: []string{"SERVER_ADDR"},
				Value:   ":8080",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				EnvVars: []string{"LOG_LEVEL"},
				Value:   "info",
			},
			&cli.StringFlag{
				Name:    "receiver",
				Usage:   "Wallet address that must receive the payment",
				EnvVars: []string{"PAYMENT_RECEIVER"},
			},
			&cli.StringFlag{
				Name:    "amount",
				Usage:   "Required payment amount in human units",
				EnvVars: []string{"PAYMENT_AMOUNT"},
				Value:   "0.05",
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "Token symbol advertised to clients",
				EnvVars: []string{"PAYMENT_TOKEN"},
				Value:   "USDC",
			},
			&cli.StringFlag{
				Name:    "network",
				Usage:   "Network payments are charged on (mainnet or devnet)",
				EnvVars: []string{"PAYMENT_NETWORK"},
				Value:   config.NetworkDevnet,
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Postgres URL for the receipts journal (empty disables it)",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS URL for event publishing and SSE (empty disables both)",
				EnvVars: []string{"NATS_URL"},
			},
			&cli.StringFlag{
				Name:    "mainnet-rpc-url",
				Usage:   "Solana mainnet RPC endpoint",
				EnvVars: []string{"SOLANA_MAINNET_RPC_URL"},
				Value:   "https://api.mainnet-beta.solana.com",
			},
			&cli.StringFlag{
				Name:    "devnet-rpc-url",
				Usage:   "Solana devnet RPC endpoint",
				EnvVars: []string{"SOLANA_DEVNET_RPC_URL"},
				Value:   "https://api.devnet.solana.com",
			},
			&cli.StringFlag{
				Name:    "mainnet-mint",
				Usage:   "USDC mint address on mainnet",
				EnvVars: []string{"USDC_MAINNET_MINT_ADDRESS"},
				Value:   config.DefaultUSDCMainnetMint,
			},
			&cli.StringFlag{
				Name:    "devnet-mint",
				Usage:   "USDC mint address on devnet",
				EnvVars: []string{"USDC_DEVNET_MINT_ADDRESS"},
				Value:   config.DefaultUSDCDevnetMint,
			},
			&cli.DurationFlag{
				Name:    "max-age",
				Usage:   "Maximum age of an acceptable payment transaction",
				EnvVars: []string{"PAYMENT_MAX_AGE"},
				Value:   300 * time.Second,
			},
			&cli.DurationFlag{
				Name:    "clock-skew",
				Usage:   "Allowed forward clock skew on block times",
				EnvVars: []string{"PAYMENT_CLOCK_SKEW"},
				Value:   60 * time.Second,
			},
			&cli.StringFlag{
				Name:    "amount-tolerance",
				Usage:   "Absolute slack allowed on the paid amount, in human units",
				EnvVars: []string{"PAYMENT_AMOUNT_TOLERANCE"},
				Value:   "0.001",
			},
			&cli.DurationFlag{
				Name:    "rpc-timeout",
				Usage:   "Timeout for Solana RPC calls",
				EnvVars: []string{"SOLANA_RPC_TIMEOUT"},
				Value:   15 * time.Second,
			},
			&cli.IntFlag{
				Name:    "replay-high-water",
				Usage:   "Replay guard size that triggers eviction",
				EnvVars: []string{"REPLAY_HIGH_WATER"},
				Value:   10000,
			},
			&cli.IntFlag{
				Name:    "replay-low-water",
				Usage:   "Replay guard size eviction shrinks to",
				EnvVars: []string{"REPLAY_LOW_WATER"},
				Value:   5000,
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	amount, err := decimal.NewFromString(c.String("amount"))
	if err != nil {
		return fmt.Errorf("invalid --amount %q: %w", c.String("amount"), err)
	}
	tolerance, err := decimal.NewFromString(c.String("amount-tolerance"))
	if err != nil {
		return fmt.Errorf("invalid --amount-tolerance %q: %w", c.String("amount-tolerance"), err)
	}

	cfg := &config.Config{
		ServerAddr:             c.String("addr"),
		LogLevel:               c.String("log-level"),
		DatabaseURL:            c.String("database-url"),
		NATSURL:                c.String("nats-url"),
		SolanaMainnetRPCURL:    c.String("mainnet-rpc-url"),
		USDCMainnetMintAddress: c.String("mainnet-mint"),
		SolanaDevnetRPCURL:     c.String("devnet-rpc-url"),
		USDCDevnetMintAddress:  c.String("devnet-mint"),
		PaymentReceiver:        c.String("receiver"),
		PaymentAmount:          amount,
		PaymentToken:           c.String("token"),
		PaymentNetwork:         c.String("network"),
		PaymentMaxAge:          c.Duration("max-age"),
		PaymentClockSkew:       c.Duration("clock-skew"),
		PaymentAmountTolerance: tolerance,
		SolanaRPCTimeout:       c.Duration("rpc-timeout"),
		ReplayHighWater:        c.Int("replay-high-water"),
		ReplayLowWater:         c.Int("replay-low-water"),
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	return runServer(cfg)
}

// runServer wires the full service graph and blocks until the process is
// signalled or the listener fails. It mirrors cmd/server so the CLI can run
// the daemon without a second binary.
func runServer(cfg *config.Config) error {
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting solgate",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
		"payment_network", cfg.PaymentNetwork,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

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

	var publisher events.Publisher
	var ssePublisher *server.SSEPublisher
	if cfg.NATSURL != "" {
		js, err := events.NewPublisher(cfg.NATSURL, metricsCollector, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer js.Close()
		publisher = js

		sse, err := server.NewSSEPublisher(cfg.NATSURL, logger)
		if err != nil {
			return fmt.Errorf("failed to create SSE publisher: %w", err)
		}
		ssePublisher = sse
		logger.Info("connected to NATS", "url", cfg.NATSURL)
	} else {
		logger.Warn("NATS_URL not set, verification events and streaming disabled")
	}

	var store *receipts.Store
	if cfg.DatabaseURL != "" {
		dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to create database pool: %w", err)
		}
		defer dbPool.Close()

		if err := dbPool.Ping(ctx); err != nil {
			return fmt.Errorf("failed to ping database: %w", err)
		}

		store = receipts.NewStore(dbPool, metricsCollector, logger)
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("failed to ensure receipts schema: %w", err)
		}
		logger.Info("connected to database")
	} else {
		logger.Warn("DATABASE_URL not set, receipts journal disabled")
	}

	srv := server.New(cfg.ServerAddr, cfg, verifier, nil, publisher, ssePublisher, store, metricsCollector, logger)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		logger.Info("server stopped")
	}

	return nil
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
