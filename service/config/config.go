package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Network identifiers accepted throughout the service.
const (
	NetworkMainnet = "mainnet"
	NetworkDevnet  = "devnet"
)

// Default USDC mint addresses per network.
const (
	DefaultUSDCMainnetMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	DefaultUSDCDevnetMint  = "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// Receipt journal configuration. Empty disables the journal; the replay
	// guard never depends on it.
	DatabaseURL string

	// NATS configuration. Empty disables event publishing and the SSE stream.
	NATSURL string

	// Solana configuration - Mainnet
	SolanaMainnetRPCURL    string
	USDCMainnetMintAddress string

	// Solana configuration - Devnet
	SolanaDevnetRPCURL    string
	USDCDevnetMintAddress string

	// Payment requirement advertised to unpaid clients
	PaymentReceiver string
	PaymentAmount   decimal.Decimal
	PaymentToken    string
	PaymentNetwork  string

	// Verification policy
	PaymentMaxAge          time.Duration
	PaymentClockSkew       time.Duration
	PaymentAmountTolerance decimal.Decimal
	SolanaRPCTimeout       time.Duration

	// Replay guard bounds
	ReplayHighWater int
	ReplayLowWater  int
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Optional collaborators
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.NATSURL = os.Getenv("NATS_URL")

	// Solana configuration. Public endpoints and canonical USDC mints are
	// usable defaults; premium endpoints go in via the same variables.
	cfg.SolanaMainnetRPCURL = getEnvOrDefault("SOLANA_MAINNET_RPC_URL", "https://api.mainnet-beta.solana.com")
	cfg.SolanaDevnetRPCURL = getEnvOrDefault("SOLANA_DEVNET_RPC_URL", "https://api.devnet.solana.com")
	cfg.USDCMainnetMintAddress = getEnvOrDefault("USDC_MAINNET_MINT_ADDRESS", DefaultUSDCMainnetMint)
	cfg.USDCDevnetMintAddress = getEnvOrDefault("USDC_DEVNET_MINT_ADDRESS", DefaultUSDCDevnetMint)

	// Validate RPC URLs are different
	if cfg.SolanaMainnetRPCURL == cfg.SolanaDevnetRPCURL {
		errs = append(errs, fmt.Errorf("SOLANA_MAINNET_RPC_URL and SOLANA_DEVNET_RPC_URL must be different"))
	}

	// Validate USDC mint addresses are different
	if cfg.USDCMainnetMintAddress == cfg.USDCDevnetMintAddress {
		errs = append(errs, fmt.Errorf("USDC_MAINNET_MINT_ADDRESS and USDC_DEVNET_MINT_ADDRESS must be different"))
	}

	// Payment requirement
	cfg.PaymentReceiver = os.Getenv("PAYMENT_RECEIVER")
	if cfg.PaymentReceiver == "" {
		errs = append(errs, fmt.Errorf("PAYMENT_RECEIVER is required"))
	}

	amount, err := parseDecimal("PAYMENT_AMOUNT", "0.05")
	if err != nil {
		errs = append(errs, err)
	} else if amount.Sign() <= 0 {
		errs = append(errs, fmt.Errorf("PAYMENT_AMOUNT must be positive, got %s", amount))
	} else {
		cfg.PaymentAmount = amount
	}

	cfg.PaymentToken = getEnvOrDefault("PAYMENT_TOKEN", "USDC")

	cfg.PaymentNetwork = getEnvOrDefault("PAYMENT_NETWORK", NetworkDevnet)
	if cfg.PaymentNetwork != NetworkMainnet && cfg.PaymentNetwork != NetworkDevnet {
		errs = append(errs, fmt.Errorf("PAYMENT_NETWORK must be %q or %q, got %q", NetworkMainnet, NetworkDevnet, cfg.PaymentNetwork))
	}

	// Verification policy
	maxAge, err := parseDuration("PAYMENT_MAX_AGE", "300s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.PaymentMaxAge = maxAge
	}

	clockSkew, err := parseDuration("PAYMENT_CLOCK_SKEW", "60s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.PaymentClockSkew = clockSkew
	}

	tolerance, err := parseDecimal("PAYMENT_AMOUNT_TOLERANCE", "0.001")
	if err != nil {
		errs = append(errs, err)
	} else if tolerance.Sign() < 0 {
		errs = append(errs, fmt.Errorf("PAYMENT_AMOUNT_TOLERANCE cannot be negative, got %s", tolerance))
	} else {
		cfg.PaymentAmountTolerance = tolerance
	}

	rpcTimeout, err := parseDuration("SOLANA_RPC_TIMEOUT", "15s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.SolanaRPCTimeout = rpcTimeout
	}

	// Replay guard bounds
	highWater, err := parseInt("REPLAY_HIGH_WATER", 10000)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ReplayHighWater = highWater
	}

	lowWater, err := parseInt("REPLAY_LOW_WATER", 5000)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ReplayLowWater = lowWater
	}

	if cfg.ReplayLowWater <= 0 || cfg.ReplayHighWater <= 0 {
		errs = append(errs, fmt.Errorf("REPLAY_HIGH_WATER and REPLAY_LOW_WATER must be positive"))
	} else if cfg.ReplayLowWater >= cfg.ReplayHighWater {
		errs = append(errs, fmt.Errorf("REPLAY_LOW_WATER (%d) must be less than REPLAY_HIGH_WATER (%d)",
			cfg.ReplayLowWater, cfg.ReplayHighWater))
	}

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.SolanaMainnetRPCURL == "" {
		errs = append(errs, fmt.Errorf("SolanaMainnetRPCURL is required"))
	}

	if c.SolanaDevnetRPCURL == "" {
		errs = append(errs, fmt.Errorf("SolanaDevnetRPCURL is required"))
	}

	if c.USDCMainnetMintAddress == "" {
		errs = append(errs, fmt.Errorf("USDCMainnetMintAddress is required"))
	}

	if c.USDCDevnetMintAddress == "" {
		errs = append(errs, fmt.Errorf("USDCDevnetMintAddress is required"))
	}

	if c.PaymentReceiver == "" {
		errs = append(errs, fmt.Errorf("PaymentReceiver is required"))
	}

	if c.PaymentAmount.Sign() <= 0 {
		errs = append(errs, fmt.Errorf("PaymentAmount must be positive"))
	}

	if c.PaymentNetwork != NetworkMainnet && c.PaymentNetwork != NetworkDevnet {
		errs = append(errs, fmt.Errorf("PaymentNetwork must be %q or %q", NetworkMainnet, NetworkDevnet))
	}

	if c.PaymentMaxAge <= 0 {
		errs = append(errs, fmt.Errorf("PaymentMaxAge must be positive"))
	}

	if c.PaymentClockSkew < 0 {
		errs = append(errs, fmt.Errorf("PaymentClockSkew cannot be negative"))
	}

	if c.PaymentAmountTolerance.Sign() < 0 {
		errs = append(errs, fmt.Errorf("PaymentAmountTolerance cannot be negative"))
	}

	if c.ReplayLowWater <= 0 || c.ReplayHighWater <= 0 {
		errs = append(errs, fmt.Errorf("ReplayHighWater and ReplayLowWater must be positive"))
	} else if c.ReplayLowWater >= c.ReplayHighWater {
		errs = append(errs, fmt.Errorf("ReplayLowWater must be less than ReplayHighWater"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// MintForNetwork returns the configured USDC mint address for a network.
func (c *Config) MintForNetwork(network string) (string, error) {
	switch network {
	case NetworkMainnet:
		return c.USDCMainnetMintAddress, nil
	case NetworkDevnet:
		return c.USDCDevnetMintAddress, nil
	default:
		return "", fmt.Errorf("unknown network %q", network)
	}
}

// RPCURLForNetwork returns the configured RPC endpoint for a network.
func (c *Config) RPCURLForNetwork(network string) (string, error) {
	switch network {
	case NetworkMainnet:
		return c.SolanaMainnetRPCURL, nil
	case NetworkDevnet:
		return c.SolanaDevnetRPCURL, nil
	default:
		return "", fmt.Errorf("unknown network %q", network)
	}
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

// parseDecimal parses a decimal quantity from an environment variable or
// uses a default.
func parseDecimal(key, defaultValue string) (decimal.Decimal, error) {
	value := getEnvOrDefault(key, defaultValue)
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s: invalid decimal %q: %w", key, value, err)
	}
	return d, nil
}
