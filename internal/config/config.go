// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Deposit rail (Stripe). Empty disables card deposits.
	StripeAPIKey string

	// Settlement rail (custodial ERC20 gateway). Both RPCURL and
	// OnchainPrivateKey must be set to enable on-chain settlement.
	RPCURL            string
	ChainID           int64
	OnchainPrivateKey string // Hex-encoded, with or without 0x prefix
	TokenContract     string
	TokenDecimals     int32

	// Security
	AdminSecret  string // X-Admin-Secret for operator routes; empty disables them
	RateLimitRPS int

	// Observability. Empty disables trace export.
	OTLPEndpoint string

	// Background intervals, in seconds
	DeadmanSweepSeconds   int
	MatviewRefreshSeconds int
	PartitionCheckSeconds int
}

// Base Sepolia defaults
const (
	DefaultRPCURL        = "https://sepolia.base.org"
	DefaultChainID       = 84532                                        // Base Sepolia
	DefaultTokenContract = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultTokenDecimals = 6
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultRateLimit     = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:           os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		StripeAPIKey:          os.Getenv("STRIPE_API_KEY"),
		RPCURL:                getEnv("RPC_URL", DefaultRPCURL),
		ChainID:               getEnvInt64("CHAIN_ID", DefaultChainID),
		OnchainPrivateKey:     os.Getenv("ONCHAIN_PRIVATE_KEY"),
		TokenContract:         getEnv("TOKEN_CONTRACT", DefaultTokenContract),
		TokenDecimals:         int32(getEnvInt64("TOKEN_DECIMALS", DefaultTokenDecimals)),
		AdminSecret:           os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:          int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		OTLPEndpoint:          os.Getenv("OTLP_ENDPOINT"),
		DeadmanSweepSeconds:   int(getEnvInt64("DEADMAN_SWEEP_SECONDS", 30)),
		MatviewRefreshSeconds: int(getEnvInt64("MATVIEW_REFRESH_SECONDS", 300)),
		PartitionCheckSeconds: int(getEnvInt64("PARTITION_CHECK_SECONDS", 3600)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
// The server runs fine with no rails configured; a half-configured
// rail is an error.
func (c *Config) Validate() error {
	if c.OnchainPrivateKey != "" {
		key := strings.TrimPrefix(c.OnchainPrivateKey, "0x")
		if len(key) != 64 {
			return fmt.Errorf("ONCHAIN_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required when ONCHAIN_PRIVATE_KEY is set")
		}
		if c.TokenContract == "" {
			return fmt.Errorf("TOKEN_CONTRACT is required when ONCHAIN_PRIVATE_KEY is set")
		}
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be positive")
	}
	return nil
}

// OnchainEnabled reports whether the settlement rail is configured.
func (c *Config) OnchainEnabled() bool {
	return c.OnchainPrivateKey != "" && c.RPCURL != ""
}

// StripeEnabled reports whether the deposit rail is configured.
func (c *Config) StripeEnabled() bool {
	return c.StripeAPIKey != ""
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}
