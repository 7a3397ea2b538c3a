// Package config handles engine configuration from environment variables.
//
// Every fraud threshold, lockout tier, and hash cost parameter is
// configuration, not a constant: deployments tune them per region and
// per device class. Two named presets exist: Default (full feature set)
// and Minimal (for the most constrained handsets — narrower profile
// window, cheaper hash cost, fewer anomaly signals).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all engine configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Tracing
	OTLPEndpoint string // OTLP gRPC endpoint (optional, tracing disabled if not set)

	// Remote ledger
	LedgerURL     string        // Upstream ledger endpoint (informational; used as breaker key)
	LedgerTimeout time.Duration // Hard bound on a single commit attempt

	// Risk score bands (0-100). Bands are inclusive on their lower bound:
	// score < FlagThreshold            => Allow
	// FlagThreshold <= score < DenyThreshold => Flag
	// score >= DenyThreshold           => Deny
	FlagThreshold float64
	DenyThreshold float64

	// Risk signal weights (each signal reports 0-100 before weighting)
	WeightAmount         float64
	WeightVelocity       float64
	WeightNewDevice      float64
	WeightNewRecipient   float64
	WeightOffHours       float64
	WeightLimitProximity float64

	// Transaction limits (hard gates, checked before scoring)
	SingleTxnLimit decimal.Decimal
	DailyLimit     decimal.Decimal

	// Authentication lockout
	MaxPinFailures    int           // Bad-PIN failures within FailureWindow before lockout
	MaxDeviceFailures int           // Unknown-device failures within FailureWindow before lockout
	FailureWindow     time.Duration // Sliding window for failure counting
	LockoutBase       time.Duration // First-tier lockout duration
	LockoutGrowth     int           // Geometric growth factor per escalation tier
	EscalationWindow  time.Duration // Repeated lockouts inside this window escalate the tier
	MaxLockoutTiers   int           // Tiers past this become a permanent lock

	// Behavioral profile
	ProfileWindow      int  // Ring buffer capacity (recent accepted transactions)
	MinHistory         int  // Below this count the account is cold-start
	OffHoursMargin     int  // Hours outside learned active hours before flagging
	BehavioralAnalysis bool // False = static limit checks only (resource-minimal)

	// Velocity
	VelocityWindow time.Duration
	VelocityMax    int

	// Credentials
	PinComplexity bool   // Require 6 digits and reject sequential PINs
	DeviceCap     int    // Max registered device fingerprints per account
	ArgonTime     uint32 // Argon2id passes
	ArgonMemoryKB uint32 // Argon2id memory in KiB
	ArgonThreads  uint8  // Argon2id parallelism

	// Offline queue
	OfflineRetention time.Duration // Queued entries older than this fail at reconcile
	SyncInterval     time.Duration // Background reconciliation cadence

	// API
	RateLimitRPM int
}

// Defaults shared by both presets
const (
	DefaultPort     = "8080"
	DefaultEnv      = "development"
	DefaultLogLevel = "info"
)

// Default returns the full-feature preset.
func Default() *Config {
	return &Config{
		Port:     DefaultPort,
		Env:      DefaultEnv,
		LogLevel: DefaultLogLevel,

		LedgerTimeout: 10 * time.Second,

		FlagThreshold: 40,
		DenyThreshold: 75,

		WeightAmount:         0.30,
		WeightVelocity:       0.25,
		WeightNewDevice:      0.15,
		WeightNewRecipient:   0.10,
		WeightOffHours:       0.20,
		WeightLimitProximity: 0.10,

		SingleTxnLimit: decimal.NewFromInt(5000),
		DailyLimit:     decimal.NewFromInt(10000),

		MaxPinFailures:    4,
		MaxDeviceFailures: 3,
		FailureWindow:     15 * time.Minute,
		LockoutBase:       5 * time.Minute,
		LockoutGrowth:     2,
		EscalationWindow:  24 * time.Hour,
		MaxLockoutTiers:   4,

		ProfileWindow:      50,
		MinHistory:         5,
		OffHoursMargin:     2,
		BehavioralAnalysis: true,

		VelocityWindow: time.Hour,
		VelocityMax:    5,

		PinComplexity: false, // 4-digit PINs are the norm on feature phones
		DeviceCap:     3,
		ArgonTime:     2,
		ArgonMemoryKB: 19 * 1024,
		ArgonThreads:  1,

		OfflineRetention: 24 * time.Hour,
		SyncInterval:     30 * time.Minute,

		RateLimitRPM: 60,
	}
}

// Minimal returns the resource-minimal preset for the most constrained
// devices: narrower profile window, cheaper hash cost, behavioral
// analysis disabled (static limit checks only).
func Minimal() *Config {
	cfg := Default()
	cfg.FlagThreshold = 50
	cfg.DenyThreshold = 85
	cfg.SingleTxnLimit = decimal.NewFromInt(2000)
	cfg.DailyLimit = decimal.NewFromInt(5000)
	cfg.LockoutBase = 10 * time.Minute
	cfg.ProfileWindow = 20
	cfg.BehavioralAnalysis = false
	cfg.ArgonTime = 1
	cfg.ArgonMemoryKB = 8 * 1024
	cfg.OfflineRetention = 12 * time.Hour
	cfg.SyncInterval = 60 * time.Minute
	return cfg
}

// Load reads configuration from environment variables on top of a preset.
// PRESET=minimal selects the resource-minimal preset; anything else gets
// the default preset. It loads .env if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg *Config
	if getEnv("PRESET", "full") == "minimal" {
		cfg = Minimal()
	} else {
		cfg = Default()
	}

	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.Env = getEnv("ENV", cfg.Env)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.DatabaseURL = os.Getenv("DATABASE_URL") // Optional, uses in-memory if not set
	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	cfg.LedgerURL = os.Getenv("LEDGER_URL")

	cfg.FlagThreshold = getEnvFloat("FLAG_THRESHOLD", cfg.FlagThreshold)
	cfg.DenyThreshold = getEnvFloat("DENY_THRESHOLD", cfg.DenyThreshold)
	cfg.SingleTxnLimit = getEnvDecimal("SINGLE_TXN_LIMIT", cfg.SingleTxnLimit)
	cfg.DailyLimit = getEnvDecimal("DAILY_LIMIT", cfg.DailyLimit)

	cfg.MaxPinFailures = getEnvInt("MAX_PIN_FAILURES", cfg.MaxPinFailures)
	cfg.MaxDeviceFailures = getEnvInt("MAX_DEVICE_FAILURES", cfg.MaxDeviceFailures)
	cfg.LockoutBase = getEnvDuration("LOCKOUT_BASE", cfg.LockoutBase)
	cfg.OfflineRetention = getEnvDuration("OFFLINE_RETENTION", cfg.OfflineRetention)
	cfg.SyncInterval = getEnvDuration("SYNC_INTERVAL", cfg.SyncInterval)
	cfg.MinHistory = getEnvInt("MIN_HISTORY", cfg.MinHistory)
	cfg.ProfileWindow = getEnvInt("PROFILE_WINDOW", cfg.ProfileWindow)

	cfg.ArgonTime = uint32(getEnvInt("ARGON_TIME", int(cfg.ArgonTime)))
	cfg.ArgonMemoryKB = uint32(getEnvInt("ARGON_MEMORY_KB", int(cfg.ArgonMemoryKB)))

	cfg.RateLimitRPM = getEnvInt("RATE_LIMIT_RPM", cfg.RateLimitRPM)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks internal consistency of the configuration.
func (c *Config) Validate() error {
	if c.FlagThreshold < 0 || c.FlagThreshold > 100 {
		return fmt.Errorf("FLAG_THRESHOLD must be in [0,100], got %v", c.FlagThreshold)
	}
	if c.DenyThreshold < 0 || c.DenyThreshold > 100 {
		return fmt.Errorf("DENY_THRESHOLD must be in [0,100], got %v", c.DenyThreshold)
	}
	if c.FlagThreshold >= c.DenyThreshold {
		return fmt.Errorf("FLAG_THRESHOLD (%v) must be below DENY_THRESHOLD (%v)", c.FlagThreshold, c.DenyThreshold)
	}
	if c.SingleTxnLimit.GreaterThan(c.DailyLimit) {
		return fmt.Errorf("SINGLE_TXN_LIMIT must not exceed DAILY_LIMIT")
	}
	if c.MaxPinFailures <= 0 || c.MaxDeviceFailures <= 0 {
		return fmt.Errorf("lockout thresholds must be positive")
	}
	if c.LockoutGrowth < 1 {
		return fmt.Errorf("LOCKOUT_GROWTH must be at least 1")
	}
	if c.ProfileWindow <= 0 {
		return fmt.Errorf("PROFILE_WINDOW must be positive")
	}
	if c.MinHistory < 0 || c.MinHistory > c.ProfileWindow {
		return fmt.Errorf("MIN_HISTORY must be in [0, PROFILE_WINDOW]")
	}
	if c.ArgonTime == 0 || c.ArgonMemoryKB == 0 || c.ArgonThreads == 0 {
		return fmt.Errorf("argon2 cost parameters must be positive")
	}
	if c.DeviceCap <= 0 {
		return fmt.Errorf("DEVICE_CAP must be positive")
	}
	return nil
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

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
