// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Seal hash policies.
const (
	// SealPolicyTrustCaller seals whatever hash the caller supplies, even when it
	// differs from the stored narrative hash. A mismatch is logged.
	SealPolicyTrustCaller = "trust-caller"
	// SealPolicyStrict rejects a seal whose hash differs from the stored narrative hash.
	SealPolicyStrict = "strict"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Database settings. A postgres:// URL selects Postgres; anything else is
	// treated as a SQLite path (or a file: URI).
	DatabaseURL string

	// Ledger settings.
	LedgerFullnodeURL  string
	LedgerModuleAddr   string // Address that hosts the outcome module.
	LedgerModuleName   string
	AdminPrivateKey    string // Ed25519 private key, hex. Required for ledger writes.
	AdminAddress       string // Caller address allowed to run admin operations. Defaults to the module address.
	LedgerTxTimeout    time.Duration
	LedgerPollInterval time.Duration
	LedgerMaxGas       uint64
	LedgerTxTTL        time.Duration
	LedgerChainID      int // Zero reads the chain id from the fullnode.

	// Generative backend settings.
	AIBaseURL  string
	AIAPIKey   string
	AIModel    string
	AIReferer  string
	AITitle    string
	AITimeout  time.Duration
	AIAttempts int

	// Per-caller throttle on the generative endpoints. Zero disables it.
	AIRateLimitPerMinute int
	AIRateLimitBurst     int

	// Workflow settings.
	SealHashPolicy string

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64
}

// Load reads configuration from environment variables with sensible defaults.
// Malformed numeric, boolean or duration values are reported together rather
// than silently replaced by defaults.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	intVar := func(key string, def int) int {
		v, err := envInt(key, def)
		collect(err)
		return v
	}
	durVar := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		collect(err)
		return v
	}
	boolVar := func(key string, def bool) bool {
		v, err := envBool(key, def)
		collect(err)
		return v
	}

	cfg := Config{
		Port:                 intVar("OUTCOME_PORT", 8080),
		ReadTimeout:          durVar("OUTCOME_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:         durVar("OUTCOME_WRITE_TIMEOUT", 10*time.Minute), // publish waits on several ledger confirmations
		DatabaseURL:          envStr("DATABASE_URL", "outcome.db"),
		LedgerFullnodeURL:    envStr("OUTCOME_LEDGER_FULLNODE_URL", "https://mainnet.movementnetwork.xyz/v1"),
		LedgerModuleAddr:     envStr("OUTCOME_MODULE_ADDRESS", "0xdd525d357675655d18cecf68c3a7f29de3cda46ba4e4d0065ac9debdb8982575"),
		LedgerModuleName:     envStr("OUTCOME_MODULE_NAME", "outcome_fi"),
		AdminPrivateKey:      envStr("OUTCOME_ADMIN_PRIVATE_KEY", ""),
		AdminAddress:         envStr("OUTCOME_ADMIN_ADDRESS", ""),
		LedgerTxTimeout:      durVar("OUTCOME_LEDGER_TX_TIMEOUT", 180*time.Second),
		LedgerPollInterval:   durVar("OUTCOME_LEDGER_POLL_INTERVAL", time.Second),
		LedgerMaxGas:         uint64(intVar("OUTCOME_LEDGER_MAX_GAS", 200_000)), //nolint:gosec // validated positive
		LedgerTxTTL:          durVar("OUTCOME_LEDGER_TX_TTL", 10*time.Minute),
		LedgerChainID:        intVar("OUTCOME_LEDGER_CHAIN_ID", 0),
		AIBaseURL:            envStr("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
		AIAPIKey:             envStr("OPENROUTER_API_KEY", ""),
		AIModel:              envStr("OUTCOME_AI_MODEL", "moonshotai/kimi-k2.5"),
		AIReferer:            envStr("OPENROUTER_SITE_URL", ""),
		AITitle:              envStr("OPENROUTER_APP_NAME", "outcome"),
		AITimeout:            durVar("OUTCOME_AI_TIMEOUT", 90*time.Second),
		AIAttempts:           intVar("OUTCOME_AI_ATTEMPTS", 3),
		AIRateLimitPerMinute: intVar("OUTCOME_AI_RATE_LIMIT_PER_MINUTE", 30),
		AIRateLimitBurst:     intVar("OUTCOME_AI_RATE_LIMIT_BURST", 5),
		SealHashPolicy:       envStr("OUTCOME_SEAL_HASH_POLICY", SealPolicyTrustCaller),
		OTELEndpoint:         envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:         boolVar("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:          envStr("OTEL_SERVICE_NAME", "outcome"),
		LogLevel:             envStr("OUTCOME_LOG_LEVEL", "info"),
		MaxRequestBodyBytes:  int64(intVar("OUTCOME_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
	}
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if cfg.AdminAddress == "" {
		cfg.AdminAddress = cfg.LedgerModuleAddr
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if c.LedgerFullnodeURL == "" {
		return fmt.Errorf("config: OUTCOME_LEDGER_FULLNODE_URL is required")
	}
	if !strings.HasPrefix(c.LedgerModuleAddr, "0x") {
		return fmt.Errorf("config: OUTCOME_MODULE_ADDRESS must be a 0x-prefixed address")
	}
	if c.LedgerModuleName == "" {
		return fmt.Errorf("config: OUTCOME_MODULE_NAME is required")
	}
	if c.LedgerTxTimeout <= 0 {
		return fmt.Errorf("config: OUTCOME_LEDGER_TX_TIMEOUT must be positive")
	}
	if c.LedgerPollInterval <= 0 {
		return fmt.Errorf("config: OUTCOME_LEDGER_POLL_INTERVAL must be positive")
	}
	if c.LedgerMaxGas == 0 {
		return fmt.Errorf("config: OUTCOME_LEDGER_MAX_GAS must be positive")
	}
	if c.LedgerChainID < 0 || c.LedgerChainID > 255 {
		return fmt.Errorf("config: OUTCOME_LEDGER_CHAIN_ID must be between 0 and 255")
	}
	if c.AIAttempts < 1 {
		return fmt.Errorf("config: OUTCOME_AI_ATTEMPTS must be at least 1")
	}
	if c.AIRateLimitPerMinute < 0 {
		return fmt.Errorf("config: OUTCOME_AI_RATE_LIMIT_PER_MINUTE must not be negative")
	}
	if c.AIRateLimitPerMinute > 0 && c.AIRateLimitBurst < 1 {
		return fmt.Errorf("config: OUTCOME_AI_RATE_LIMIT_BURST must be at least 1")
	}
	switch c.SealHashPolicy {
	case SealPolicyTrustCaller, SealPolicyStrict:
	default:
		return fmt.Errorf("config: OUTCOME_SEAL_HASH_POLICY must be %q or %q", SealPolicyTrustCaller, SealPolicyStrict)
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: OUTCOME_MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}

// UsesPostgres reports whether DatabaseURL points at Postgres.
func (c Config) UsesPostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://")
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
