package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ksred/syndicate-api/internal/types"
)

// Ledger backends selectable at startup
const (
	LedgerMock = "mock"
	LedgerSQL  = "sql"
)

type Config struct {
	Port         string
	Env          string
	Debug        bool
	DatabasePath string
	JWTSecret    string

	LedgerBackend   string
	SimulatedIssuer string

	TrustedIssuers      []string
	RequiredClaimTopics []types.ClaimTopic
	BlockedCountries    []string

	TradeTTL       time.Duration
	ExpiryInterval time.Duration

	// Requests per minute per client and endpoint group
	RateLimitAuth     float64
	RateLimitWorkflow float64
	RateLimitQuery    float64
	RateLimitBurst    int

	SeedDemo bool
}

// Load reads the configuration from the environment
func Load() (*Config, error) {
	issuer := getEnv("SIMULATED_ISSUER", "did:syndicate:issuer:simulator")

	topics, err := parseTopics(getEnv("REQUIRED_CLAIM_TOPICS", "1,7"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		Env:                 getEnv("ENV", "development"),
		Debug:               getEnvBool("DEBUG", false),
		DatabasePath:        getEnv("DATABASE_PATH", "syndicate.db"),
		JWTSecret:           getEnv("JWT_SECRET", "syndicate-secret-key"),
		LedgerBackend:       strings.ToLower(getEnv("LEDGER_BACKEND", LedgerMock)),
		SimulatedIssuer:     issuer,
		TrustedIssuers:      splitList(getEnv("TRUSTED_ISSUERS", issuer)),
		RequiredClaimTopics: topics,
		BlockedCountries:    splitList(getEnv("BLOCKED_COUNTRIES", "KP,IR,SY,CU")),
		TradeTTL:            getEnvDuration("TRADE_TTL", 72*time.Hour),
		ExpiryInterval:      getEnvDuration("EXPIRY_INTERVAL", 5*time.Minute),
		RateLimitAuth:       getEnvFloat("RATE_LIMIT_AUTH", 10),
		RateLimitWorkflow:   getEnvFloat("RATE_LIMIT_WORKFLOW", 100),
		RateLimitQuery:      getEnvFloat("RATE_LIMIT_QUERY", 1000),
		RateLimitBurst:      getEnvInt("RATE_LIMIT_BURST", 10),
		SeedDemo:            getEnvBool("SEED_DEMO", true),
	}

	if cfg.LedgerBackend != LedgerMock && cfg.LedgerBackend != LedgerSQL {
		return nil, fmt.Errorf("unknown LEDGER_BACKEND %q, expected %s or %s", cfg.LedgerBackend, LedgerMock, LedgerSQL)
	}
	if cfg.TradeTTL <= 0 || cfg.ExpiryInterval <= 0 {
		return nil, fmt.Errorf("TRADE_TTL and EXPIRY_INTERVAL must be positive")
	}

	return cfg, nil
}

// Production reports whether the service runs in production mode
func (c *Config) Production() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		f, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return f
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseTopics(raw string) ([]types.ClaimTopic, error) {
	var topics []types.ClaimTopic
	for _, part := range splitList(raw) {
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid claim topic %q: %w", part, err)
		}
		topics = append(topics, types.ClaimTopic(n))
	}
	return topics, nil
}
