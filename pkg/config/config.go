// Package config loads runtime configuration from environment
// variables, with YAML files for the pricing table, policy rules, and
// per-stage model routing (see pricing.LoadTable, policy.LoadRules,
// LoadModels).
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// DatabaseURL selects the case/step backend. Empty means the
	// in-process store; see store.Open for the DSN forms.
	DatabaseURL string

	// RedisAddr enables the entity index when non-empty.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LLMBaseURL string
	LLMAPIKey  string
	FastModel  string
	DeepModel  string
	ModelsFile string

	// SigningSeed is the hex master seed for the signing keyring.
	// Empty means an ephemeral random seed; signatures then do not
	// survive a restart.
	SigningSeed    string
	KeyGenerations int

	// AuthSecret signs and validates API tokens. Empty disables
	// request authentication.
	AuthSecret string

	RatePerSecond int
	RateBurst     int

	// OTLPEndpoint enables trace/metric export when non-empty.
	OTLPEndpoint string
	OTelInsecure bool

	ApprovalTTL  time.Duration
	StageTimeout time.Duration

	PricingFile string
	PolicyFile  string

	ArchiveDir       string
	ArchiveS3Bucket  string
	ArchiveGCSBucket string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:     envOr("PORT", "8080"),
		LogLevel: envOr("LOG_LEVEL", "info"),

		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),

		LLMBaseURL: os.Getenv("LLM_BASE_URL"),
		LLMAPIKey:  os.Getenv("LLM_API_KEY"),
		FastModel:  envOr("FAST_MODEL", "gemini-2.5-flash"),
		DeepModel:  envOr("DEEP_MODEL", "gemini-2.5-pro"),
		ModelsFile: os.Getenv("MODELS_FILE"),

		SigningSeed:    os.Getenv("SIGNING_SEED"),
		KeyGenerations: envInt("KEY_GENERATIONS", 1),

		AuthSecret: os.Getenv("AUTH_SECRET"),

		RatePerSecond: envInt("RATE_LIMIT_RPS", 0),
		RateBurst:     envInt("RATE_LIMIT_BURST", 0),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTelInsecure: os.Getenv("OTEL_INSECURE") == "true",

		ApprovalTTL:  envSeconds("APPROVAL_TTL_SECONDS", 300),
		StageTimeout: envSeconds("STAGE_TIMEOUT_SECONDS", 120),

		PricingFile: os.Getenv("PRICING_FILE"),
		PolicyFile:  os.Getenv("POLICY_FILE"),

		ArchiveDir:       envOr("ARCHIVE_DIR", "archive"),
		ArchiveS3Bucket:  os.Getenv("ARCHIVE_S3_BUCKET"),
		ArchiveGCSBucket: os.Getenv("ARCHIVE_GCS_BUCKET"),
	}
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + c.Port
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envSeconds(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Second
}
