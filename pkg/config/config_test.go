package config_test

import (
	"testing"
	"time"

	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/config"
	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	// Ensure clean env
	for _, key := range []string{
		"PORT", "LOG_LEVEL", "DATABASE_URL", "REDIS_ADDR",
		"LLM_BASE_URL", "LLM_API_KEY", "FAST_MODEL", "DEEP_MODEL",
		"SIGNING_SEED", "KEY_GENERATIONS", "AUTH_SECRET",
		"RATE_LIMIT_RPS", "APPROVAL_TTL_SECONDS", "STAGE_TIMEOUT_SECONDS",
		"ARCHIVE_DIR",
	} {
		t.Setenv(key, "")
	}

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, ":8080", cfg.Addr())
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.DatabaseURL) // in-process store
	assert.Empty(t, cfg.RedisAddr)
	assert.Equal(t, "gemini-2.5-flash", cfg.FastModel)
	assert.Equal(t, "gemini-2.5-pro", cfg.DeepModel)
	assert.Equal(t, 1, cfg.KeyGenerations)
	assert.Equal(t, 0, cfg.RatePerSecond)
	assert.Equal(t, 300*time.Second, cfg.ApprovalTTL)
	assert.Equal(t, 120*time.Second, cfg.StageTimeout)
	assert.Equal(t, "archive", cfg.ArchiveDir)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DATABASE_URL", "postgres://soc@db:5432/soc?sslmode=disable")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("FAST_MODEL", "gpt-4o-mini")
	t.Setenv("DEEP_MODEL", "gpt-4o")
	t.Setenv("KEY_GENERATIONS", "3")
	t.Setenv("AUTH_SECRET", "s3cret")
	t.Setenv("RATE_LIMIT_RPS", "25")
	t.Setenv("RATE_LIMIT_BURST", "50")
	t.Setenv("APPROVAL_TTL_SECONDS", "60")
	t.Setenv("ARCHIVE_S3_BUCKET", "soc-archives")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "postgres://soc@db:5432/soc?sslmode=disable", cfg.DatabaseURL)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, "gpt-4o-mini", cfg.FastModel)
	assert.Equal(t, "gpt-4o", cfg.DeepModel)
	assert.Equal(t, 3, cfg.KeyGenerations)
	assert.Equal(t, "s3cret", cfg.AuthSecret)
	assert.Equal(t, 25, cfg.RatePerSecond)
	assert.Equal(t, 50, cfg.RateBurst)
	assert.Equal(t, 60*time.Second, cfg.ApprovalTTL)
	assert.Equal(t, "soc-archives", cfg.ArchiveS3Bucket)
}

func TestLoad_MalformedIntKeepsDefault(t *testing.T) {
	t.Setenv("RATE_LIMIT_RPS", "fast")
	t.Setenv("KEY_GENERATIONS", "1.5")

	cfg := config.Load()

	assert.Equal(t, 0, cfg.RatePerSecond)
	assert.Equal(t, 1, cfg.KeyGenerations)
}
