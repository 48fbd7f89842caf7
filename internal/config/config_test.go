package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 10, cfg.AckBatchSize)
	assert.Equal(t, 60*time.Second, cfg.PollInterval)
	assert.NotEmpty(t, cfg.DatabaseURL)
	assert.NotEmpty(t, cfg.CentralBaseURL)
}

func TestLoadClampsLimits(t *testing.T) {
	t.Setenv("MAX_RETRIES", "100")
	t.Setenv("ACK_BATCH_SIZE", "0")

	cfg := Load()
	assert.Equal(t, MaxMaxRetries, cfg.MaxRetries)
	assert.Equal(t, MinAckBatchSize, cfg.AckBatchSize)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("CENTRAL_BASE_URL", "https://hq.example.com")
	t.Setenv("CENTRAL_API_KEY", "k-123")
	t.Setenv("POLL_INTERVAL_SEC", "15")

	cfg := Load()
	assert.Equal(t, "https://hq.example.com", cfg.CentralBaseURL)
	assert.Equal(t, "k-123", cfg.CentralAPIKey)
	assert.Equal(t, 15*time.Second, cfg.PollInterval)
}

func TestLoadIgnoresMalformedInt(t *testing.T) {
	t.Setenv("MAX_RETRIES", "not-a-number")
	cfg := Load()
	assert.Equal(t, 5, cfg.MaxRetries)
}
