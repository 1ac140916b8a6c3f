package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 8090, cfg.WSPort)
	assert.Equal(t, 30, cfg.HistoryPageSize)
	assert.Equal(t, 10*time.Second, cfg.HistoryLoadTimeout)
	assert.Equal(t, 2*time.Second, cfg.HistoryRetryBase)
	assert.Equal(t, 10*time.Second, cfg.HistoryRetryMax)
	assert.Equal(t, 3, cfg.HistoryMaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.DuplicateLoginGrace)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatTimeout)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("WS_PORT", "9000")
	t.Setenv("DUPLICATE_LOGIN_GRACE_MS", "250")
	t.Setenv("MESSAGE_RATE_PER_SEC", "0.5")
	t.Setenv("HISTORY_PAGE_SIZE", "not-a-number")

	cfg := Load()

	assert.Equal(t, 9000, cfg.WSPort)
	assert.Equal(t, 250*time.Millisecond, cfg.DuplicateLoginGrace)
	assert.Equal(t, 0.5, cfg.MessageRatePerSec)
	assert.Equal(t, 30, cfg.HistoryPageSize)
}
