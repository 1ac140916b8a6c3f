// Package config provides configuration for the realtime chat service.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the realtime service configuration.
type Config struct {
	// Server settings
	WSPort   int // External WebSocket port
	HTTPPort int // Internal HTTP port for /health, /metrics, /internal/*
	RPCPort  int // Internal JSON-RPC port for event push

	// Storage
	DatabaseURL string

	// Auth settings
	JWTSecret string

	// AI completion backend
	LiteLLMURL    string
	LiteLLMAPIKey string
	LLMModel      string
	LLMTimeout    time.Duration
	PersonaFile   string

	// WebSocket settings
	HeartbeatTimeout time.Duration
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	MaxMessageSize   int64

	// Presence
	DuplicateLoginGrace time.Duration

	// History pagination
	HistoryPageSize    int
	HistoryLoadTimeout time.Duration
	HistoryRetryBase   time.Duration
	HistoryRetryMax    time.Duration
	HistoryMaxAttempts int
	HistoryGuardDelay  time.Duration

	// AI streaming
	StreamIdleTimeout time.Duration

	// Per-connection message rate limit
	MessageRatePerSec float64
	MessageRateBurst  int

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables. A .env file in the
// working directory is read first; real environment variables win.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		WSPort:              getEnvInt("WS_PORT", 8090),
		HTTPPort:            getEnvInt("HTTP_PORT", 8091),
		RPCPort:             getEnvInt("RPC_PORT", 8092),
		DatabaseURL:         getEnv("DATABASE_URL", "file:realtime.db?cache=shared&mode=rwc"),
		JWTSecret:           getEnv("JWT_SECRET", "dev-secret-change-me"),
		LiteLLMURL:          getEnv("LITELLM_URL", "http://litellm:4000"),
		LiteLLMAPIKey:       getEnv("LITELLM_API_KEY", ""),
		LLMModel:            getEnv("LLM_MODEL", "gpt-4o-mini"),
		LLMTimeout:          getEnvMillis("LLM_TIMEOUT_MS", 120000),
		PersonaFile:         getEnv("PERSONA_FILE", ""),
		HeartbeatTimeout:    getEnvMillis("WS_HEARTBEAT_TIMEOUT_MS", 30000),
		PingInterval:        getEnvMillis("WS_PING_INTERVAL_MS", 25000),
		WriteTimeout:        getEnvMillis("WS_WRITE_TIMEOUT_MS", 10000),
		MaxMessageSize:      int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 65536)),
		DuplicateLoginGrace: getEnvMillis("DUPLICATE_LOGIN_GRACE_MS", 10000),
		HistoryPageSize:     getEnvInt("HISTORY_PAGE_SIZE", 30),
		HistoryLoadTimeout:  getEnvMillis("HISTORY_LOAD_TIMEOUT_MS", 10000),
		HistoryRetryBase:    getEnvMillis("HISTORY_RETRY_BASE_MS", 2000),
		HistoryRetryMax:     getEnvMillis("HISTORY_RETRY_MAX_MS", 10000),
		HistoryMaxAttempts:  getEnvInt("HISTORY_MAX_ATTEMPTS", 3),
		HistoryGuardDelay:   getEnvMillis("HISTORY_GUARD_DELAY_MS", 300),
		StreamIdleTimeout:   getEnvMillis("STREAM_IDLE_TIMEOUT_MS", 300000),
		MessageRatePerSec:   getEnvFloat("MESSAGE_RATE_PER_SEC", 5),
		MessageRateBurst:    getEnvInt("MESSAGE_RATE_BURST", 10),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvMillis(key string, defaultMs int) time.Duration {
	return time.Duration(getEnvInt(key, defaultMs)) * time.Millisecond
}
