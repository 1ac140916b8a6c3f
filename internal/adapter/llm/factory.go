package llm

import (
	"os"
	"time"

	"go.uber.org/zap"
)

const (
	// EnvGogoMode is the environment variable name for mode selection.
	EnvGogoMode = "GOGO_MODE"
	// ModeMock indicates mock mode should be used.
	ModeMock = "MOCK"
)

// NewStreamer returns a MockClient when GOGO_MODE=MOCK, otherwise a real Client.
func NewStreamer(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) Streamer {
	if os.Getenv(EnvGogoMode) == ModeMock {
		logger.Info("GOGO_MODE=MOCK detected, using mock LLM client")
		return NewMockClient()
	}
	return NewClient(baseURL, apiKey, timeout)
}
