package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// MockClient streams canned replies without a backend.
type MockClient struct {
	// ChunkDelay is the pause between chunks.
	ChunkDelay time.Duration
}

// NewMockClient creates a new mock LLM client.
func NewMockClient() *MockClient {
	return &MockClient{ChunkDelay: 20 * time.Millisecond}
}

var _ Streamer = (*MockClient)(nil)

// CreateChatCompletionStream simulates a streaming response.
func (m *MockClient) CreateChatCompletionStream(ctx context.Context, req *ChatCompletionRequest, callback StreamCallback) (*Usage, error) {
	responseContent := m.generateMockResponse(req)
	id := fmt.Sprintf("mock-chatcmpl-%d", time.Now().UnixNano())
	created := time.Now().Unix()

	for i, chunk := range splitIntoChunks(responseContent, 10) {
		if i > 0 && m.ChunkDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(m.ChunkDelay):
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		streamChunk := &StreamChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   req.Model,
			Choices: []Choice{{Delta: &ChatMessage{Role: "assistant", Content: chunk}}},
		}
		if err := callback(streamChunk); err != nil {
			return nil, err
		}
	}

	return &Usage{
		PromptTokens:     estimateTokens(req),
		CompletionTokens: len(responseContent) / 4,
		TotalTokens:      estimateTokens(req) + len(responseContent)/4,
	}, nil
}

func (m *MockClient) generateMockResponse(req *ChatCompletionRequest) string {
	var lastUserMessage string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			lastUserMessage = strings.TrimSpace(req.Messages[i].Content)
			break
		}
	}
	if lastUserMessage == "" {
		return "[MOCK] This is a mock response from the assistant."
	}
	return fmt.Sprintf("[MOCK] Received your message: %q. This is a mock response.", truncate(lastUserMessage, 100))
}

func estimateTokens(req *ChatCompletionRequest) int {
	total := 0
	for _, msg := range req.Messages {
		total += len(msg.Content) / 4
	}
	return total
}

// splitIntoChunks splits s into chunks of at most size runes.
func splitIntoChunks(s string, size int) []string {
	runes := []rune(s)
	var chunks []string
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
	}
	return chunks
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
