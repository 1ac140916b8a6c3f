// Package llm streams chat completions from an OpenAI-compatible endpoint.
package llm

import "context"

// Streamer is the AI completion collaborator.
type Streamer interface {
	// CreateChatCompletionStream sends a streaming chat completion request.
	// The callback is called for each chunk received; a callback error
	// aborts the stream and is returned.
	CreateChatCompletionStream(ctx context.Context, req *ChatCompletionRequest, callback StreamCallback) (*Usage, error)
}

var _ Streamer = (*Client)(nil)
