package providers

import (
	"context"

	"github.com/sashabaranov/go-openai"
)

// ChatRequest is a chat completion request addressed to one upstream model
type ChatRequest struct {
	Model       string                         `json:"model"`
	Messages    []openai.ChatCompletionMessage `json:"messages"`
	Temperature *float32                       `json:"temperature,omitempty"`
	MaxTokens   *int                           `json:"max_tokens,omitempty"`
	TopP        *float32                       `json:"top_p,omitempty"`
	User        string                         `json:"user,omitempty"`
}

// StreamReader yields chunks until io.EOF
type StreamReader interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
	Close() error
}

// Provider is the interface all LLM providers must implement
type Provider interface {
	ChatCompletion(ctx context.Context, req ChatRequest) (*openai.ChatCompletionResponse, error)
	Name() string
}

// Streamer is implemented by providers that can stream completions
type Streamer interface {
	ChatCompletionStream(ctx context.Context, req ChatRequest) (StreamReader, error)
}
