package providers

import (
	"context"
	"fmt"
	"math"
	"net/http"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint
type OpenAIProvider struct {
	client *openai.Client
}

// NewOpenAIProvider creates a provider for baseURL (e.g. https://api.openai.com/v1)
func NewOpenAIProvider(apiKey, baseURL string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	return &OpenAIProvider{client: openai.NewClientWithConfig(cfg)}
}

func (p *OpenAIProvider) buildRequest(req ChatRequest) openai.ChatCompletionRequest {
	openaiReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: req.Messages,
		User:     req.User,
	}
	if req.Temperature != nil {
		openaiReq.Temperature = *req.Temperature
		if openaiReq.Temperature == 0 {
			// the client omits a zero temperature
			openaiReq.Temperature = math.SmallestNonzeroFloat32
		}
	}
	if req.MaxTokens != nil {
		openaiReq.MaxTokens = *req.MaxTokens
	}
	if req.TopP != nil {
		openaiReq.TopP = *req.TopP
	}
	return openaiReq
}

// ChatCompletion makes a chat completion request
func (p *OpenAIProvider) ChatCompletion(ctx context.Context, req ChatRequest) (*openai.ChatCompletionResponse, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("OpenAI API error: %w", err)
	}
	return &resp, nil
}

// ChatCompletionStream creates a streaming chat completion request. The
// final chunk carries token usage.
func (p *OpenAIProvider) ChatCompletionStream(ctx context.Context, req ChatRequest) (StreamReader, error) {
	openaiReq := p.buildRequest(req)
	openaiReq.Stream = true
	openaiReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := p.client.CreateChatCompletionStream(ctx, openaiReq)
	if err != nil {
		return nil, fmt.Errorf("OpenAI streaming API error: %w", err)
	}
	return &OpenAIStreamReader{stream: stream}, nil
}

// OpenAIStreamReader wraps OpenAI's stream
type OpenAIStreamReader struct {
	stream *openai.ChatCompletionStream
}

// Recv reads the next chunk
func (r *OpenAIStreamReader) Recv() (openai.ChatCompletionStreamResponse, error) {
	return r.stream.Recv()
}

// Close closes the stream
func (r *OpenAIStreamReader) Close() error {
	r.stream.Close()
	return nil
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}
