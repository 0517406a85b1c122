package providers

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	anthropicVersion          = "2023-06-01"
	anthropicDefaultMaxTokens = 4096
)

// AnthropicProvider handles Anthropic Messages API requests
type AnthropicProvider struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
}

// anthropicRequest represents a request to Anthropic's Messages API
type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float32           `json:"temperature,omitempty"`
	TopP        *float32           `json:"top_p,omitempty"`
	System      string             `json:"system,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Type       string                  `json:"type"`
	Role       string                  `json:"role"`
	Content    []anthropicContentBlock `json:"content"`
	Model      string                  `json:"model"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewAnthropicProvider creates a provider for endpoint (e.g. https://api.anthropic.com/v1)
func NewAnthropicProvider(apiKey, endpoint string) *AnthropicProvider {
	if endpoint == "" {
		endpoint = "https://api.anthropic.com/v1"
	}
	return &AnthropicProvider{
		apiKey:     apiKey,
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

func (p *AnthropicProvider) do(ctx context.Context, areq anthropicRequest) (*http.Response, error) {
	body, err := json.Marshal(areq)
	if err != nil {
		return nil, fmt.Errorf("failed to encode Anthropic request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("Anthropic API error: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 64<<10))
		msg := string(respBody)
		var apiErr anthropicError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		return nil, &UpstreamError{Provider: "Anthropic", StatusCode: httpResp.StatusCode, Message: msg}
	}
	return httpResp, nil
}

// ChatCompletion makes a chat completion request to Anthropic
func (p *AnthropicProvider) ChatCompletion(ctx context.Context, req ChatRequest) (*openai.ChatCompletionResponse, error) {
	httpResp, err := p.do(ctx, convertRequest(req))
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var resp anthropicResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to parse Anthropic response: %w", err)
	}
	return convertResponse(resp), nil
}

// ChatCompletionStream makes a streaming request
func (p *AnthropicProvider) ChatCompletionStream(ctx context.Context, req ChatRequest) (StreamReader, error) {
	areq := convertRequest(req)
	areq.Stream = true

	httpResp, err := p.do(ctx, areq)
	if err != nil {
		return nil, err
	}
	return &AnthropicStreamReader{
		reader:  bufio.NewReader(httpResp.Body),
		resp:    httpResp,
		created: time.Now().Unix(),
	}, nil
}

// AnthropicStreamReader converts Anthropic stream events into OpenAI chunks
type AnthropicStreamReader struct {
	reader  *bufio.Reader
	resp    *http.Response
	id      string
	model   string
	created int64
	usage   openai.Usage
}

type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Message struct {
		ID    string         `json:"id"`
		Model string         `json:"model"`
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage *anthropicUsage `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (r *AnthropicStreamReader) chunk() openai.ChatCompletionStreamResponse {
	return openai.ChatCompletionStreamResponse{
		ID:      r.id,
		Object:  "chat.completion.chunk",
		Created: r.created,
		Model:   r.model,
		Choices: []openai.ChatCompletionStreamChoice{},
	}
}

// Recv reads the next streaming chunk. The chunk for message_delta carries
// token usage; message_stop ends the stream with io.EOF.
func (r *AnthropicStreamReader) Recv() (openai.ChatCompletionStreamResponse, error) {
	for {
		line, err := r.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return openai.ChatCompletionStreamResponse{}, io.ErrUnexpectedEOF
			}
			return openai.ChatCompletionStreamResponse{}, err
		}

		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &event); err != nil {
			continue
		}

		switch event.Type {
		case "message_start":
			r.id = event.Message.ID
			r.model = event.Message.Model
			r.usage.PromptTokens = event.Message.Usage.InputTokens
			chunk := r.chunk()
			chunk.Choices = []openai.ChatCompletionStreamChoice{{
				Delta: openai.ChatCompletionStreamChoiceDelta{Role: openai.ChatMessageRoleAssistant},
			}}
			return chunk, nil

		case "content_block_delta":
			if event.Delta.Text == "" {
				continue
			}
			chunk := r.chunk()
			chunk.Choices = []openai.ChatCompletionStreamChoice{{
				Delta: openai.ChatCompletionStreamChoiceDelta{Content: event.Delta.Text},
			}}
			return chunk, nil

		case "message_delta":
			if event.Usage != nil {
				r.usage.CompletionTokens = event.Usage.OutputTokens
			}
			r.usage.TotalTokens = r.usage.PromptTokens + r.usage.CompletionTokens
			chunk := r.chunk()
			chunk.Choices = []openai.ChatCompletionStreamChoice{{
				FinishReason: finishReason(event.Delta.StopReason),
			}}
			usage := r.usage
			chunk.Usage = &usage
			return chunk, nil

		case "message_stop":
			return openai.ChatCompletionStreamResponse{}, io.EOF

		case "error":
			return openai.ChatCompletionStreamResponse{}, &UpstreamError{
				Provider:   "Anthropic",
				StatusCode: http.StatusBadGateway,
				Message:    event.Error.Message,
			}
		}
	}
}

// Close closes the stream
func (r *AnthropicStreamReader) Close() error {
	if r.resp != nil && r.resp.Body != nil {
		return r.resp.Body.Close()
	}
	return nil
}

// convertRequest converts to Anthropic format; system messages are joined
// into the system prompt
func convertRequest(req ChatRequest) anthropicRequest {
	areq := anthropicRequest{
		Model:       req.Model,
		Messages:    []anthropicMessage{},
		MaxTokens:   anthropicDefaultMaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		areq.MaxTokens = *req.MaxTokens
	}

	var system []string
	for _, msg := range req.Messages {
		if msg.Role == openai.ChatMessageRoleSystem {
			system = append(system, msg.Content)
			continue
		}
		areq.Messages = append(areq.Messages, anthropicMessage{Role: msg.Role, Content: msg.Content})
	}
	areq.System = strings.Join(system, "\n\n")
	return areq
}

func finishReason(stopReason string) openai.FinishReason {
	switch stopReason {
	case "max_tokens":
		return openai.FinishReasonLength
	case "":
		return ""
	}
	return openai.FinishReasonStop
}

// convertResponse converts an Anthropic response to the OpenAI shape
func convertResponse(resp anthropicResponse) *openai.ChatCompletionResponse {
	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &openai.ChatCompletionResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []openai.ChatCompletionChoice{
			{
				Index: 0,
				Message: openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: content.String(),
				},
				FinishReason: finishReason(resp.StopReason),
			},
		},
		Usage: openai.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}

func (p *AnthropicProvider) Name() string {
	return "anthropic"
}
