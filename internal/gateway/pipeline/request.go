package pipeline

import (
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/apierror"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
	"github.com/sashabaranov/go-openai"
)

// Message is one inbound chat message. Content is a pointer so that a JSON
// null or a missing content field can be told apart from "".
type Message struct {
	Role    string  `json:"role"`
	Content *string `json:"content"`
}

// StreamOptions mirrors the OpenAI stream_options object
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// ChatRequest is an OpenAI-compatible chat completion request
type ChatRequest struct {
	Model         string         `json:"model"`
	Messages      []Message      `json:"messages"`
	Temperature   *float32       `json:"temperature,omitempty"`
	MaxTokens     *int           `json:"max_tokens,omitempty"`
	TopP          *float32       `json:"top_p,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *StreamOptions `json:"stream_options,omitempty"`
	User          string         `json:"user,omitempty"`
}

var validRoles = map[string]bool{
	openai.ChatMessageRoleSystem:    true,
	openai.ChatMessageRoleUser:      true,
	openai.ChatMessageRoleAssistant: true,
}

// Validate checks the request shape before any key or upstream is touched
func (r *ChatRequest) Validate() error {
	if r.Model == "" {
		return apierror.InvalidRequest("model is required")
	}
	if len(r.Messages) == 0 {
		return apierror.InvalidRequest("messages must contain at least one message")
	}
	for i, m := range r.Messages {
		if !validRoles[m.Role] {
			return apierror.InvalidRequest("messages[%d]: invalid role %q (expected system, user or assistant)", i, m.Role)
		}
		if m.Content == nil {
			return apierror.InvalidRequest("messages[%d]: content must not be null", i)
		}
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return apierror.InvalidRequest("temperature must be between 0 and 2")
	}
	if r.MaxTokens != nil && *r.MaxTokens < 1 {
		return apierror.InvalidRequest("max_tokens must be at least 1")
	}
	if r.TopP != nil && (*r.TopP < 0 || *r.TopP > 1) {
		return apierror.InvalidRequest("top_p must be between 0 and 1")
	}
	return nil
}

// messages returns the validated messages as plain role/content pairs
func (r *ChatRequest) messages() []models.Message {
	out := make([]models.Message, len(r.Messages))
	for i, m := range r.Messages {
		out[i] = models.Message{Role: m.Role}
		if m.Content != nil {
			out[i].Content = *m.Content
		}
	}
	return out
}

func (r *ChatRequest) includeUsage() bool {
	return r.StreamOptions != nil && r.StreamOptions.IncludeUsage
}

// upstreamRequest builds the provider request for a binding
func upstreamRequest(r *ChatRequest, msgs []models.Message, b models.ModelBinding) providers.ChatRequest {
	out := providers.ChatRequest{
		Model:       b.UpstreamModel,
		Messages:    make([]openai.ChatCompletionMessage, len(msgs)),
		Temperature: r.Temperature,
		MaxTokens:   r.MaxTokens,
		TopP:        r.TopP,
		User:        r.User,
	}
	if out.Model == "" {
		out.Model = b.Alias
	}
	for i, m := range msgs {
		out.Messages[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	return out
}
