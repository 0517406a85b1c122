// Package tokens estimates token counts for admission and for streams that
// end without a usage report.
package tokens

import (
	"fmt"

	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
	"github.com/tiktoken-go/tokenizer"
)

// Chat framing overhead, as documented for gpt-3.5/gpt-4 chat models
const (
	tokensPerMessage = 3
	tokensPerRole    = 1
	assistantPriming = 3
)

// Counter counts tokens with the cl100k_base encoding. Upstreams with other
// tokenizers are approximated.
type Counter struct {
	codec tokenizer.Codec
}

// NewCounter loads the cl100k_base codec
func NewCounter() (*Counter, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer encoding: %w", err)
	}
	return &Counter{codec: codec}, nil
}

// CountText counts tokens in plain text. If encoding fails it falls back
// to four bytes per token.
func (c *Counter) CountText(text string) int {
	if text == "" {
		return 0
	}
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return (len(text) + 3) / 4
	}
	return len(ids)
}

// CountMessages counts prompt tokens of a chat request including framing
func (c *Counter) CountMessages(messages []models.Message) int {
	total := assistantPriming
	for _, msg := range messages {
		total += tokensPerMessage + tokensPerRole
		total += c.CountText(msg.Content)
	}
	return total
}
