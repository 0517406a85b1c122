// Package cache stores upstream responses keyed by a request fingerprint.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

// Cache is a response cache. Lookup never returns an expired entry, and a
// Store with ttl <= 0 removes the fingerprint instead of writing it. Store
// stamps the entry's fingerprint, creation and expiry times.
type Cache interface {
	Lookup(ctx context.Context, fingerprint string) (*models.CacheEntry, bool, error)
	Store(ctx context.Context, fingerprint string, entry *models.CacheEntry, ttl time.Duration) error
	Purge(ctx context.Context, fingerprint string) error
	PurgeAll(ctx context.Context) (int, error)
}

// Params are the sampling parameters that change an upstream answer
type Params struct {
	Temperature *float32
	TopP        *float32
	MaxTokens   *int
}

// fingerprintInput fixes the field order of the hashed document
type fingerprintInput struct {
	Model       string           `json:"model"`
	Messages    []models.Message `json:"messages"`
	Temperature *float32         `json:"temperature,omitempty"`
	TopP        *float32         `json:"top_p,omitempty"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
}

// Fingerprint returns the SHA-256 hex digest of the canonical JSON of the
// cache-relevant request fields. Unset parameters are omitted so that
// "absent" and "zero" hash differently.
func Fingerprint(alias string, messages []models.Message, params Params) (string, error) {
	if messages == nil {
		messages = []models.Message{}
	}
	data, err := json.Marshal(fingerprintInput{
		Model:       alias,
		Messages:    messages,
		Temperature: params.Temperature,
		TopP:        params.TopP,
		MaxTokens:   params.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode fingerprint: %w", err)
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}
