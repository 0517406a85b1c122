package models

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// RequestStatus is the lifecycle state of a RequestRecord
type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusCompleted RequestStatus = "completed"
	StatusFailed    RequestStatus = "failed"
)

// Valid reports whether s is a known status
func (s RequestStatus) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Message is a single role/content pair of a chat request
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AttemptRecord captures one upstream dispatch attempt
type AttemptRecord struct {
	Binding   string `json:"binding"`
	Provider  string `json:"provider"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// RequestRecord is the accounting record of one chat-completion request
type RequestRecord struct {
	ID               string          `json:"id"`
	APIKeyID         string          `json:"api_key_id"`
	ModelAlias       string          `json:"model"`
	Messages         []Message       `json:"messages"`
	CreatedAt        time.Time       `json:"created_at"`
	Status           RequestStatus   `json:"status"`
	PromptTokens     int             `json:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens"`
	CostUSD          float64         `json:"cost_usd"`
	LatencyMs        int64           `json:"latency_ms"`
	Binding          string          `json:"binding,omitempty"`
	Provider         string          `json:"provider,omitempty"`
	CacheHit         bool            `json:"cache_hit"`
	Stream           bool            `json:"stream"`
	StatusCode       int             `json:"status_code"`
	ErrorKind        string          `json:"error_kind,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	Attempts         []AttemptRecord `json:"attempts,omitempty"`
}

// TotalTokens returns prompt plus completion tokens
func (r *RequestRecord) TotalTokens() int {
	return r.PromptTokens + r.CompletionTokens
}

// APIKey represents a gateway API key and its limits.
// A zero limit means unlimited.
type APIKey struct {
	ID             string  `json:"id"`
	KeyHash        string  `json:"-"`
	Name           string  `json:"name,omitempty"`
	BudgetLimitUSD float64 `json:"budget_limit_usd"`
	BudgetSpentUSD float64 `json:"budget_spent_usd"`
	RPMLimit       int     `json:"rpm_limit"`
	TPMLimit       int     `json:"tpm_limit"`
	Revoked        bool    `json:"revoked"`
}

// Pricing is a per-binding price table in USD per 1k tokens
type Pricing struct {
	InputPer1K  float64 `json:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k"`
}

// Cost prices a token usage
func (p Pricing) Cost(promptTokens, completionTokens int) float64 {
	return float64(promptTokens)/1000.0*p.InputPer1K + float64(completionTokens)/1000.0*p.OutputPer1K
}

// ModelBinding maps a model alias to one concrete upstream endpoint
type ModelBinding struct {
	ID            string        `json:"id"`
	Alias         string        `json:"alias"`
	Provider      string        `json:"provider"`
	Endpoint      string        `json:"endpoint"`
	APIKeyRef     string        `json:"api_key_ref,omitempty"`
	APIKey        string        `json:"-"`
	UpstreamModel string        `json:"upstream_model"`
	Priority      int           `json:"priority"`
	Pricing       Pricing       `json:"pricing"`
	Cacheable     bool          `json:"cacheable"`
	CacheTTL      time.Duration `json:"cache_ttl"`
	Timeout       time.Duration `json:"timeout"`
}

// CacheEntry is a stored upstream response keyed by request fingerprint
type CacheEntry struct {
	Fingerprint string                         `json:"fingerprint"`
	Response    *openai.ChatCompletionResponse `json:"response"`
	Binding     string                         `json:"binding"`
	TokensUsed  int                            `json:"tokens_used"`
	CreatedAt   time.Time                      `json:"created_at"`
	ExpiresAt   time.Time                      `json:"expires_at"`
}

// Expired reports whether the entry is past its expiry at now
func (e *CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// RecordFilter selects RequestRecords for telemetry queries
type RecordFilter struct {
	Since    time.Time
	Until    time.Time
	APIKeyID string
	Model    string
	Status   RequestStatus
	Limit    int
	Cursor   string
}

// UsageFilter selects records for aggregation
type UsageFilter struct {
	APIKeyID string
	Since    time.Time
	Until    time.Time
}

// ModelUsage aggregates usage for one model alias
type ModelUsage struct {
	Requests         int     `json:"requests"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// UsageSummary aggregates cost and token totals
type UsageSummary struct {
	Requests         int                   `json:"requests"`
	Completed        int                   `json:"completed"`
	Failed           int                   `json:"failed"`
	CacheHits        int                   `json:"cache_hits"`
	PromptTokens     int                   `json:"prompt_tokens"`
	CompletionTokens int                   `json:"completion_tokens"`
	TotalTokens      int                   `json:"total_tokens"`
	CostUSD          float64               `json:"cost_usd"`
	ByModel          map[string]ModelUsage `json:"by_model"`
}

// Add folds a record into the summary
func (s *UsageSummary) Add(r *RequestRecord) {
	if s.ByModel == nil {
		s.ByModel = make(map[string]ModelUsage)
	}
	s.Requests++
	switch r.Status {
	case StatusCompleted:
		s.Completed++
	case StatusFailed:
		s.Failed++
	}
	if r.CacheHit {
		s.CacheHits++
	}
	s.PromptTokens += r.PromptTokens
	s.CompletionTokens += r.CompletionTokens
	s.TotalTokens += r.TotalTokens()
	s.CostUSD += r.CostUSD

	m := s.ByModel[r.ModelAlias]
	m.Requests++
	m.PromptTokens += r.PromptTokens
	m.CompletionTokens += r.CompletionTokens
	m.CostUSD += r.CostUSD
	s.ByModel[r.ModelAlias] = m
}

// RecordPage is one page of a telemetry query, newest first
type RecordPage struct {
	Records    []RequestRecord `json:"data"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Cursor is a keyset position in the (CreatedAt desc, ID desc) order
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// EncodeCursor returns the opaque token for the position after r
func EncodeCursor(r *RequestRecord) string {
	raw := strconv.FormatInt(r.CreatedAt.UnixNano(), 10) + ":" + r.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a token produced by EncodeCursor
func DecodeCursor(token string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid cursor: %w", err)
	}
	nanos, id, ok := strings.Cut(string(raw), ":")
	if !ok || id == "" {
		return Cursor{}, errors.New("invalid cursor")
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid cursor: %w", err)
	}
	return Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}

// After reports whether r sorts after the cursor position
func (c Cursor) After(r *RequestRecord) bool {
	if !r.CreatedAt.Equal(c.CreatedAt) {
		return r.CreatedAt.Before(c.CreatedAt)
	}
	return r.ID < c.ID
}

// Matches reports whether r passes the filter's field constraints. The
// cursor and limit are not considered.
func (f RecordFilter) Matches(r *RequestRecord) bool {
	if !f.Since.IsZero() && r.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !r.CreatedAt.Before(f.Until) {
		return false
	}
	if f.APIKeyID != "" && r.APIKeyID != f.APIKeyID {
		return false
	}
	if f.Model != "" && r.ModelAlias != f.Model {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}

// Records returns the equivalent record filter
func (f UsageFilter) Records() RecordFilter {
	return RecordFilter{APIKeyID: f.APIKeyID, Since: f.Since, Until: f.Until}
}

const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// PageSize returns the effective page size of the filter
func (f RecordFilter) PageSize() int {
	switch {
	case f.Limit <= 0:
		return DefaultPageSize
	case f.Limit > MaxPageSize:
		return MaxPageSize
	}
	return f.Limit
}
