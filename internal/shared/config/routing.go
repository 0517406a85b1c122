package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

// RoutingConfig is the hot-reloadable part of the configuration:
// model bindings and API keys.
type RoutingConfig struct {
	Models []BindingConfig `koanf:"models"`
	Keys   []KeyConfig     `koanf:"keys"`
}

// BindingConfig is one entry of the models list
type BindingConfig struct {
	ID              string        `koanf:"id"`
	Alias           string        `koanf:"alias"`
	Provider        string        `koanf:"provider"`
	Endpoint        string        `koanf:"endpoint"`
	APIKeyRef       string        `koanf:"api_key_ref"`
	UpstreamModel   string        `koanf:"upstream_model"`
	Priority        int           `koanf:"priority"`
	Pricing         PricingConfig `koanf:"pricing"`
	Cacheable       *bool         `koanf:"cacheable"`
	CacheTTLSeconds int           `koanf:"cache_ttl_seconds"`
	TimeoutSeconds  int           `koanf:"timeout_seconds"`
}

// PricingConfig is USD per 1k tokens
type PricingConfig struct {
	InputPer1K  float64 `koanf:"input_per_1k"`
	OutputPer1K float64 `koanf:"output_per_1k"`
}

// KeyConfig is one entry of the keys list. Either KeyHash (sha256 hex of the
// raw key) or KeyRef (env var holding the raw key) must be set.
type KeyConfig struct {
	ID        string  `koanf:"id"`
	Name      string  `koanf:"name"`
	KeyHash   string  `koanf:"key_hash"`
	KeyRef    string  `koanf:"key_ref"`
	BudgetUSD float64 `koanf:"budget_usd"`
	RPM       int     `koanf:"rpm"`
	TPM       int     `koanf:"tpm"`
	Revoked   bool    `koanf:"revoked"`
}

// Defaults fill in binding fields the routing file leaves empty
type Defaults struct {
	CacheTTL        time.Duration
	UpstreamTimeout time.Duration
}

// LoadRouting reads and validates a routing YAML file
func LoadRouting(path string) (*RoutingConfig, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load routing config %s: %w", path, err)
	}

	var rc RoutingConfig
	if err := k.Unmarshal("", &rc); err != nil {
		return nil, fmt.Errorf("parse routing config %s: %w", path, err)
	}
	if err := rc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid routing config %s: %w", path, err)
	}
	return &rc, nil
}

// LegacyRouting synthesizes a single-binding configuration from the legacy
// backend's LLM_API_BASE / LLM_API_KEY / LLM_MODEL variables. The binding reads
// its credential from LLM_API_KEY, and an unlimited key is registered under
// LegacyChatKeyID (default "legacy") for the /chat endpoint.
func LegacyRouting(cfg *Config) *RoutingConfig {
	endpoint := cfg.LegacyAPIBase
	if endpoint == "" {
		endpoint = "https://api.openai.com/v1"
	}
	keyID := cfg.LegacyChatKeyID
	if keyID == "" {
		keyID = "legacy"
	}
	return &RoutingConfig{
		Models: []BindingConfig{{
			ID:            "default",
			Alias:         cfg.LegacyModel,
			Provider:      "openai",
			Endpoint:      endpoint,
			APIKeyRef:     "LLM_API_KEY",
			UpstreamModel: cfg.LegacyModel,
			Priority:      1,
		}},
		Keys: []KeyConfig{{ID: keyID, Name: "legacy chat"}},
	}
}

// Validate checks structural constraints that don't depend on the environment
func (rc *RoutingConfig) Validate() error {
	var errs []error
	bindingIDs := make(map[string]bool)
	for i, m := range rc.Models {
		if m.Alias == "" {
			errs = append(errs, fmt.Errorf("models[%d]: alias is required", i))
		}
		if m.Endpoint == "" {
			errs = append(errs, fmt.Errorf("models[%d]: endpoint is required", i))
		}
		switch strings.ToLower(m.Provider) {
		case "", "openai", "anthropic":
		default:
			errs = append(errs, fmt.Errorf("models[%d]: unsupported provider %q", i, m.Provider))
		}
		id := m.bindingID(i)
		if bindingIDs[id] {
			errs = append(errs, fmt.Errorf("models[%d]: duplicate binding id %q", i, id))
		}
		bindingIDs[id] = true
	}

	keyIDs := make(map[string]bool)
	for i, k := range rc.Keys {
		if k.ID == "" {
			errs = append(errs, fmt.Errorf("keys[%d]: id is required", i))
		}
		if keyIDs[k.ID] {
			errs = append(errs, fmt.Errorf("keys[%d]: duplicate key id %q", i, k.ID))
		}
		keyIDs[k.ID] = true
		if k.BudgetUSD < 0 || k.RPM < 0 || k.TPM < 0 {
			errs = append(errs, fmt.Errorf("keys[%d]: limits must not be negative", i))
		}
	}
	return errors.Join(errs...)
}

func (m BindingConfig) bindingID(i int) string {
	if m.ID != "" {
		return m.ID
	}
	return fmt.Sprintf("%s#%d", m.Alias, i)
}

// Bindings converts the models list, in file order, resolving credentials from
// the environment.
func (rc *RoutingConfig) Bindings(d Defaults) []models.ModelBinding {
	out := make([]models.ModelBinding, 0, len(rc.Models))
	for i, m := range rc.Models {
		provider := strings.ToLower(m.Provider)
		if provider == "" {
			provider = "openai"
		}
		upstream := m.UpstreamModel
		if upstream == "" {
			upstream = m.Alias
		}
		cacheable := true
		if m.Cacheable != nil {
			cacheable = *m.Cacheable
		}
		ttl := d.CacheTTL
		if m.CacheTTLSeconds > 0 {
			ttl = time.Duration(m.CacheTTLSeconds) * time.Second
		}
		timeout := d.UpstreamTimeout
		if m.TimeoutSeconds > 0 {
			timeout = time.Duration(m.TimeoutSeconds) * time.Second
		}

		b := models.ModelBinding{
			ID:            m.bindingID(i),
			Alias:         m.Alias,
			Provider:      provider,
			Endpoint:      strings.TrimRight(m.Endpoint, "/"),
			APIKeyRef:     m.APIKeyRef,
			UpstreamModel: upstream,
			Priority:      m.Priority,
			Pricing:       models.Pricing{InputPer1K: m.Pricing.InputPer1K, OutputPer1K: m.Pricing.OutputPer1K},
			Cacheable:     cacheable,
			CacheTTL:      ttl,
			Timeout:       timeout,
		}
		if m.APIKeyRef != "" {
			b.APIKey = os.Getenv(m.APIKeyRef)
		}
		out = append(out, b)
	}
	return out
}

// APIKeys converts the keys list. Keys whose raw value can't be resolved keep
// an empty hash and can never authenticate.
func (rc *RoutingConfig) APIKeys() []models.APIKey {
	out := make([]models.APIKey, 0, len(rc.Keys))
	for _, k := range rc.Keys {
		hash := strings.ToLower(k.KeyHash)
		if hash == "" && k.KeyRef != "" {
			if raw := os.Getenv(k.KeyRef); raw != "" {
				hash = HashKey(raw)
			}
		}
		out = append(out, models.APIKey{
			ID:             k.ID,
			Name:           k.Name,
			KeyHash:        hash,
			BudgetLimitUSD: k.BudgetUSD,
			RPMLimit:       k.RPM,
			TPMLimit:       k.TPM,
			Revoked:        k.Revoked,
		})
	}
	return out
}

// HashKey returns the sha256 hex digest used to look up raw API keys
func HashKey(raw string) string {
	hash := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(hash[:])
}
