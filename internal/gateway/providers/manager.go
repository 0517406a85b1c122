package providers

import (
	"fmt"
	"sync"

	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

// Factory builds the provider that serves a binding
type Factory func(b models.ModelBinding) (Provider, error)

// New builds a provider for b from its provider name, endpoint and credential
func New(b models.ModelBinding) (Provider, error) {
	switch b.Provider {
	case "", "openai":
		return NewOpenAIProvider(b.APIKey, b.Endpoint), nil
	case "anthropic":
		return NewAnthropicProvider(b.APIKey, b.Endpoint), nil
	}
	return nil, fmt.Errorf("unsupported provider %q for binding %s", b.Provider, b.ID)
}

// Manager keeps one provider client per binding so connections are reused
// across requests. A binding whose endpoint, credential or provider changes
// on reload gets a new client.
type Manager struct {
	factory Factory

	mu      sync.Mutex
	clients map[string]managedProvider
}

type managedProvider struct {
	provider Provider
	provName string
	endpoint string
	apiKey   string
}

// NewManager creates a manager that builds clients with factory (New if nil)
func NewManager(factory Factory) *Manager {
	if factory == nil {
		factory = New
	}
	return &Manager{factory: factory, clients: make(map[string]managedProvider)}
}

// Get returns the provider for a binding, building it on first use
func (m *Manager) Get(b models.ModelBinding) (Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.clients[b.ID]; ok &&
		c.provName == b.Provider && c.endpoint == b.Endpoint && c.apiKey == b.APIKey {
		return c.provider, nil
	}
	p, err := m.factory(b)
	if err != nil {
		return nil, err
	}
	m.clients[b.ID] = managedProvider{provider: p, provName: b.Provider, endpoint: b.Endpoint, apiKey: b.APIKey}
	return p, nil
}

// Sync forgets clients of bindings that are no longer configured
func (m *Manager) Sync(bindings []models.ModelBinding) {
	live := make(map[string]bool, len(bindings))
	for _, b := range bindings {
		live[b.ID] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.clients {
		if !live[id] {
			delete(m.clients, id)
		}
	}
}
