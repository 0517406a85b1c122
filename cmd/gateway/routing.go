package main

import (
	"log/slog"
	"sync"

	"github.com/mrmushfiq/llm0-gateway/internal/gateway/ledger"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/router"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/config"
)

// routingApplier pushes a routing config into the router, the provider
// clients and the key ledger. Applies are serialized so all three always
// reflect the same config version.
type routingApplier struct {
	mu        sync.Mutex
	defaults  config.Defaults
	router    *router.Router
	providers *providers.Manager
	ledger    *ledger.Ledger
	logger    *slog.Logger
}

func (a *routingApplier) apply(rc *config.RoutingConfig) *router.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := a.router.Swap(rc.Bindings(a.defaults))
	bindings := snap.Bindings()
	a.providers.Sync(bindings)
	a.ledger.Sync(rc.APIKeys())
	a.logger.Info("Routing snapshot applied",
		slog.Uint64("version", snap.Version),
		slog.Int("bindings", len(bindings)),
		slog.Int("keys", len(rc.Keys)),
	)
	return snap
}
