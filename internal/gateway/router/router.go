// Package router resolves model aliases to ordered upstream bindings.
package router

import (
	"slices"
	"sort"
	"sync/atomic"

	"github.com/mrmushfiq/llm0-gateway/internal/gateway/apierror"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

// Snapshot is an immutable routing table
type Snapshot struct {
	Version  uint64
	bindings []models.ModelBinding
	byAlias  map[string][]models.ModelBinding
}

// NewSnapshot indexes bindings by alias. Within an alias bindings are
// ordered by ascending priority, ties keeping their order in bindings.
func NewSnapshot(version uint64, bindings []models.ModelBinding) *Snapshot {
	s := &Snapshot{
		Version:  version,
		bindings: slices.Clone(bindings),
		byAlias:  make(map[string][]models.ModelBinding),
	}
	for _, b := range s.bindings {
		s.byAlias[b.Alias] = append(s.byAlias[b.Alias], b)
	}
	for _, list := range s.byAlias {
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].Priority < list[j].Priority
		})
	}
	return s
}

// Resolve returns the candidate bindings for alias in dispatch order
func (s *Snapshot) Resolve(alias string) ([]models.ModelBinding, error) {
	list, ok := s.byAlias[alias]
	if !ok || len(list) == 0 {
		return nil, apierror.UnknownModel(alias)
	}
	return slices.Clone(list), nil
}

// Aliases returns the known aliases in sorted order
func (s *Snapshot) Aliases() []string {
	out := make([]string, 0, len(s.byAlias))
	for alias := range s.byAlias {
		out = append(out, alias)
	}
	slices.Sort(out)
	return out
}

// Bindings returns every binding in registration order
func (s *Snapshot) Bindings() []models.ModelBinding {
	return slices.Clone(s.bindings)
}

// Router holds the current snapshot. Readers never observe a partially
// applied reload.
type Router struct {
	current atomic.Pointer[Snapshot]
	version atomic.Uint64
}

// New creates a router serving bindings
func New(bindings []models.ModelBinding) *Router {
	r := &Router{}
	r.Swap(bindings)
	return r
}

// Swap atomically replaces the routing table and returns the new snapshot
func (r *Router) Swap(bindings []models.ModelBinding) *Snapshot {
	s := NewSnapshot(r.version.Add(1), bindings)
	r.current.Store(s)
	return s
}

// Snapshot returns the current routing table. Callers should resolve
// everything for one request against a single snapshot.
func (r *Router) Snapshot() *Snapshot {
	return r.current.Load()
}

// Resolve resolves alias against the current snapshot
func (r *Router) Resolve(alias string) ([]models.ModelBinding, error) {
	return r.Snapshot().Resolve(alias)
}

// Aliases lists the aliases of the current snapshot
func (r *Router) Aliases() []string {
	return r.Snapshot().Aliases()
}
