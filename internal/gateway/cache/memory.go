package cache

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

// Memory is a fixed-capacity LRU cache. Expired entries are dropped when
// they are looked up.
type Memory struct {
	entries *lru.Cache[string, *models.CacheEntry]
	now     func() time.Time
}

// NewMemory creates an in-process cache holding at most size entries
func NewMemory(size int) (*Memory, error) {
	entries, err := lru.New[string, *models.CacheEntry](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	return &Memory{entries: entries, now: time.Now}, nil
}

func (m *Memory) Lookup(_ context.Context, fingerprint string) (*models.CacheEntry, bool, error) {
	entry, ok := m.entries.Get(fingerprint)
	if !ok {
		return nil, false, nil
	}
	if entry.Expired(m.now()) {
		m.entries.Remove(fingerprint)
		return nil, false, nil
	}
	e := *entry
	return &e, true, nil
}

func (m *Memory) Store(_ context.Context, fingerprint string, entry *models.CacheEntry, ttl time.Duration) error {
	if ttl <= 0 {
		m.entries.Remove(fingerprint)
		return nil
	}
	now := m.now()
	e := *entry
	e.Fingerprint = fingerprint
	e.CreatedAt = now
	e.ExpiresAt = now.Add(ttl)
	m.entries.Add(fingerprint, &e)
	return nil
}

func (m *Memory) Purge(_ context.Context, fingerprint string) error {
	m.entries.Remove(fingerprint)
	return nil
}

func (m *Memory) PurgeAll(context.Context) (int, error) {
	n := m.entries.Len()
	m.entries.Purge()
	return n, nil
}

// Len returns the number of entries, expired ones included
func (m *Memory) Len() int {
	return m.entries.Len()
}
