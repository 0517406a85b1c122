package telemetry

import (
	"context"
	"slices"
	"sync"

	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

// DefaultMemoryRecords caps the in-memory store
const DefaultMemoryRecords = 100_000

// MemoryStore keeps records in process memory, sorted newest first. When
// full, the oldest record is dropped.
type MemoryStore struct {
	mu      sync.RWMutex
	records []models.RequestRecord
	ids     map[string]struct{}
	max     int
}

// NewMemoryStore creates a store holding at most maxRecords records
func NewMemoryStore(maxRecords int) *MemoryStore {
	if maxRecords <= 0 {
		maxRecords = DefaultMemoryRecords
	}
	return &MemoryStore{ids: make(map[string]struct{}), max: maxRecords}
}

// compareDesc orders records newest first, ties by ID descending
func compareDesc(a, b models.RequestRecord) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	switch {
	case a.ID > b.ID:
		return -1
	case a.ID < b.ID:
		return 1
	}
	return 0
}

func (s *MemoryStore) Append(_ context.Context, r models.RequestRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.ids[r.ID]; dup {
		return nil
	}
	i, _ := slices.BinarySearchFunc(s.records, r, compareDesc)
	s.records = slices.Insert(s.records, i, r)
	s.ids[r.ID] = struct{}{}

	if len(s.records) > s.max {
		oldest := s.records[len(s.records)-1]
		delete(s.ids, oldest.ID)
		s.records = s.records[:len(s.records)-1]
	}
	return nil
}

func (s *MemoryStore) Query(_ context.Context, f models.RecordFilter) (models.RecordPage, error) {
	var cursor *models.Cursor
	if f.Cursor != "" {
		c, err := models.DecodeCursor(f.Cursor)
		if err != nil {
			return models.RecordPage{}, err
		}
		cursor = &c
	}
	limit := f.PageSize()

	s.mu.RLock()
	defer s.mu.RUnlock()

	page := models.RecordPage{Records: []models.RequestRecord{}}
	for i := range s.records {
		r := &s.records[i]
		if cursor != nil && !cursor.After(r) {
			continue
		}
		if !f.Matches(r) {
			continue
		}
		if len(page.Records) == limit {
			page.NextCursor = models.EncodeCursor(&page.Records[limit-1])
			break
		}
		page.Records = append(page.Records, *r)
	}
	return page, nil
}

func (s *MemoryStore) Usage(_ context.Context, f models.UsageFilter) (models.UsageSummary, error) {
	rf := f.Records()
	summary := models.UsageSummary{ByModel: map[string]models.ModelUsage{}}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.records {
		if rf.Matches(&s.records[i]) {
			summary.Add(&s.records[i])
		}
	}
	return summary, nil
}

// Len returns the number of stored records
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
