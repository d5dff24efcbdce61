package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory implements Store in-process. Used by tests and single-node runs.
type Memory struct {
	mu      sync.RWMutex
	records map[Key]Record
	now     func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[Key]Record),
		now:     time.Now,
	}
}

func (m *Memory) Get(ctx context.Context, key Key) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	if !ok || rec.DeletedAt != nil {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) Query(ctx context.Context, scope Scope) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for key, rec := range m.records {
		if key.Primary != scope.Primary || rec.DeletedAt != nil {
			continue
		}
		if !strings.HasPrefix(key.Sort, scope.SortPrefix) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sort < out[j].Sort })
	return out, nil
}

// QueryIncludingDeleted returns both live and soft-deleted records under
// the scope.
func (m *Memory) QueryIncludingDeleted(ctx context.Context, scope Scope) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for key, rec := range m.records {
		if key.Primary != scope.Primary {
			continue
		}
		if !strings.HasPrefix(key.Sort, scope.SortPrefix) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sort < out[j].Sort })
	return out, nil
}

// QuerySecondary returns live records under a primary key carrying the
// given secondary index value. Supports the reverse lookups the override
// variants are indexed for.
func (m *Memory) QuerySecondary(ctx context.Context, primary, secondaryIndex string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for key, rec := range m.records {
		if key.Primary != primary || rec.DeletedAt != nil {
			continue
		}
		if rec.SecondaryIndex != secondaryIndex {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sort < out[j].Sort })
	return out, nil
}

func (m *Memory) Transact(ctx context.Context, orgID string, items TransactionItems) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := m.now().UTC()

	for _, rec := range items.Puts {
		rec.UpdatedAt = ts
		m.records[rec.Key] = rec
	}
	for _, key := range items.SoftDeleteKeys {
		rec, ok := m.records[key]
		if !ok {
			continue
		}
		rec.DeletedAt = &ts
		m.records[key] = rec
	}
	for _, key := range items.HardDeleteKeys {
		delete(m.records, key)
	}
	for _, scope := range items.HardDeleteScopes {
		for key := range m.records {
			if key.Primary == scope.Primary && strings.HasPrefix(key.Sort, scope.SortPrefix) {
				delete(m.records, key)
			}
		}
	}
	for _, upd := range items.OrderUpdateScopes {
		for key, rec := range m.records {
			if key.Primary == upd.Primary && strings.HasPrefix(key.Sort, upd.SortPrefix) {
				rec.OrderIndex = upd.OrderIndex
				m.records[key] = rec
			}
		}
	}
	return nil
}
