package tracking

import (
	"context"
	"sync"
)

// MemoryStore keeps samples in memory for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	samples map[string][]*Sample
	seq     int64
}

// NewMemoryStore creates an empty in-memory location store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{samples: make(map[string][]*Sample)}
}

func (m *MemoryStore) Append(ctx context.Context, s *Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	s.Seq = m.seq
	cp := *s
	m.samples[s.OrderID] = append(m.samples[s.OrderID], &cp)
	return nil
}

func (m *MemoryStore) Latest(ctx context.Context, orderID string) (*Sample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *Sample
	for _, s := range m.samples[orderID] {
		if latest == nil || !s.Timestamp.Before(latest.Timestamp) {
			latest = s
		}
	}
	if latest == nil {
		return nil, ErrNoLocation
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryStore) History(ctx context.Context, orderID string, limit int) ([]*Sample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.samples[orderID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]*Sample, 0, len(all))
	for _, s := range all {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) DeleteOrder(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.samples, orderID)
	return nil
}

var _ Store = (*MemoryStore)(nil)
