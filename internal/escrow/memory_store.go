package escrow

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory order store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	orders   map[string]*Order
	disputes map[string]*Dispute
	byOrder  map[string]string // order id -> dispute id
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:   make(map[string]*Order),
		disputes: make(map[string]*Dispute),
		byOrder:  make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, order *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.orders[order.ID] = order.clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return o.clone(), nil
}

func (m *MemoryStore) GetByInvoice(ctx context.Context, invoiceID string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if invoiceID == "" {
		return nil, ErrOrderNotFound
	}
	for _, o := range m.orders {
		if o.InvoiceID == invoiceID {
			return o.clone(), nil
		}
	}
	return nil, ErrOrderNotFound
}

func (m *MemoryStore) Update(ctx context.Context, order *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[order.ID]; !ok {
		return ErrOrderNotFound
	}
	m.orders[order.ID] = order.clone()
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[id]; !ok {
		return ErrOrderNotFound
	}
	delete(m.orders, id)
	if did, ok := m.byOrder[id]; ok {
		delete(m.disputes, did)
		delete(m.byOrder, id)
	}
	return nil
}

func (m *MemoryStore) List(ctx context.Context, filter ListFilter) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if filter.matches(o) {
			result = append(result, o.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *MemoryStore) OpenDispute(ctx context.Context, order *Order, dispute *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[order.ID]; !ok {
		return ErrOrderNotFound
	}
	if _, ok := m.byOrder[order.ID]; ok {
		return ErrDisputeExists
	}
	m.orders[order.ID] = order.clone()
	m.disputes[dispute.ID] = dispute.clone()
	m.byOrder[order.ID] = dispute.ID
	return nil
}

func (m *MemoryStore) ResolveDispute(ctx context.Context, order *Order, dispute *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[order.ID]; !ok {
		return ErrOrderNotFound
	}
	if _, ok := m.disputes[dispute.ID]; !ok {
		return ErrDisputeNotFound
	}
	m.orders[order.ID] = order.clone()
	m.disputes[dispute.ID] = dispute.clone()
	return nil
}

func (m *MemoryStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return d.clone(), nil
}

func (m *MemoryStore) GetDisputeByOrder(ctx context.Context, orderID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	did, ok := m.byOrder[orderID]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return m.disputes[did].clone(), nil
}

func (m *MemoryStore) ListDisputes(ctx context.Context, status DisputeStatus, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if status == "" || d.Status == status {
			result = append(result, d.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) Stats(ctx context.Context) (*StoreStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := &StoreStats{TotalOrders: len(m.orders)}
	for _, o := range m.orders {
		switch o.Status {
		case StatusPickedUp, StatusInTransit:
			st.ActiveDeliveries++
		case StatusCompleted:
			st.CompletedOrders++
			st.CompletedSats += o.AmountSats
		}
	}
	for _, d := range m.disputes {
		if d.Status == DisputeUnderReview {
			st.OpenDisputes++
		}
	}
	return st, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
