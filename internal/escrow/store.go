package escrow

import (
	"context"

	"github.com/holdpay/holdpay/internal/pagination"
)

// Store persists orders and their disputes. Implementations return copies;
// callers never share pointers with the store.
type Store interface {
	Create(ctx context.Context, order *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	GetByInvoice(ctx context.Context, invoiceID string) (*Order, error)
	Update(ctx context.Context, order *Order) error
	// Delete removes the order and its dispute.
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filter ListFilter) ([]*Order, error)

	// OpenDispute saves the order and inserts the dispute atomically.
	// Returns ErrDisputeExists if the order already has one.
	OpenDispute(ctx context.Context, order *Order, dispute *Dispute) error
	// ResolveDispute saves the order and the dispute atomically.
	ResolveDispute(ctx context.Context, order *Order, dispute *Dispute) error
	GetDispute(ctx context.Context, id string) (*Dispute, error)
	GetDisputeByOrder(ctx context.Context, orderID string) (*Dispute, error)
	ListDisputes(ctx context.Context, status DisputeStatus, limit int) ([]*Dispute, error)

	Stats(ctx context.Context) (*StoreStats, error)
}

// ListFilter narrows an order listing. Results are newest first.
type ListFilter struct {
	Statuses []Status
	UserID   string // buyer, seller or driver
	After    *pagination.Cursor
	Limit    int
}

func (f ListFilter) matches(o *Order) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if o.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.UserID != "" && o.BuyerID != f.UserID && o.SellerID != f.UserID && o.DriverID != f.UserID {
		return false
	}
	return f.After.After(o.CreatedAt, o.ID)
}

// StoreStats are platform-wide counters.
type StoreStats struct {
	TotalOrders      int   `json:"totalOrders"`
	ActiveDeliveries int   `json:"activeDeliveries"`
	OpenDisputes     int   `json:"openDisputes"`
	CompletedOrders  int   `json:"completedOrders"`
	CompletedSats    int64 `json:"completedSats"`
}

// activeDeliveryStatuses are orders with a rider on the road.
var activeDeliveryStatuses = []Status{StatusPickedUp, StatusInTransit}
