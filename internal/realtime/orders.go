package realtime

import (
	"context"

	"github.com/holdpay/holdpay/internal/escrow"
)

// OrderEvents turns escrow notifications into hub events. Clients tracking
// the order get the full order as order_status_update; the feed gets the
// named event with a summary.
type OrderEvents struct {
	hub *Hub
}

// NewOrderEvents returns an escrow.EventEmitter publishing to hub.
func NewOrderEvents(hub *Hub) *OrderEvents {
	return &OrderEvents{hub: hub}
}

func (e *OrderEvents) Emit(ctx context.Context, n escrow.Notification) {
	if n.Type != escrow.NotifyNewOrder {
		e.hub.Publish(&Event{
			Type:      EventOrderUpdate,
			OrderID:   n.OrderID,
			Timestamp: n.At,
			Data:      roomPayload(n),
		})
	}
	if n.Type == escrow.NotifyOrderUpdated {
		return
	}
	e.hub.Publish(&Event{
		Type:      EventType(n.Type),
		OrderID:   n.OrderID,
		Timestamp: n.At,
		Data:      feedPayload(n),
		Global:    true,
	})
}

func roomPayload(n escrow.Notification) map[string]any {
	data := map[string]any{
		"orderId": n.OrderID,
		"status":  n.To,
		"order":   n.Order,
	}
	if n.Dispute != nil {
		data["dispute"] = n.Dispute
	}
	return data
}

func feedPayload(n escrow.Notification) map[string]any {
	data := map[string]any{
		"orderId": n.OrderID,
		"from":    n.From,
		"to":      n.To,
	}
	if n.Type == escrow.NotifyNewOrder && n.Order != nil {
		data["order"] = n.Order
	}
	if n.Dispute != nil {
		data["disputeId"] = n.Dispute.ID
	}
	return data
}

var _ escrow.EventEmitter = (*OrderEvents)(nil)
