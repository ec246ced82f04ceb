package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/holdpay/holdpay/internal/escrow"
	"github.com/holdpay/holdpay/internal/tracking"
	"github.com/holdpay/holdpay/internal/users"
)

// -----------------------------------------------------------------------------
// Escrow <-> users
// -----------------------------------------------------------------------------

// userDirectory adapts users.Service to escrow.Directory
type userDirectory struct {
	users *users.Service
}

func (d *userDirectory) PayoutAddress(ctx context.Context, userID string) (string, error) {
	u, err := d.users.Get(ctx, userID)
	if errors.Is(err, users.ErrUserNotFound) {
		return "", fmt.Errorf("%w: %s", escrow.ErrUserNotFound, userID)
	}
	if err != nil {
		return "", err
	}
	return u.PayoutAddress, nil
}

// -----------------------------------------------------------------------------
// Tracking <-> escrow
// -----------------------------------------------------------------------------

// orderLookup adapts escrow.Service to tracking.Orders
type orderLookup struct {
	escrow *escrow.Service
}

func (l *orderLookup) Lookup(ctx context.Context, orderID string) (*tracking.OrderInfo, error) {
	o, err := l.escrow.Get(ctx, orderID)
	if errors.Is(err, escrow.ErrNotFound) {
		return nil, tracking.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	info := &tracking.OrderInfo{DriverID: o.DriverID}
	switch o.Status {
	case escrow.StatusInEscrow:
		info.Trackable = true
	case escrow.StatusPickedUp:
		info.Trackable, info.Reached = true, tracking.MarkerPickup
	case escrow.StatusInTransit:
		info.Trackable, info.Reached = true, tracking.MarkerMidpoint
	}
	return info, nil
}

// markerEvents maps journey markers to delivery events.
var markerEvents = map[tracking.Marker]escrow.Event{
	tracking.MarkerPickup:   escrow.EventPickup,
	tracking.MarkerMidpoint: escrow.EventMidpoint,
	tracking.MarkerFinal:    escrow.EventDelivered,
}

// deliveryMarkers adapts escrow.Service to tracking.MarkerHandler
type deliveryMarkers struct {
	escrow *escrow.Service
}

func (m *deliveryMarkers) OnMarker(ctx context.Context, orderID string, marker tracking.Marker) error {
	ev, ok := markerEvents[marker]
	if !ok {
		return nil
	}
	_, err := m.escrow.AdvanceDelivery(ctx, orderID, ev)
	return err
}

var (
	_ escrow.Directory       = (*userDirectory)(nil)
	_ tracking.Orders        = (*orderLookup)(nil)
	_ tracking.MarkerHandler = (*deliveryMarkers)(nil)
)
