// Package tracking records rider positions per order and turns journey
// markers into delivery transitions.
package tracking

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNoLocation     = errors.New("no location recorded")
	ErrOrderNotFound  = errors.New("order not found")
	ErrNotTrackable   = errors.New("order is not in a trackable state")
	ErrJourneyRunning = errors.New("journey already running for this order")
	ErrInvalidSample  = errors.New("invalid location sample")
)

// Marker tags a journey sample that should drive a delivery transition.
type Marker string

const (
	MarkerNone     Marker = ""
	MarkerPickup   Marker = "pickup"
	MarkerMidpoint Marker = "midpoint"
	MarkerFinal    Marker = "final"
)

// Valid reports whether m is a known marker.
func (m Marker) Valid() bool {
	switch m {
	case MarkerNone, MarkerPickup, MarkerMidpoint, MarkerFinal:
		return true
	}
	return false
}

// Sample is one rider position. Samples are append-only.
type Sample struct {
	OrderID   string    `json:"orderId"`
	DriverID  string    `json:"driverId,omitempty"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Heading   float64   `json:"heading"`
	Speed     float64   `json:"speed"`
	Timestamp time.Time `json:"timestamp"`
	Seq       int64     `json:"seq"`
	Marker    Marker    `json:"marker,omitempty"`
}

// Store persists location samples.
type Store interface {
	// Append stores s and assigns its Seq.
	Append(ctx context.Context, s *Sample) error
	// Latest returns the most recent sample by timestamp or ErrNoLocation.
	Latest(ctx context.Context, orderID string) (*Sample, error)
	// History returns samples in arrival order, at most limit.
	History(ctx context.Context, orderID string, limit int) ([]*Sample, error)
	DeleteOrder(ctx context.Context, orderID string) error
}

// OrderInfo is what tracking needs to know about an order.
type OrderInfo struct {
	DriverID  string
	Trackable bool   // a journey may run (funded and not yet delivered)
	Reached   Marker // furthest journey marker the order has passed
}

// Orders looks up orders so tracking doesn't import escrow.
type Orders interface {
	// Lookup returns ErrOrderNotFound for unknown orders.
	Lookup(ctx context.Context, orderID string) (*OrderInfo, error)
}

// MarkerHandler applies the transition a marker stands for.
type MarkerHandler interface {
	OnMarker(ctx context.Context, orderID string, m Marker) error
}

// Publisher fans a new current position out to observers.
type Publisher interface {
	PublishLocation(ctx context.Context, s *Sample)
}
