package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/holdpay/holdpay/internal/metrics"
	"github.com/holdpay/holdpay/internal/validation"
)

// Tracker ingests samples. Appends never wait on the order's state machine
// lock; only a sample carrying a marker reaches the MarkerHandler.
type Tracker struct {
	store   Store
	markers MarkerHandler
	pub     Publisher
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	watermark map[string]time.Time // newest timestamp seen per order
}

// NewTracker creates a tracker over store.
func NewTracker(store Store, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:     store,
		logger:    logger.With("component", "tracking"),
		now:       func() time.Time { return time.Now().UTC() },
		watermark: make(map[string]time.Time),
	}
}

// WithMarkers routes journey markers to the state machine.
func (t *Tracker) WithMarkers(h MarkerHandler) *Tracker {
	t.markers = h
	return t
}

// WithPublisher fans new positions out to observers.
func (t *Tracker) WithPublisher(p Publisher) *Tracker {
	t.pub = p
	return t
}

// Record appends a sample. A sample older than the newest one already seen
// is stored for the audit trail but neither published nor allowed to apply
// its marker. A marker error is returned alongside the stored sample.
func (t *Tracker) Record(ctx context.Context, in Sample) (*Sample, error) {
	if err := validateSample(in); err != nil {
		return nil, err
	}
	s := in
	if s.Timestamp.IsZero() {
		s.Timestamp = t.now()
	}
	s.Timestamp = s.Timestamp.UTC()

	t.prime(ctx, s.OrderID)
	if err := t.store.Append(ctx, &s); err != nil {
		return nil, fmt.Errorf("append location: %w", err)
	}
	metrics.LocationSamplesTotal.Inc()

	if !t.advance(s.OrderID, s.Timestamp) {
		t.logger.Debug("stale sample stored", "order_id", s.OrderID, "seq", s.Seq, "timestamp", s.Timestamp)
		return &s, nil
	}
	if t.pub != nil {
		t.pub.PublishLocation(ctx, &s)
	}
	if s.Marker != MarkerNone && t.markers != nil {
		if err := t.markers.OnMarker(ctx, s.OrderID, s.Marker); err != nil {
			return &s, fmt.Errorf("apply %s marker: %w", s.Marker, err)
		}
	}
	return &s, nil
}

// Latest returns the order's current position.
func (t *Tracker) Latest(ctx context.Context, orderID string) (*Sample, error) {
	return t.store.Latest(ctx, orderID)
}

// History returns up to limit samples in arrival order.
func (t *Tracker) History(ctx context.Context, orderID string, limit int) ([]*Sample, error) {
	return t.store.History(ctx, orderID, limit)
}

// DeleteOrder drops the order's samples.
func (t *Tracker) DeleteOrder(ctx context.Context, orderID string) error {
	if err := t.store.DeleteOrder(ctx, orderID); err != nil {
		return err
	}
	t.mu.Lock()
	delete(t.watermark, orderID)
	t.mu.Unlock()
	return nil
}

// Forget drops the order's watermark. Stored samples are untouched and a
// later Record reloads it from the store.
func (t *Tracker) Forget(orderID string) {
	t.mu.Lock()
	delete(t.watermark, orderID)
	t.mu.Unlock()
}

// Tracked returns the number of orders with an in-memory watermark.
func (t *Tracker) Tracked() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.watermark)
}

// prime loads the watermark for an order first seen by this process.
func (t *Tracker) prime(ctx context.Context, orderID string) {
	t.mu.Lock()
	_, known := t.watermark[orderID]
	t.mu.Unlock()
	if known {
		return
	}
	latest, err := t.store.Latest(ctx, orderID)
	if err != nil {
		return
	}
	t.mu.Lock()
	if cur, ok := t.watermark[orderID]; !ok || latest.Timestamp.After(cur) {
		t.watermark[orderID] = latest.Timestamp
	}
	t.mu.Unlock()
}

// advance moves the watermark forward and reports whether ts is current.
func (t *Tracker) advance(orderID string, ts time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if last, ok := t.watermark[orderID]; ok && ts.Before(last) {
		return false
	}
	t.watermark[orderID] = ts
	return true
}

func validateSample(s Sample) error {
	if strings.TrimSpace(s.OrderID) == "" {
		return fmt.Errorf("%w: order id is required", ErrInvalidSample)
	}
	if !s.Marker.Valid() {
		return fmt.Errorf("%w: unknown marker %q", ErrInvalidSample, s.Marker)
	}
	if errs := validation.Validate(
		validation.Coordinates(s.Lat, s.Lng),
		validation.MaxLength("driver_id", s.DriverID, 64),
	); len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidSample, errs.Error())
	}
	if s.Speed < 0 {
		return fmt.Errorf("%w: speed must not be negative", ErrInvalidSample)
	}
	if s.Heading < 0 || s.Heading >= 360 {
		return fmt.Errorf("%w: heading must be in [0, 360)", ErrInvalidSample)
	}
	return nil
}
