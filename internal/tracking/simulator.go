package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"time"

	"github.com/holdpay/holdpay/internal/idgen"
	"github.com/holdpay/holdpay/internal/metrics"
	"github.com/holdpay/holdpay/internal/validation"
)

// Point is a coordinate pair.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// DefaultOrigin is where simulated riders pick up (Nairobi CBD).
var DefaultOrigin = Point{Lat: -1.286389, Lng: 36.817223}

// MarkerForStep returns the marker a journey of steps intervals emits at
// step: pickup at 0, midpoint at steps/2, final at steps.
func MarkerForStep(step, steps int) Marker {
	switch step {
	case 0:
		return MarkerPickup
	case steps:
		return MarkerFinal
	case steps / 2:
		return MarkerMidpoint
	}
	return MarkerNone
}

// FirstStep returns where a journey resumes once reached has been applied,
// so markers the order already passed are not replayed.
func FirstStep(reached Marker, steps int) int {
	switch reached {
	case MarkerPickup:
		return 1
	case MarkerMidpoint:
		return steps/2 + 1
	case MarkerFinal:
		return steps
	}
	return 0
}

// JourneyConfig holds the default journey shape.
type JourneyConfig struct {
	Steps    int
	Interval time.Duration
}

// StartRequest overrides the journey defaults.
type StartRequest struct {
	DriverID    string
	Destination *Point
	Steps       int
	Interval    time.Duration
	Resume      Marker // last marker already applied to the order
}

// Journey describes a running simulation.
type Journey struct {
	OrderID     string        `json:"orderId"`
	DriverID    string        `json:"driverId"`
	Steps       int           `json:"steps"`
	FirstStep   int           `json:"firstStep"`
	Interval    time.Duration `json:"interval"`
	Origin      Point         `json:"origin"`
	Destination Point         `json:"destination"`
	StartedAt   time.Time     `json:"startedAt"`

	cancel context.CancelFunc
}

// Simulator runs cancellable journeys, one per order.
type Simulator struct {
	tracker *Tracker
	cfg     JourneyConfig
	logger  *slog.Logger
	root    context.Context
	stopAll context.CancelFunc

	mu      sync.Mutex
	running map[string]*Journey
	wg      sync.WaitGroup
}

// NewSimulator creates a simulator feeding tracker.
func NewSimulator(tracker *Tracker, cfg JourneyConfig, logger *slog.Logger) *Simulator {
	if cfg.Steps < 2 {
		cfg.Steps = 15
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	root, cancel := context.WithCancel(context.Background())
	return &Simulator{
		tracker: tracker,
		cfg:     cfg,
		logger:  logger.With("component", "journey"),
		root:    root,
		stopAll: cancel,
		running: make(map[string]*Journey),
	}
}

// Start launches a journey for orderID.
func (s *Simulator) Start(orderID string, req StartRequest) (*Journey, error) {
	steps := req.Steps
	if steps == 0 {
		steps = s.cfg.Steps
	}
	if steps < 2 || steps > 1000 {
		return nil, fmt.Errorf("%w: steps must be between 2 and 1000", ErrInvalidSample)
	}
	interval := req.Interval
	if interval <= 0 {
		interval = s.cfg.Interval
	}
	driverID := req.DriverID
	if driverID == "" {
		driverID = "drv_" + idgen.Hex(12)
	}
	dest := Point{
		Lat: DefaultOrigin.Lat + rand.Float64()*0.1 - 0.05,
		Lng: DefaultOrigin.Lng + rand.Float64()*0.1 - 0.05,
	}
	if req.Destination != nil {
		if errs := validation.Validate(validation.Coordinates(req.Destination.Lat, req.Destination.Lng)); len(errs) > 0 {
			return nil, fmt.Errorf("%w: destination %s", ErrInvalidSample, errs.Error())
		}
		dest = *req.Destination
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.root.Err() != nil {
		return nil, context.Canceled
	}
	if _, ok := s.running[orderID]; ok {
		return nil, ErrJourneyRunning
	}

	ctx, cancel := context.WithCancel(s.root)
	j := &Journey{
		OrderID:     orderID,
		DriverID:    driverID,
		Steps:       steps,
		FirstStep:   FirstStep(req.Resume, steps),
		Interval:    interval,
		Origin:      DefaultOrigin,
		Destination: dest,
		StartedAt:   time.Now().UTC(),
		cancel:      cancel,
	}
	s.running[orderID] = j
	metrics.ActiveJourneys.Inc()
	s.wg.Add(1)
	go s.run(ctx, j)

	s.logger.Info("journey started", "order_id", orderID, "driver_id", driverID, "steps", steps, "interval", interval)
	cp := *j
	return &cp, nil
}

// Stop cancels the order's journey. It reports whether one was running.
func (s *Simulator) Stop(orderID string) bool {
	s.mu.Lock()
	j, ok := s.running[orderID]
	if ok {
		delete(s.running, orderID)
	}
	s.mu.Unlock()
	if ok {
		j.cancel()
	}
	return ok
}

// Running reports whether a journey is active for orderID.
func (s *Simulator) Running(orderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[orderID]
	return ok
}

// Active returns the number of running journeys.
func (s *Simulator) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Shutdown cancels every journey and waits for them to exit.
func (s *Simulator) Shutdown() {
	s.stopAll()
	s.wg.Wait()
}

func (s *Simulator) run(ctx context.Context, j *Journey) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		if s.running[j.OrderID] == j {
			delete(s.running, j.OrderID)
		}
		s.mu.Unlock()
		j.cancel()
		metrics.ActiveJourneys.Dec()
	}()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in journey", "order_id", j.OrderID, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()

	for step := j.FirstStep; step <= j.Steps; step++ {
		frac := float64(step) / float64(j.Steps)
		sample := Sample{
			OrderID:  j.OrderID,
			DriverID: j.DriverID,
			Lat:      j.Origin.Lat + (j.Destination.Lat-j.Origin.Lat)*frac,
			Lng:      j.Origin.Lng + (j.Destination.Lng-j.Origin.Lng)*frac,
			Heading:  45 + rand.Float64()*20 - 10,
			Speed:    30 + rand.Float64()*15 - 5,
			Marker:   MarkerForStep(step, j.Steps),
		}
		if _, err := s.tracker.Record(ctx, sample); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("journey stopped", "order_id", j.OrderID, "step", step, "error", err)
			return
		}
		if step == j.Steps {
			break
		}
		select {
		case <-ctx.Done():
			s.logger.Info("journey cancelled", "order_id", j.OrderID, "step", step)
			return
		case <-time.After(j.Interval):
		}
	}
	s.logger.Info("journey finished", "order_id", j.OrderID)
}
