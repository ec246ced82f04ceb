package tracking

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingMarkers struct {
	mu     sync.Mutex
	got    []Marker
	failOn Marker
}

func (r *recordingMarkers) OnMarker(ctx context.Context, orderID string, m Marker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m == r.failOn {
		return errors.New("transition not permitted")
	}
	r.got = append(r.got, m)
	return nil
}

func (r *recordingMarkers) markers() []Marker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Marker(nil), r.got...)
}

type recordingPublisher struct {
	mu  sync.Mutex
	got []*Sample
}

func (p *recordingPublisher) PublishLocation(ctx context.Context, s *Sample) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, s)
}

func TestMarkerForStep(t *testing.T) {
	tests := []struct {
		steps int
		want  map[int]Marker
	}{
		{15, map[int]Marker{0: MarkerPickup, 7: MarkerMidpoint, 15: MarkerFinal}},
		{4, map[int]Marker{0: MarkerPickup, 2: MarkerMidpoint, 4: MarkerFinal}},
		{2, map[int]Marker{0: MarkerPickup, 1: MarkerMidpoint, 2: MarkerFinal}},
	}
	for _, tt := range tests {
		for step := 0; step <= tt.steps; step++ {
			want := tt.want[step]
			if got := MarkerForStep(step, tt.steps); got != want {
				t.Errorf("MarkerForStep(%d, %d) = %q, want %q", step, tt.steps, got, want)
			}
		}
	}
}

func TestRecordAppliesMarkersAndPublishes(t *testing.T) {
	markers := &recordingMarkers{}
	pub := &recordingPublisher{}
	tr := NewTracker(NewMemoryStore(), testLogger()).WithMarkers(markers).WithPublisher(pub)
	ctx := context.Background()

	s, err := tr.Record(ctx, Sample{OrderID: "ord_abc123", Lat: -1.28, Lng: 36.81, Marker: MarkerPickup})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if s.Seq == 0 {
		t.Error("expected seq to be assigned")
	}
	if s.Timestamp.IsZero() {
		t.Error("expected timestamp to default to now")
	}
	if got := markers.markers(); len(got) != 1 || got[0] != MarkerPickup {
		t.Errorf("markers = %v, want [pickup]", got)
	}
	if len(pub.got) != 1 {
		t.Errorf("published %d samples, want 1", len(pub.got))
	}
}

func TestRecordStaleSampleIsStoredButInert(t *testing.T) {
	markers := &recordingMarkers{}
	pub := &recordingPublisher{}
	tr := NewTracker(NewMemoryStore(), testLogger()).WithMarkers(markers).WithPublisher(pub)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if _, err := tr.Record(ctx, Sample{OrderID: "ord_abc123", Lat: 1, Lng: 1, Timestamp: base.Add(time.Minute), Marker: MarkerMidpoint}); err != nil {
		t.Fatalf("Record newer: %v", err)
	}
	if _, err := tr.Record(ctx, Sample{OrderID: "ord_abc123", Lat: 2, Lng: 2, Timestamp: base, Marker: MarkerPickup}); err != nil {
		t.Fatalf("Record older: %v", err)
	}

	latest, err := tr.Latest(ctx, "ord_abc123")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest.Lat != 1 {
		t.Errorf("latest lat = %v, want the newer sample", latest.Lat)
	}
	history, _ := tr.History(ctx, "ord_abc123", 0)
	if len(history) != 2 {
		t.Errorf("history has %d samples, want 2", len(history))
	}
	if got := markers.markers(); len(got) != 1 || got[0] != MarkerMidpoint {
		t.Errorf("markers = %v, stale pickup must not apply", got)
	}
	if len(pub.got) != 1 {
		t.Errorf("published %d samples, want 1", len(pub.got))
	}
}

func TestRecordWatermarkSurvivesNewTracker(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := NewTracker(store, testLogger())
	if _, err := first.Record(ctx, Sample{OrderID: "ord_abc123", Lat: 1, Lng: 1, Timestamp: base}); err != nil {
		t.Fatal(err)
	}

	markers := &recordingMarkers{}
	second := NewTracker(store, testLogger()).WithMarkers(markers)
	if _, err := second.Record(ctx, Sample{OrderID: "ord_abc123", Lat: 2, Lng: 2, Timestamp: base.Add(-time.Second), Marker: MarkerFinal}); err != nil {
		t.Fatal(err)
	}
	if got := markers.markers(); len(got) != 0 {
		t.Errorf("markers = %v, want none for a sample older than the stored latest", got)
	}
}

func TestRecordValidation(t *testing.T) {
	tr := NewTracker(NewMemoryStore(), testLogger())
	ctx := context.Background()

	bad := []Sample{
		{Lat: 1, Lng: 1},
		{OrderID: "ord_abc123", Lat: 91, Lng: 1},
		{OrderID: "ord_abc123", Lat: 1, Lng: 181},
		{OrderID: "ord_abc123", Lat: 1, Lng: 1, Speed: -1},
		{OrderID: "ord_abc123", Lat: 1, Lng: 1, Heading: 360},
		{OrderID: "ord_abc123", Lat: 1, Lng: 1, Marker: "teleport"},
	}
	for i, s := range bad {
		if _, err := tr.Record(ctx, s); !errors.Is(err, ErrInvalidSample) {
			t.Errorf("case %d: expected ErrInvalidSample, got %v", i, err)
		}
	}
}

func TestRecordMarkerErrorReturnsStoredSample(t *testing.T) {
	markers := &recordingMarkers{failOn: MarkerFinal}
	tr := NewTracker(NewMemoryStore(), testLogger()).WithMarkers(markers)

	s, err := tr.Record(context.Background(), Sample{OrderID: "ord_abc123", Lat: 1, Lng: 1, Marker: MarkerFinal})
	if err == nil {
		t.Fatal("expected marker error")
	}
	if s == nil || s.Seq == 0 {
		t.Error("sample should still be stored")
	}
}

func TestDeleteOrder(t *testing.T) {
	tr := NewTracker(NewMemoryStore(), testLogger())
	ctx := context.Background()
	if _, err := tr.Record(ctx, Sample{OrderID: "ord_abc123", Lat: 1, Lng: 1}); err != nil {
		t.Fatal(err)
	}
	if err := tr.DeleteOrder(ctx, "ord_abc123"); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Latest(ctx, "ord_abc123"); !errors.Is(err, ErrNoLocation) {
		t.Errorf("expected ErrNoLocation after delete, got %v", err)
	}
}

func TestForgetKeepsSamplesAndStaleGuard(t *testing.T) {
	tr := NewTracker(NewMemoryStore(), testLogger())
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := tr.Record(ctx, Sample{OrderID: "ord_abc123", Lat: 1, Lng: 1, Timestamp: now}); err != nil {
		t.Fatal(err)
	}
	if tr.Tracked() != 1 {
		t.Fatalf("expected one tracked order, got %d", tr.Tracked())
	}
	tr.Forget("ord_abc123")
	if tr.Tracked() != 0 {
		t.Fatalf("expected watermark dropped, got %d", tr.Tracked())
	}
	if _, err := tr.Latest(ctx, "ord_abc123"); err != nil {
		t.Fatalf("samples should survive Forget: %v", err)
	}

	// the watermark is reloaded from the store, so an older sample stays inert
	pub := &recordingPublisher{}
	tr.WithPublisher(pub)
	if _, err := tr.Record(ctx, Sample{OrderID: "ord_abc123", Lat: 2, Lng: 2, Timestamp: now.Add(-time.Minute)}); err != nil {
		t.Fatal(err)
	}
	latest, _ := tr.Latest(ctx, "ord_abc123")
	if latest.Lat != 1 {
		t.Errorf("stale sample became current: %+v", latest)
	}
	if len(pub.got) != 0 {
		t.Errorf("stale sample was published: %d", len(pub.got))
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSimulatorDrivesMarkersAtSteps(t *testing.T) {
	markers := &recordingMarkers{}
	store := NewMemoryStore()
	tr := NewTracker(store, testLogger()).WithMarkers(markers)
	sim := NewSimulator(tr, JourneyConfig{Steps: 6, Interval: time.Millisecond}, testLogger())
	defer sim.Shutdown()

	if _, err := sim.Start("ord_abc123", StartRequest{DriverID: "drv_1"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return !sim.Running("ord_abc123") })

	history, _ := store.History(context.Background(), "ord_abc123", 0)
	if len(history) != 7 {
		t.Fatalf("journey recorded %d samples, want 7", len(history))
	}
	want := map[int]Marker{0: MarkerPickup, 3: MarkerMidpoint, 6: MarkerFinal}
	for i, s := range history {
		if s.Marker != want[i] {
			t.Errorf("step %d marker = %q, want %q", i, s.Marker, want[i])
		}
		if s.DriverID != "drv_1" {
			t.Errorf("step %d driver = %q", i, s.DriverID)
		}
	}
	got := markers.markers()
	if len(got) != 3 || got[0] != MarkerPickup || got[1] != MarkerMidpoint || got[2] != MarkerFinal {
		t.Errorf("applied markers = %v", got)
	}
}

func TestSimulatorResumesPastAppliedMarkers(t *testing.T) {
	markers := &recordingMarkers{failOn: MarkerPickup}
	store := NewMemoryStore()
	tr := NewTracker(store, testLogger()).WithMarkers(markers)
	sim := NewSimulator(tr, JourneyConfig{Steps: 6, Interval: time.Millisecond}, testLogger())
	defer sim.Shutdown()

	j, err := sim.Start("ord_abc123", StartRequest{Resume: MarkerMidpoint})
	if err != nil {
		t.Fatal(err)
	}
	if j.FirstStep != 4 {
		t.Fatalf("first step = %d, want 4", j.FirstStep)
	}
	waitFor(t, func() bool { return !sim.Running("ord_abc123") })

	history, _ := store.History(context.Background(), "ord_abc123", 0)
	if len(history) != 3 {
		t.Fatalf("journey recorded %d samples, want 3", len(history))
	}
	if got := markers.markers(); len(got) != 1 || got[0] != MarkerFinal {
		t.Errorf("applied markers = %v, want only final", got)
	}
}

func TestFirstStep(t *testing.T) {
	tests := []struct {
		reached Marker
		want    int
	}{
		{MarkerNone, 0},
		{MarkerPickup, 1},
		{MarkerMidpoint, 8},
		{MarkerFinal, 15},
	}
	for _, tt := range tests {
		if got := FirstStep(tt.reached, 15); got != tt.want {
			t.Errorf("FirstStep(%q, 15) = %d, want %d", tt.reached, got, tt.want)
		}
	}
}

func TestSimulatorStopsOnRejectedMarker(t *testing.T) {
	markers := &recordingMarkers{failOn: MarkerMidpoint}
	store := NewMemoryStore()
	tr := NewTracker(store, testLogger()).WithMarkers(markers)
	sim := NewSimulator(tr, JourneyConfig{Steps: 4, Interval: time.Millisecond}, testLogger())
	defer sim.Shutdown()

	if _, err := sim.Start("ord_abc123", StartRequest{}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return !sim.Running("ord_abc123") })

	if got := markers.markers(); len(got) != 1 || got[0] != MarkerPickup {
		t.Errorf("applied markers = %v, want only pickup", got)
	}
	history, _ := store.History(context.Background(), "ord_abc123", 0)
	if len(history) != 3 {
		t.Errorf("journey recorded %d samples, want 3 (stopped at midpoint)", len(history))
	}
}

func TestSimulatorStopAndDuplicate(t *testing.T) {
	markers := &recordingMarkers{}
	tr := NewTracker(NewMemoryStore(), testLogger()).WithMarkers(markers)
	sim := NewSimulator(tr, JourneyConfig{Steps: 10, Interval: time.Hour}, testLogger())
	defer sim.Shutdown()

	if _, err := sim.Start("ord_abc123", StartRequest{}); err != nil {
		t.Fatal(err)
	}
	if _, err := sim.Start("ord_abc123", StartRequest{}); !errors.Is(err, ErrJourneyRunning) {
		t.Errorf("expected ErrJourneyRunning, got %v", err)
	}
	waitFor(t, func() bool { return len(markers.markers()) == 1 })

	if !sim.Stop("ord_abc123") {
		t.Error("Stop should report a running journey")
	}
	if sim.Running("ord_abc123") {
		t.Error("journey still running after Stop")
	}
	if sim.Stop("ord_abc123") {
		t.Error("second Stop should report nothing running")
	}
	if got := markers.markers(); len(got) != 1 {
		t.Errorf("markers after stop = %v, want only pickup", got)
	}
}

func TestSimulatorRejectsBadInput(t *testing.T) {
	sim := NewSimulator(NewTracker(NewMemoryStore(), testLogger()), JourneyConfig{}, testLogger())
	defer sim.Shutdown()

	if _, err := sim.Start("ord_abc123", StartRequest{Steps: 1}); !errors.Is(err, ErrInvalidSample) {
		t.Errorf("steps=1: expected ErrInvalidSample, got %v", err)
	}
	if _, err := sim.Start("ord_abc123", StartRequest{Destination: &Point{Lat: 100, Lng: 0}}); !errors.Is(err, ErrInvalidSample) {
		t.Errorf("bad destination: expected ErrInvalidSample, got %v", err)
	}
}

func TestSimulatorShutdownCancelsAll(t *testing.T) {
	sim := NewSimulator(NewTracker(NewMemoryStore(), testLogger()), JourneyConfig{Steps: 10, Interval: time.Hour}, testLogger())
	for _, id := range []string{"ord_aaaaaa", "ord_bbbbbb"} {
		if _, err := sim.Start(id, StartRequest{}); err != nil {
			t.Fatal(err)
		}
	}
	sim.Shutdown()
	if n := sim.Active(); n != 0 {
		t.Errorf("active journeys after shutdown = %d", n)
	}
	if _, err := sim.Start("ord_cccccc", StartRequest{}); err == nil {
		t.Error("Start after Shutdown should fail")
	}
}
