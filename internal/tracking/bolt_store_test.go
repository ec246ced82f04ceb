package tracking

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	bolt "github.com/boltdb/bolt"
)

func TestBoltStore_AppendLatestHistory(t *testing.T) {
	db, err := bolt.Open(filepath.Join(t.TempDir(), "loc.db"), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	store, err := NewBoltStore(db)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, err := store.Latest(ctx, "ord_a"); !errors.Is(err, ErrNoLocation) {
		t.Fatalf("expected no location, got %v", err)
	}

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	// the third sample arrives last but is older than the second
	for i, offset := range []time.Duration{0, 2 * time.Minute, time.Minute} {
		s := &Sample{OrderID: "ord_a", Lat: float64(i), Lng: 36.8, Timestamp: base.Add(offset)}
		if err := store.Append(ctx, s); err != nil {
			t.Fatal(err)
		}
		if s.Seq == 0 {
			t.Fatal("expected sequence assigned")
		}
	}
	if err := store.Append(ctx, &Sample{OrderID: "ord_b", Lat: 9, Timestamp: base}); err != nil {
		t.Fatal(err)
	}

	latest, err := store.Latest(ctx, "ord_a")
	if err != nil {
		t.Fatal(err)
	}
	if latest.Lat != 1 {
		t.Fatalf("latest should be the newest timestamp, got lat %v", latest.Lat)
	}

	hist, err := store.History(ctx, "ord_a", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 || hist[0].Lat != 1 || hist[1].Lat != 2 {
		t.Fatalf("expected the last two in arrival order, got %+v", hist)
	}

	if err := store.DeleteOrder(ctx, "ord_a"); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteOrder(ctx, "ord_a"); err != nil {
		t.Fatalf("second delete should be a no-op, got %v", err)
	}
	if hist, _ := store.History(ctx, "ord_a", 0); len(hist) != 0 {
		t.Fatalf("expected empty history, got %d", len(hist))
	}
	if _, err := store.Latest(ctx, "ord_b"); err != nil {
		t.Fatalf("other orders unaffected, got %v", err)
	}
}
