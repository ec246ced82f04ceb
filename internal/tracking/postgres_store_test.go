//go:build integration

package tracking

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/holdpay/holdpay/internal/testutil"
)

func seedOrder(t *testing.T, db *sql.DB, id string) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO orders (id, amount_sats, payment_method, description, delivery_address,
			recipient_name, recipient_phone, buyer_id, status, created_at, updated_at)
		VALUES ($1, 1000, 'bitcoin', 'Parcel', 'Moi Ave 1', 'Achieng', '+254700000002',
			'usr_buyer001', 'in_transit', now(), now())`, id)
	if err != nil {
		t.Fatalf("seed order: %v", err)
	}
}

func TestPostgresStore_Samples(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	seedOrder(t, db, "ord_pgtrack1")

	if _, err := store.Latest(ctx, "ord_pgtrack1"); !errors.Is(err, ErrNoLocation) {
		t.Fatalf("expected ErrNoLocation, got %v", err)
	}

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		s := &Sample{
			OrderID:   "ord_pgtrack1",
			DriverID:  "usr_rider001",
			Lat:       -1.29 + float64(i)*0.001,
			Lng:       36.82,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}
		if i == 2 {
			s.Marker = MarkerMidpoint
		}
		if err := store.Append(ctx, s); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if s.Seq == 0 {
			t.Fatal("expected seq to be assigned")
		}
	}

	// a late sample with an older timestamp does not become the latest
	late := &Sample{OrderID: "ord_pgtrack1", Lat: 0, Lng: 0, Timestamp: base.Add(-time.Minute)}
	if err := store.Append(ctx, late); err != nil {
		t.Fatal(err)
	}

	latest, err := store.Latest(ctx, "ord_pgtrack1")
	if err != nil {
		t.Fatal(err)
	}
	if !latest.Timestamp.Equal(base.Add(4*time.Second)) || latest.DriverID != "usr_rider001" {
		t.Fatalf("unexpected latest %+v", latest)
	}

	history, err := store.History(ctx, "ord_pgtrack1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 || history[0].Seq >= history[2].Seq || history[2].Seq != late.Seq {
		t.Fatalf("expected the three most recent samples in arrival order, got %d", len(history))
	}
	if history[0].Marker != MarkerMidpoint {
		t.Errorf("expected midpoint marker, got %q", history[0].Marker)
	}

	if err := store.DeleteOrder(ctx, "ord_pgtrack1"); err != nil {
		t.Fatal(err)
	}
	all, _ := store.History(ctx, "ord_pgtrack1", 0)
	if len(all) != 0 {
		t.Fatalf("expected no samples after delete, got %d", len(all))
	}
}
