//go:build integration

package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/holdpay/holdpay/internal/pagination"
	"github.com/holdpay/holdpay/internal/testutil"
)

func pgOrder(id, invoice string, created time.Time) *Order {
	return &Order{
		ID:              id,
		AmountSats:      50000,
		PaymentMethod:   MethodBitcoin,
		InvoiceID:       invoice,
		Description:     "Parcel",
		DeliveryAddress: "Moi Ave 1",
		RecipientName:   "Achieng",
		RecipientPhone:  "+254700000002",
		BuyerID:         "usr_buyer001",
		SellerID:        "usr_seller001",
		Status:          StatusAwaitingPayment,
		CreatedAt:       created,
		UpdatedAt:       created,
	}
}

func TestPostgresStore_OrderCRUD(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	o := pgOrder("ord_pg000001", "inv_pg1", now)
	if err := store.Create(ctx, o); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	// orders without an invoice do not collide on the unique index
	if err := store.Create(ctx, pgOrder("ord_pg000002", "", now.Add(time.Second))); err != nil {
		t.Fatalf("Create without invoice failed: %v", err)
	}
	if err := store.Create(ctx, pgOrder("ord_pg000003", "", now.Add(2*time.Second))); err != nil {
		t.Fatalf("second Create without invoice failed: %v", err)
	}

	got, err := store.GetByInvoice(ctx, "inv_pg1")
	if err != nil {
		t.Fatalf("GetByInvoice failed: %v", err)
	}
	if got.ID != o.ID || got.AmountSats != 50000 || !got.CreatedAt.Equal(now) {
		t.Fatalf("unexpected order %+v", got)
	}

	paid := now.Add(time.Minute)
	got.Status = StatusInEscrow
	got.PaidAt = &paid
	got.DriverID = "usr_rider001"
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, _ = store.Get(ctx, o.ID)
	if got.Status != StatusInEscrow || got.PaidAt == nil || !got.PaidAt.Equal(paid) {
		t.Fatalf("update not persisted: %+v", got)
	}

	if err := store.Update(ctx, pgOrder("ord_missing01", "", now)); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	page, err := store.List(ctx, ListFilter{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ID != "ord_pg000003" {
		t.Fatalf("expected newest first, got %d", len(page))
	}
	rest, err := store.List(ctx, ListFilter{
		After: &pagination.Cursor{CreatedAt: page[1].CreatedAt, ID: page[1].ID},
		Limit: 10,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 1 || rest[0].ID != o.ID {
		t.Fatalf("expected the oldest order after the cursor, got %d", len(rest))
	}

	mine, _ := store.List(ctx, ListFilter{UserID: "usr_rider001", Statuses: []Status{StatusInEscrow}})
	if len(mine) != 1 {
		t.Fatalf("expected one order for the rider, got %d", len(mine))
	}

	if err := store.Delete(ctx, o.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(ctx, o.ID); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected deleted, got %v", err)
	}
}

func TestPostgresStore_Disputes(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	o := pgOrder("ord_pgdisp01", "inv_pgd", now)
	if err := store.Create(ctx, o); err != nil {
		t.Fatal(err)
	}

	o.Status = StatusDisputed
	d := &Dispute{
		ID:          "dsp_pgdisp01",
		OrderID:     o.ID,
		IssueType:   IssueDamaged,
		Description: "Box crushed",
		Evidence:    []string{"https://img.test/1.jpg"},
		Status:      DisputeUnderReview,
		CreatedAt:   now,
	}
	if err := store.OpenDispute(ctx, o, d); err != nil {
		t.Fatalf("OpenDispute failed: %v", err)
	}
	dup := *d
	dup.ID = "dsp_pgdisp02"
	if err := store.OpenDispute(ctx, o, &dup); !errors.Is(err, ErrDisputeExists) {
		t.Fatalf("expected ErrDisputeExists, got %v", err)
	}

	open, _ := store.ListDisputes(ctx, DisputeUnderReview, 10)
	if len(open) != 1 || len(open[0].Evidence) != 1 {
		t.Fatalf("unexpected open disputes %+v", open)
	}

	resolved := now.Add(time.Hour)
	o.Status = StatusRefunded
	o.RefundTxID = "tx_refund"
	d.Status = DisputeResolvedRefund
	d.Resolution = ResolutionRefundBuyer
	d.TxID = "tx_refund"
	d.ResolvedAt = &resolved
	if err := store.ResolveDispute(ctx, o, d); err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}

	got, err := store.GetDisputeByOrder(ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != DisputeResolvedRefund || got.TxID != "tx_refund" {
		t.Fatalf("resolution not persisted: %+v", got)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalOrders != 1 || stats.OpenDisputes != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	// deleting the order cascades to its dispute
	if err := store.Delete(ctx, o.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetDispute(ctx, d.ID); !errors.Is(err, ErrDisputeNotFound) {
		t.Fatalf("expected dispute removed, got %v", err)
	}
}

func TestPostgresStore_ServiceFlow(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	env := newTestEnv(t)
	env.svc.store = NewPostgresStore(db)
	ctx := context.Background()

	o := env.inTransit(t, MethodBitcoin)
	done, err := env.svc.ConfirmDelivery(ctx, o.ID, ConfirmRequest{})
	if err != nil {
		t.Fatalf("ConfirmDelivery failed: %v", err)
	}
	if done.Status != StatusCompleted || done.ReleaseTxID == "" {
		t.Fatalf("unexpected order %+v", done)
	}
	reloaded, _ := env.svc.Get(ctx, o.ID)
	if reloaded.ReleaseTxID != done.ReleaseTxID {
		t.Fatal("release tx not persisted")
	}
}
