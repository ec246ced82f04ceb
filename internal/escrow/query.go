package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/holdpay/holdpay/internal/gateway"
	"github.com/holdpay/holdpay/internal/pagination"
	"github.com/holdpay/holdpay/internal/sats"
)

// ListParams filters an order listing.
type ListParams struct {
	Status Status
	UserID string
	Limit  int
	Cursor string
}

// Page is one page of orders, newest first.
type Page struct {
	Orders     []*Order `json:"orders"`
	NextCursor string   `json:"nextCursor,omitempty"`
	HasMore    bool     `json:"hasMore"`
}

// List returns orders matching the filters.
func (s *Service) List(ctx context.Context, p ListParams) (*Page, error) {
	if p.Status != "" && !p.Status.Valid() {
		return nil, validationErr("unknown status %q", p.Status)
	}
	cursor, err := pagination.Decode(p.Cursor)
	if err != nil {
		return nil, validationErr("invalid cursor")
	}
	limit := pagination.ClampLimit(p.Limit)

	filter := ListFilter{UserID: p.UserID, After: cursor, Limit: limit + 1}
	if p.Status != "" {
		filter.Statuses = []Status{p.Status}
	}
	orders, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	orders, next, more := pagination.ComputePage(orders, limit, func(o *Order) (time.Time, string) {
		return o.CreatedAt, o.ID
	})
	if orders == nil {
		orders = []*Order{}
	}
	return &Page{Orders: orders, NextCursor: next, HasMore: more}, nil
}

// ListActive returns every order that has not reached a terminal state.
func (s *Service) ListActive(ctx context.Context, limit int) ([]*Order, error) {
	var active []Status
	for _, st := range AllStatuses {
		if !st.IsTerminal() {
			active = append(active, st)
		}
	}
	return s.store.List(ctx, ListFilter{Statuses: active, Limit: pagination.ClampLimit(limit)})
}

// Stats summarises the platform for admins.
type Stats struct {
	StoreStats
	CompletedVolume string `json:"completedVolume"` // BTC
	WalletBalance   string `json:"walletBalance"`   // BTC, or "unavailable"
	WalletSats      *int64 `json:"walletSats,omitempty"`
}

// BalanceUnavailable is reported when the provider cannot be reached.
const BalanceUnavailable = "unavailable"

// Stats returns platform counters and the escrow wallet balance. A provider
// failure is reported in the balance field rather than as an error.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	st, err := s.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	out := &Stats{
		StoreStats:      *st,
		CompletedVolume: sats.Format(st.CompletedSats),
		WalletBalance:   BalanceUnavailable,
	}
	bal, err := s.gateway.WalletBalance(ctx)
	if err != nil {
		s.logger.Warn("wallet balance unavailable", "error", err)
		return out, nil
	}
	out.WalletBalance = sats.Format(bal.AvailableSats)
	out.WalletSats = &bal.AvailableSats
	return out, nil
}

// ReconcileResult counts what a reconciliation pass did.
type ReconcileResult struct {
	Checked int `json:"checked"`
	Paid    int `json:"paid"`
	Expired int `json:"expired"`
	Failed  int `json:"failed"`
}

const reconcileBatch = 200

// ReconcilePayments checks unpaid orders with the provider to catch missed
// webhooks, and cancels lightning orders whose invoice has expired unpaid.
// A provider failure on one order never cancels it; the next pass retries.
func (s *Service) ReconcilePayments(ctx context.Context) (*ReconcileResult, error) {
	orders, err := s.store.List(ctx, ListFilter{Statuses: []Status{StatusAwaitingPayment}, Limit: reconcileBatch})
	if err != nil {
		return nil, err
	}

	res := &ReconcileResult{}
	for _, o := range orders {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Checked++

		_, paid, err := s.VerifyPayment(ctx, o.ID)
		switch {
		case err != nil && (gateway.IsFailure(err) || gateway.IsDeclined(err)):
			res.Failed++
			continue
		case errors.Is(err, ErrNotFound):
			continue
		case err != nil:
			res.Failed++
			s.logger.Warn("reconcile: verify failed", "order_id", o.ID, "error", err)
			continue
		case paid:
			res.Paid++
			continue
		}

		if o.InvoiceExpiresAt != nil && s.now().After(*o.InvoiceExpiresAt) {
			if _, applied, err := s.ExpireInvoice(ctx, PaymentNotice{OrderID: o.ID}); err != nil {
				res.Failed++
				s.logger.Warn("reconcile: expire failed", "order_id", o.ID, "error", err)
			} else if applied {
				res.Expired++
			}
		}
	}
	if res.Paid > 0 || res.Expired > 0 || res.Failed > 0 {
		s.logger.Info("payments reconciled", "checked", res.Checked, "paid", res.Paid, "expired", res.Expired, "failed", res.Failed)
	}
	return res, nil
}
