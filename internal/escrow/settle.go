package escrow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/holdpay/holdpay/internal/gateway"
	"github.com/holdpay/holdpay/internal/metrics"
	"github.com/holdpay/holdpay/internal/traces"
)

const (
	settleRelease = "release"
	settleRefund  = "refund"
)

// payout is a funds movement decided under the order lock and executed
// after it is released.
type payout struct {
	kind             string
	orderID          string
	amountSats       int64
	address          string
	lightningInvoice string
	description      string
}

// reference is the idempotency key the provider sees for this decision.
func (p payout) reference() string {
	return p.orderID + ":" + p.kind
}

// send performs the single attempt for a payout and returns the provider
// txId. Errors wrap gateway.ErrProviderFailure or gateway.ErrProviderDeclined.
func (s *Service) send(ctx context.Context, p payout) (txID string, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.settle."+p.kind, traces.OrderID(p.orderID), traces.AmountSats(p.amountSats))
	defer func() {
		traces.End(span, err)
		result := "success"
		switch {
		case gateway.IsDeclined(err):
			result = "declined"
		case err != nil:
			result = "failed"
		}
		metrics.SettlementsTotal.WithLabelValues(p.kind, result).Inc()
		if err == nil {
			metrics.SettledSatsTotal.WithLabelValues(p.kind).Add(float64(p.amountSats))
		}
	}()

	var tr *gateway.Transfer
	if p.lightningInvoice != "" {
		tr, err = s.gateway.SendLightning(ctx, gateway.LightningPayment{
			PaymentRequest: p.lightningInvoice,
			AmountSats:     p.amountSats,
			Reference:      p.reference(),
		})
	} else {
		tr, err = s.gateway.SendFunds(ctx, gateway.SendRequest{
			AmountSats:  p.amountSats,
			Address:     p.address,
			Description: p.description,
			Reference:   p.reference(),
		})
	}
	if err != nil {
		s.logger.Warn("settlement failed", "order_id", p.orderID, "kind", p.kind, "error", err)
		return "", fmt.Errorf("%s funds for order %s: %w", p.kind, p.orderID, err)
	}
	if tr == nil || strings.TrimSpace(tr.TxID) == "" {
		return "", fmt.Errorf("%s funds for order %s: %w: no transaction id", p.kind, p.orderID, gateway.ErrProviderFailure)
	}
	return tr.TxID, nil
}

// payoutAddress resolves a user's on-chain destination.
func (s *Service) payoutAddress(ctx context.Context, userID string) (string, error) {
	addr, err := s.users.PayoutAddress(ctx, userID)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(addr) == "" {
		return "", fmt.Errorf("%w for user %s", ErrMissingPayoutAddress, userID)
	}
	return addr, nil
}

// ConfirmRequest is the buyer's delivery confirmation.
type ConfirmRequest struct {
	// SellerLightningInvoice pays a lightning order's seller over Lightning
	// instead of on-chain.
	SellerLightningInvoice string `json:"seller_lightning_invoice"`
}

// ConfirmDelivery releases escrowed funds to the seller and completes the
// order. The guard is checked and a settlement slot claimed under the order
// lock; the provider call runs unlocked; the result is committed under the
// lock again. A failed send leaves the order as it was.
func (s *Service) ConfirmDelivery(ctx context.Context, id string, req ConfirmRequest) (order *Order, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ConfirmDelivery", traces.OrderID(id))
	defer func() { traces.End(span, err) }()

	p, from, err := s.prepareRelease(ctx, id, req)
	if err != nil {
		return nil, err
	}

	txID, err := s.send(ctx, p)
	if err != nil {
		s.releaseSettlement(id)
		return nil, err
	}

	// Funds have moved; commit even if the caller has gone away.
	ctx = context.WithoutCancel(ctx)
	unlock := s.locks.Lock(id)
	defer unlock()

	o, err := s.store.Get(ctx, id)
	if err != nil {
		s.logger.Error("CRITICAL: funds released but order vanished", "order_id", id, "tx_id", txID, "error", err)
		s.releaseSettlement(id)
		return nil, err
	}
	if o.Status != from {
		s.logger.Error("CRITICAL: order changed during settlement", "order_id", id, "expected", from, "actual", o.Status, "tx_id", txID)
	}
	if err := applySettlement(o, from, EventConfirmDelivery, txID, s.now()); err != nil {
		s.logger.Error("CRITICAL: settlement cannot be recorded", "order_id", id, "tx_id", txID, "error", err)
		return nil, err
	}
	if err := s.commitWithRetry(ctx, "order completion", id, txID, func(ctx context.Context) error {
		return s.store.Update(ctx, o)
	}); err != nil {
		// the claim stays: no further transition until the record is repaired
		return nil, err
	}
	s.releaseSettlement(id)

	s.observeEscrow(o)
	s.stopJourney(id)
	s.logger.Info("delivery confirmed, funds released", "order_id", id, "tx_id", txID, "amount_sats", o.AmountSats)
	s.changed(ctx, from, o, nil)
	s.emit(ctx, Notification{Type: NotifyDeliveryConfirmed, From: from, To: o.Status}, o, nil)
	return o, nil
}

// applySettlement moves o along a money-moving event. The provider
// transaction id must already be known; a settled order without one cannot
// be reconciled against the provider.
func applySettlement(o *Order, from Status, ev Event, txID string, now time.Time) error {
	if !movesMoney(ev) {
		return fmt.Errorf("%w: %s does not settle an order", ErrGuard, ev)
	}
	if txID == "" {
		return fmt.Errorf("%w: no transaction id for %s", gateway.ErrProviderFailure, ev)
	}
	to, ok := Next(from, ev)
	if !ok {
		return statusErr(from, string(ev))
	}
	o.stamp(to, now)
	if ev == EventRefundBuyer {
		o.RefundTxID = txID
	} else {
		o.ReleaseTxID = txID
	}
	return nil
}

// prepareRelease validates confirm-delivery under the lock and claims the
// settlement slot. On success the caller owns the claim.
func (s *Service) prepareRelease(ctx context.Context, id string, req ConfirmRequest) (payout, Status, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return payout{}, "", err
	}
	defer unlock()

	o, err := s.store.Get(ctx, id)
	if err != nil {
		return payout{}, "", err
	}
	if s.settlementInFlight(id) {
		return payout{}, "", ErrSettlementInProgress
	}
	if _, ok := Next(o.Status, EventConfirmDelivery); !ok {
		return payout{}, "", statusErr(o.Status, "confirm delivery")
	}
	if o.SellerID == "" {
		return payout{}, "", ErrSellerNotAssigned
	}

	p := payout{
		kind:        settleRelease,
		orderID:     o.ID,
		amountSats:  o.AmountSats,
		description: fmt.Sprintf("Payment for order %s", o.ID),
	}
	invoice := strings.TrimSpace(req.SellerLightningInvoice)
	if invoice != "" && o.PaymentMethod != MethodLightning {
		return payout{}, "", validationErr("seller_lightning_invoice is only accepted for lightning orders")
	}
	if invoice != "" {
		p.lightningInvoice = invoice
	} else {
		addr, err := s.payoutAddress(ctx, o.SellerID)
		if err != nil {
			return payout{}, "", err
		}
		p.address = addr
	}

	if !s.claimSettlement(id) {
		return payout{}, "", ErrSettlementInProgress
	}
	return p, o.Status, nil
}

func (s *Service) observeEscrow(o *Order) {
	if o.PaidAt == nil {
		return
	}
	if d := s.now().Sub(*o.PaidAt); d > 0 {
		metrics.EscrowDuration.Observe(d.Seconds())
	}
}
