package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/holdpay/holdpay/internal/idgen"
	"github.com/holdpay/holdpay/internal/metrics"
	"github.com/holdpay/holdpay/internal/traces"
	"github.com/holdpay/holdpay/internal/validation"
)

const maxEvidence = 20

// ReportRequest contains the parameters for reporting a delivery issue.
type ReportRequest struct {
	IssueType   string   `json:"issue_type"`
	Description string   `json:"description"`
	Evidence    []string `json:"evidence"`
}

// ResolveRequest is an admin's decision on a dispute.
type ResolveRequest struct {
	Resolution Resolution `json:"resolution"`
	AdminNotes string     `json:"admin_notes"`
}

// ReportIssue opens a dispute and freezes the order until it is resolved.
func (s *Service) ReportIssue(ctx context.Context, id string, req ReportRequest) (order *Order, dispute *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ReportIssue", traces.OrderID(id))
	defer func() { traces.End(span, err) }()

	issue := strings.ToLower(strings.TrimSpace(req.IssueType))
	description := validation.SanitizeString(req.Description, 2000)
	if errs := validation.Validate(
		validation.OneOf("issue_type", issue, IssueTypes...),
		validation.Required("description", description),
	); len(errs) > 0 {
		return nil, nil, fmt.Errorf("%w: %s", ErrValidation, errs.Error())
	}
	if len(req.Evidence) > maxEvidence {
		return nil, nil, validationErr("at most %d evidence references", maxEvidence)
	}
	evidence := make([]string, 0, len(req.Evidence))
	for _, e := range req.Evidence {
		if e = strings.TrimSpace(e); e != "" {
			evidence = append(evidence, validation.SanitizeString(e, 500))
		}
	}

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if o.Status == StatusDisputed {
		return nil, nil, ErrDisputeExists
	}
	if _, err := s.store.GetDisputeByOrder(ctx, id); err == nil {
		return nil, nil, ErrDisputeExists
	} else if !errors.Is(err, ErrDisputeNotFound) {
		return nil, nil, err
	}

	from, err := s.transition(o, EventIssueReported, "report issue")
	if err != nil {
		return nil, nil, err
	}
	d := &Dispute{
		ID:          idgen.WithPrefix("dsp_"),
		OrderID:     o.ID,
		IssueType:   issue,
		Description: description,
		Evidence:    evidence,
		Status:      DisputeUnderReview,
		CreatedAt:   o.UpdatedAt,
	}
	if err := s.store.OpenDispute(ctx, o, d); err != nil {
		return nil, nil, fmt.Errorf("failed to open dispute: %w", err)
	}

	metrics.DisputesTotal.WithLabelValues(string(DisputeUnderReview)).Inc()
	s.stopJourney(id)
	s.logger.Info("dispute opened, escrow frozen", "order_id", id, "dispute_id", d.ID, "issue_type", issue, "from", from)
	s.changed(ctx, from, o, d)
	s.emit(ctx, Notification{Type: NotifyDisputeOpened, From: from, To: o.Status}, o, d)
	return o, d, nil
}

// ResolveDispute settles a dispute by refunding the buyer or paying the
// seller. Resolution is one-shot and commits only after the provider returns
// a transaction id; a failed transfer leaves the dispute under review.
func (s *Service) ResolveDispute(ctx context.Context, disputeID string, req ResolveRequest) (order *Order, dispute *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ResolveDispute", traces.DisputeID(disputeID))
	defer func() { traces.End(span, err) }()

	var ev Event
	switch req.Resolution {
	case ResolutionRefundBuyer:
		ev = EventRefundBuyer
	case ResolutionPaySeller:
		ev = EventPaySeller
	default:
		return nil, nil, validationErr("resolution must be refund_buyer or pay_seller")
	}
	notes := validation.SanitizeString(req.AdminNotes, 2000)

	found, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, nil, err
	}
	orderID := found.OrderID
	span.SetAttributes(traces.OrderID(orderID))

	p, from, err := s.prepareResolution(ctx, disputeID, orderID, ev)
	if err != nil {
		return nil, nil, err
	}

	txID, err := s.send(ctx, p)
	if err != nil {
		s.releaseSettlement(orderID)
		return nil, nil, err
	}

	ctx = context.WithoutCancel(ctx)
	unlock := s.locks.Lock(orderID)
	defer unlock()

	o, err := s.store.Get(ctx, orderID)
	if err == nil {
		dispute, err = s.store.GetDispute(ctx, disputeID)
	}
	if err != nil {
		s.logger.Error("CRITICAL: funds moved but dispute records unreadable", "order_id", orderID, "dispute_id", disputeID, "tx_id", txID, "error", err)
		s.releaseSettlement(orderID)
		return nil, nil, err
	}

	now := s.now()
	if err := applySettlement(o, from, ev, txID, now); err != nil {
		s.logger.Error("CRITICAL: settlement cannot be recorded", "order_id", orderID, "dispute_id", disputeID, "tx_id", txID, "error", err)
		return nil, nil, err
	}
	dispute.Resolution = req.Resolution
	dispute.ResolutionNotes = notes
	dispute.TxID = txID
	dispute.ResolvedAt = &now
	if ev == EventRefundBuyer {
		dispute.Status = DisputeResolvedRefund
	} else {
		dispute.Status = DisputeResolvedRelease
	}
	if err := s.commitWithRetry(ctx, "dispute resolution", orderID, txID, func(ctx context.Context) error {
		return s.store.ResolveDispute(ctx, o, dispute)
	}); err != nil {
		return nil, nil, err
	}
	s.releaseSettlement(orderID)

	if ev == EventPaySeller {
		s.observeEscrow(o)
	}
	metrics.DisputesTotal.WithLabelValues(string(dispute.Status)).Inc()
	s.logger.Info("dispute resolved", "order_id", orderID, "dispute_id", disputeID,
		"resolution", req.Resolution, "tx_id", txID)
	s.changed(ctx, from, o, dispute)
	s.emit(ctx, Notification{Type: NotifyDisputeResolved, From: from, To: o.Status}, o, dispute)
	return o, dispute, nil
}

// prepareResolution checks the resolution guard under the order lock and
// claims the settlement slot.
func (s *Service) prepareResolution(ctx context.Context, disputeID, orderID string, ev Event) (payout, Status, error) {
	unlock, err := s.lock(ctx, orderID)
	if err != nil {
		return payout{}, "", err
	}
	defer unlock()

	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return payout{}, "", err
	}
	if d.IsResolved() {
		return payout{}, "", ErrAlreadyResolved
	}
	if s.settlementInFlight(orderID) {
		return payout{}, "", ErrSettlementInProgress
	}
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return payout{}, "", err
	}
	if _, ok := Next(o.Status, ev); !ok {
		return payout{}, "", statusErr(o.Status, "resolve dispute")
	}

	p := payout{orderID: o.ID, amountSats: o.AmountSats}
	if ev == EventRefundBuyer {
		p.kind = settleRefund
		p.description = fmt.Sprintf("Refund for order %s", o.ID)
		if p.address, err = s.payoutAddress(ctx, o.BuyerID); err != nil {
			return payout{}, "", err
		}
	} else {
		if o.SellerID == "" {
			return payout{}, "", ErrSellerNotAssigned
		}
		p.kind = settleRelease
		p.description = fmt.Sprintf("Payment for order %s (dispute resolved)", o.ID)
		if p.address, err = s.payoutAddress(ctx, o.SellerID); err != nil {
			return payout{}, "", err
		}
	}

	if !s.claimSettlement(orderID) {
		return payout{}, "", ErrSettlementInProgress
	}
	return p, o.Status, nil
}

// GetDispute returns a dispute by id.
func (s *Service) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	return s.store.GetDispute(ctx, id)
}

// ListDisputes returns disputes, newest first, optionally by status.
func (s *Service) ListDisputes(ctx context.Context, status DisputeStatus, limit int) ([]*Dispute, error) {
	if status != "" && !status.Valid() {
		return nil, validationErr("unknown dispute status %q", status)
	}
	return s.store.ListDisputes(ctx, status, limit)
}
