// Package escrow holds delivery orders whose payment sits with the provider
// until the buyer confirms delivery or an admin resolves a dispute.
//
// Flow:
//  1. Order created → provider invoice issued (awaiting_payment)
//  2. Provider reports invoice.paid → funds held (in_escrow)
//  3. Rider journey → picked_up → in_transit → delivered
//  4. Buyer confirms → funds sent to seller (completed)
//  5. Buyer reports an issue → disputed → admin refunds buyer or pays seller
package escrow

import (
	"encoding/json"
	"time"

	"github.com/holdpay/holdpay/internal/sats"
)

// Status is an order's position in the state machine.
type Status string

const (
	StatusPending         Status = "pending"
	StatusAwaitingPayment Status = "awaiting_payment"
	StatusInEscrow        Status = "in_escrow"
	StatusPickedUp        Status = "picked_up"
	StatusInTransit       Status = "in_transit"
	StatusDelivered       Status = "delivered"
	StatusDisputed        Status = "disputed"
	StatusCompleted       Status = "completed" // terminal
	StatusCancelled       Status = "cancelled" // terminal
	StatusRefunded        Status = "refunded"  // terminal
)

// AllStatuses lists every state in lifecycle order.
var AllStatuses = []Status{
	StatusPending, StatusAwaitingPayment, StatusInEscrow, StatusPickedUp,
	StatusInTransit, StatusDelivered, StatusDisputed,
	StatusCompleted, StatusCancelled, StatusRefunded,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// IsTerminal returns true for states no event can leave.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// IsFunded reports whether the provider holds the buyer's payment.
func (s Status) IsFunded() bool {
	switch s {
	case StatusInEscrow, StatusPickedUp, StatusInTransit, StatusDelivered, StatusDisputed:
		return true
	}
	return false
}

// PaymentMethod selects the invoice kind.
type PaymentMethod string

const (
	MethodBitcoin   PaymentMethod = "bitcoin"
	MethodLightning PaymentMethod = "lightning"
)

// Valid reports whether m is a supported payment method.
func (m PaymentMethod) Valid() bool {
	return m == MethodBitcoin || m == MethodLightning
}

// Order is a delivery order and the escrowed payment behind it.
type Order struct {
	ID               string        `json:"id"`
	AmountSats       int64         `json:"amountSats"`
	PaymentMethod    PaymentMethod `json:"paymentMethod"`
	InvoiceID        string        `json:"invoiceId,omitempty"` // payment hash for lightning
	PaymentURL       string        `json:"paymentUrl,omitempty"`
	LightningInvoice string        `json:"lightningInvoice,omitempty"`
	InvoiceExpiresAt *time.Time    `json:"invoiceExpiresAt,omitempty"`
	Description      string        `json:"description"`
	DeliveryAddress  string        `json:"deliveryAddress"`
	RecipientName    string        `json:"recipientName"`
	RecipientPhone   string        `json:"recipientPhone"`
	CustomerEmail    string        `json:"customerEmail,omitempty"`
	RiderName        string        `json:"riderName,omitempty"`
	RiderPhone       string        `json:"riderPhone,omitempty"`
	RiderWhatsapp    string        `json:"riderWhatsapp,omitempty"`
	DriverID         string        `json:"driverId,omitempty"`
	BuyerID          string        `json:"buyerId"`
	SellerID         string        `json:"sellerId,omitempty"`
	Status           Status        `json:"status"`
	ReleaseTxID      string        `json:"releaseTxId,omitempty"`
	RefundTxID       string        `json:"refundTxId,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
	PaidAt           *time.Time    `json:"paidAt,omitempty"`
	PickedUpAt       *time.Time    `json:"pickedUpAt,omitempty"`
	InTransitAt      *time.Time    `json:"inTransitAt,omitempty"`
	DeliveredAt      *time.Time    `json:"deliveredAt,omitempty"`
	CompletedAt      *time.Time    `json:"completedAt,omitempty"`
	CancelledAt      *time.Time    `json:"cancelledAt,omitempty"`
	RefundedAt       *time.Time    `json:"refundedAt,omitempty"`
	DisputedAt       *time.Time    `json:"disputedAt,omitempty"`
}

// MarshalJSON adds the BTC decimal rendering of the amount.
func (o Order) MarshalJSON() ([]byte, error) {
	type plain Order
	return json.Marshal(struct {
		plain
		Amount string `json:"amount"`
	}{plain(o), sats.Format(o.AmountSats)})
}

// IsTerminal returns true if the order is in a final state.
func (o *Order) IsTerminal() bool {
	return o.Status.IsTerminal()
}

func (o *Order) clone() *Order {
	cp := *o
	return &cp
}

// stamp sets the timestamp belonging to the status just entered.
func (o *Order) stamp(status Status, at time.Time) {
	t := at
	switch status {
	case StatusInEscrow:
		o.PaidAt = &t
	case StatusPickedUp:
		o.PickedUpAt = &t
	case StatusInTransit:
		o.InTransitAt = &t
	case StatusDelivered:
		o.DeliveredAt = &t
	case StatusCompleted:
		o.CompletedAt = &t
	case StatusCancelled:
		o.CancelledAt = &t
	case StatusRefunded:
		o.RefundedAt = &t
	case StatusDisputed:
		o.DisputedAt = &t
	}
	o.Status = status
	o.UpdatedAt = at
}

// DisputeStatus tracks a dispute through review.
type DisputeStatus string

const (
	DisputeUnderReview     DisputeStatus = "under_review"
	DisputeResolvedRefund  DisputeStatus = "resolved_refund"
	DisputeResolvedRelease DisputeStatus = "resolved_release"
)

// Valid reports whether s is a known dispute status.
func (s DisputeStatus) Valid() bool {
	switch s {
	case DisputeUnderReview, DisputeResolvedRefund, DisputeResolvedRelease:
		return true
	}
	return false
}

// Resolution is the admin decision closing a dispute.
type Resolution string

const (
	ResolutionRefundBuyer Resolution = "refund_buyer"
	ResolutionPaySeller   Resolution = "pay_seller"
)

// Issue types a buyer can report.
const (
	IssueWrongProduct = "wrong_product"
	IssueNotDelivered = "not_delivered"
	IssueDamaged      = "damaged"
	IssueLate         = "late_delivery"
	IssueOther        = "other"
)

// IssueTypes lists the accepted issue types.
var IssueTypes = []string{IssueWrongProduct, IssueNotDelivered, IssueDamaged, IssueLate, IssueOther}

// Dispute freezes an order until an admin resolves it. One per order.
type Dispute struct {
	ID              string        `json:"id"`
	OrderID         string        `json:"orderId"`
	IssueType       string        `json:"issueType"`
	Description     string        `json:"description"`
	Evidence        []string      `json:"evidence"`
	Status          DisputeStatus `json:"status"`
	Resolution      Resolution    `json:"resolution,omitempty"`
	ResolutionNotes string        `json:"resolutionNotes,omitempty"`
	TxID            string        `json:"txId,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	ResolvedAt      *time.Time    `json:"resolvedAt,omitempty"`
}

// IsResolved returns true once the dispute has left review.
func (d *Dispute) IsResolved() bool {
	return d.Status != DisputeUnderReview
}

func (d *Dispute) clone() *Dispute {
	cp := *d
	if d.Evidence != nil {
		cp.Evidence = make([]string, len(d.Evidence))
		copy(cp.Evidence, d.Evidence)
	}
	return &cp
}
