// Package gateway is the boundary to the payment provider that holds escrowed
// funds. Every operation returns an explicit result or an error wrapping
// ErrProviderFailure (unreachable, timed out, unreadable: outcome unknown) or
// ErrProviderDeclined (the provider definitively refused this attempt).
// A failure never means "not paid".
package gateway

import (
	"context"
	"errors"
	"time"
)

var (
	ErrProviderFailure  = errors.New("payment provider failure")
	ErrProviderDeclined = errors.New("payment provider declined")
)

// Operation names, used as metric labels and circuit breaker keys.
const (
	OpCreateInvoice          = "create_invoice"
	OpCreateLightningInvoice = "create_lightning_invoice"
	OpVerifyPayment          = "verify_payment"
	OpSendFunds              = "send_funds"
	OpSendLightning          = "send_lightning"
	OpWalletBalance          = "wallet_balance"
)

// PaymentStatus is the confirmed state of an invoice.
type PaymentStatus string

const (
	StatusPaid    PaymentStatus = "paid"
	StatusNotPaid PaymentStatus = "not_paid"
)

// InvoiceRequest asks for an on-chain invoice.
type InvoiceRequest struct {
	AmountSats    int64
	Description   string
	CustomerEmail string
	CallbackURL   string
	SuccessURL    string
	Metadata      map[string]string // order_id and delivery_address travel back on webhooks
}

// Invoice is a created on-chain invoice.
type Invoice struct {
	ID        string
	HostedURL string
}

// LightningInvoiceRequest asks for a BOLT11 invoice.
type LightningInvoiceRequest struct {
	AmountSats  int64
	Description string
	Expiry      time.Duration
}

// LightningInvoice is a created Lightning invoice.
type LightningInvoice struct {
	PaymentRequest string
	PaymentHash    string
	ExpiresAt      time.Time
}

// PaymentRef identifies what to verify: an invoice id, or a payment hash
// when Lightning is set.
type PaymentRef struct {
	Reference string
	Lightning bool
}

// SendRequest moves funds on-chain out of the escrow wallet.
type SendRequest struct {
	AmountSats  int64
	Address     string
	Description string
	Reference   string // idempotency key, e.g. "ord_x:release"
}

// LightningPayment pays a BOLT11 invoice out of the escrow wallet.
type LightningPayment struct {
	PaymentRequest string
	AmountSats     int64 // 0 pays the amount encoded in the invoice
	Reference      string
}

// Transfer is a provider-acknowledged funds movement.
type Transfer struct {
	TxID string
}

// Balance is the escrow wallet balance.
type Balance struct {
	AvailableSats int64
}

// Gateway is the contract the escrow core consumes.
type Gateway interface {
	CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error)
	CreateLightningInvoice(ctx context.Context, req LightningInvoiceRequest) (*LightningInvoice, error)
	VerifyPayment(ctx context.Context, ref PaymentRef) (PaymentStatus, error)
	SendFunds(ctx context.Context, req SendRequest) (*Transfer, error)
	SendLightning(ctx context.Context, req LightningPayment) (*Transfer, error)
	WalletBalance(ctx context.Context) (*Balance, error)
}

// IsFailure reports whether err leaves the payment outcome unknown.
func IsFailure(err error) bool { return errors.Is(err, ErrProviderFailure) }

// IsDeclined reports whether the provider refused the operation.
func IsDeclined(err error) bool { return errors.Is(err, ErrProviderDeclined) }
