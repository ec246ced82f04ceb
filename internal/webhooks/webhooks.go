// Package webhooks receives payment callbacks from the Bitnob gateway.
//
// Bitnob posts invoice events as JSON. When a secret is configured every
// request must carry X-Bitnob-Signature, the hex HMAC-SHA512 of the raw
// body keyed by that secret.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"

	"github.com/holdpay/holdpay/internal/escrow"
)

// SignatureHeader carries the body signature.
const SignatureHeader = "X-Bitnob-Signature"

// EventInvoicePaid is the only confirmation event acted on.
const EventInvoicePaid = "invoice.paid"

var (
	ErrMissingSignature = errors.New("missing signature")
	ErrBadSignature     = errors.New("signature mismatch")
	ErrMalformed        = errors.New("malformed payload")
)

// Payload is the provider's event envelope.
type Payload struct {
	Event string      `json:"event"`
	Data  PayloadData `json:"data"`
}

// PayloadData identifies the invoice. On-chain invoices use invoice_id or
// id; lightning invoices are identified by payment_hash.
type PayloadData struct {
	InvoiceID   string         `json:"invoice_id"`
	ID          string         `json:"id"`
	PaymentHash string         `json:"payment_hash"`
	Reference   string         `json:"reference"`
	Metadata    map[string]any `json:"metadata"` // values may be any JSON type
}

// meta returns a string metadata value, or "" when absent or not a string.
func (d PayloadData) meta(key string) string {
	v, _ := d.Metadata[key].(string)
	return v
}

// Notice maps the payload to an escrow payment notice.
func (p *Payload) Notice() escrow.PaymentNotice {
	invoice := p.Data.InvoiceID
	if invoice == "" {
		invoice = p.Data.ID
	}
	if invoice == "" {
		invoice = p.Data.PaymentHash
	}
	return escrow.PaymentNotice{
		OrderID:   p.Data.meta("order_id"),
		InvoiceID: invoice,
	}
}

// Parse decodes a raw webhook body.
func Parse(body []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, ErrMalformed
	}
	return &p, nil
}

// Sign returns the hex HMAC-SHA512 of body.
func Sign(body []byte, secret string) string {
	h := hmac.New(sha512.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks signature against body. An empty secret disables checking.
func Verify(body []byte, signature, secret string) error {
	if secret == "" {
		return nil
	}
	if signature == "" {
		return ErrMissingSignature
	}
	expected := Sign(body, secret)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
		return ErrBadSignature
	}
	return nil
}
