package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/holdpay/holdpay/internal/idgen"
)

// Sandbox is an in-process Gateway used in development and tests. Invoices
// stay unpaid until MarkPaid; sends draw down a simulated wallet balance.
type Sandbox struct {
	mu       sync.Mutex
	baseURL  string
	balance  int64
	invoices map[string]*sandboxInvoice // by invoice id or payment hash
	sent     []SentPayment
	failNext map[string][]error
	now      func() time.Time
}

type sandboxInvoice struct {
	amountSats int64
	paid       bool
	expiresAt  time.Time
}

// SentPayment records a funds movement made through the sandbox.
type SentPayment struct {
	Op          string
	AmountSats  int64
	Destination string
	Reference   string
	TxID        string
}

// NewSandbox creates a sandbox wallet holding initialSats.
func NewSandbox(baseURL string, initialSats int64) *Sandbox {
	return &Sandbox{
		baseURL:  strings.TrimRight(baseURL, "/"),
		balance:  initialSats,
		invoices: make(map[string]*sandboxInvoice),
		failNext: make(map[string][]error),
		now:      time.Now,
	}
}

// FailNext makes the next call to op return err.
func (s *Sandbox) FailNext(op string, err error) {
	s.mu.Lock()
	s.failNext[op] = append(s.failNext[op], err)
	s.mu.Unlock()
}

// MarkPaid settles an invoice (by id or payment hash) into the wallet.
func (s *Sandbox) MarkPaid(ref string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[ref]
	if !ok {
		return false
	}
	if !inv.paid {
		inv.paid = true
		s.balance += inv.amountSats
	}
	return true
}

// Sent returns a copy of all recorded funds movements.
func (s *Sandbox) Sent() []SentPayment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SentPayment, len(s.sent))
	copy(out, s.sent)
	return out
}

// caller holds s.mu
func (s *Sandbox) injected(op string) error {
	q := s.failNext[op]
	if len(q) == 0 {
		return nil
	}
	err := q[0]
	s.failNext[op] = q[1:]
	return err
}

func (s *Sandbox) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(OpCreateInvoice); err != nil {
		return nil, err
	}
	if req.AmountSats <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrProviderDeclined)
	}
	id := idgen.WithPrefix("inv_")
	s.invoices[id] = &sandboxInvoice{amountSats: req.AmountSats}
	return &Invoice{ID: id, HostedURL: s.baseURL + "/pay/" + id}, nil
}

func (s *Sandbox) CreateLightningInvoice(ctx context.Context, req LightningInvoiceRequest) (*LightningInvoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(OpCreateLightningInvoice); err != nil {
		return nil, err
	}
	if req.AmountSats <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrProviderDeclined)
	}
	expiry := req.Expiry
	if expiry <= 0 {
		expiry = time.Hour
	}
	hash := idgen.Hex(32) + idgen.Hex(32)
	expiresAt := s.now().Add(expiry).UTC()
	s.invoices[hash] = &sandboxInvoice{amountSats: req.AmountSats, expiresAt: expiresAt}
	return &LightningInvoice{
		PaymentRequest: fmt.Sprintf("lntbs%dn1%s", req.AmountSats*10, hash[:32]),
		PaymentHash:    hash,
		ExpiresAt:      expiresAt,
	}, nil
}

func (s *Sandbox) VerifyPayment(ctx context.Context, ref PaymentRef) (PaymentStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(OpVerifyPayment); err != nil {
		return "", err
	}
	inv, ok := s.invoices[ref.Reference]
	if !ok {
		return "", fmt.Errorf("%w: unknown invoice %q", ErrProviderDeclined, ref.Reference)
	}
	if inv.paid {
		return StatusPaid, nil
	}
	return StatusNotPaid, nil
}

func (s *Sandbox) SendFunds(ctx context.Context, req SendRequest) (*Transfer, error) {
	return s.send(OpSendFunds, req.AmountSats, req.Address, req.Reference)
}

func (s *Sandbox) SendLightning(ctx context.Context, req LightningPayment) (*Transfer, error) {
	return s.send(OpSendLightning, req.AmountSats, req.PaymentRequest, req.Reference)
}

func (s *Sandbox) send(op string, amount int64, dest, reference string) (*Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(op); err != nil {
		return nil, err
	}
	// a repeated reference returns the original transfer
	if reference != "" {
		for _, p := range s.sent {
			if p.Reference == reference {
				return &Transfer{TxID: p.TxID}, nil
			}
		}
	}
	if dest == "" {
		return nil, fmt.Errorf("%w: destination required", ErrProviderDeclined)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrProviderDeclined)
	}
	if amount > s.balance {
		return nil, fmt.Errorf("%w: insufficient balance", ErrProviderDeclined)
	}
	s.balance -= amount
	txID := idgen.Hex(32) + idgen.Hex(32)
	s.sent = append(s.sent, SentPayment{Op: op, AmountSats: amount, Destination: dest, Reference: reference, TxID: txID})
	return &Transfer{TxID: txID}, nil
}

func (s *Sandbox) WalletBalance(ctx context.Context) (*Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(OpWalletBalance); err != nil {
		return nil, err
	}
	return &Balance{AvailableSats: s.balance}, nil
}
