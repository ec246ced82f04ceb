package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/holdpay/holdpay/internal/sats"
)

const maxResponseSize = 1 << 20

// BitnobConfig configures the HTTP client.
type BitnobConfig struct {
	BaseURL string // e.g. https://sandboxapi.bitnob.co/api/v1
	APIKey  string
	Timeout time.Duration
}

// Bitnob talks to the Bitnob REST API.
type Bitnob struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewBitnob creates a Bitnob client.
func NewBitnob(cfg BitnobConfig) *Bitnob {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Bitnob{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// envelope is the common Bitnob response wrapper.
type envelope struct {
	Status  *bool           `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// btcAmount accepts a BTC amount encoded either as a JSON string or number.
type btcAmount int64

func (a *btcAmount) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*a = 0
		return nil
	}
	v, ok := sats.Parse(s)
	if !ok {
		return fmt.Errorf("invalid btc amount %q", s)
	}
	*a = btcAmount(v)
	return nil
}

func (b *Bitnob) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	payload := map[string]any{
		"description":   req.Description,
		"amount":        sats.Format(req.AmountSats),
		"currency":      "BTC",
		"customerEmail": req.CustomerEmail,
		"callbackUrl":   req.CallbackURL,
		"successUrl":    req.SuccessURL,
		"metadata":      req.Metadata,
	}
	var out struct {
		ID        string `json:"id"`
		HostedURL string `json:"hostedUrl"`
	}
	if err := b.do(ctx, http.MethodPost, "/invoices", payload, "", &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, fmt.Errorf("%w: invoice created without id", ErrProviderFailure)
	}
	return &Invoice{ID: out.ID, HostedURL: out.HostedURL}, nil
}

func (b *Bitnob) CreateLightningInvoice(ctx context.Context, req LightningInvoiceRequest) (*LightningInvoice, error) {
	expiry := req.Expiry
	if expiry <= 0 {
		expiry = time.Hour
	}
	payload := map[string]any{
		"amount":      req.AmountSats,
		"description": req.Description,
		"expiry":      int64(expiry.Seconds()),
	}
	var out struct {
		PaymentRequest string `json:"payment_request"`
		PaymentHash    string `json:"payment_hash"`
	}
	requested := time.Now()
	if err := b.do(ctx, http.MethodPost, "/wallets/ln/createinvoice", payload, "", &out); err != nil {
		return nil, err
	}
	if out.PaymentRequest == "" || out.PaymentHash == "" {
		return nil, fmt.Errorf("%w: lightning invoice missing payment request or hash", ErrProviderFailure)
	}
	return &LightningInvoice{
		PaymentRequest: out.PaymentRequest,
		PaymentHash:    out.PaymentHash,
		ExpiresAt:      requested.Add(expiry).UTC(),
	}, nil
}

func (b *Bitnob) VerifyPayment(ctx context.Context, ref PaymentRef) (PaymentStatus, error) {
	if ref.Reference == "" {
		return "", fmt.Errorf("%w: empty payment reference", ErrProviderDeclined)
	}
	path := "/invoices/" + url.PathEscape(ref.Reference)
	if ref.Lightning {
		path = "/wallets/ln/lookup/" + url.PathEscape(ref.Reference)
	}
	var out struct {
		Status  string `json:"status"`
		Settled *bool  `json:"settled"`
	}
	if err := b.do(ctx, http.MethodGet, path, nil, "", &out); err != nil {
		return "", err
	}
	switch strings.ToLower(out.Status) {
	case "paid", "success", "successful", "completed", "settled":
		return StatusPaid, nil
	case "pending", "unpaid", "open", "expired":
		return StatusNotPaid, nil
	}
	if out.Settled != nil {
		if *out.Settled {
			return StatusPaid, nil
		}
		return StatusNotPaid, nil
	}
	// Only an explicit unpaid answer counts as not paid.
	return "", fmt.Errorf("%w: unrecognised payment status %q", ErrProviderFailure, out.Status)
}

func (b *Bitnob) SendFunds(ctx context.Context, req SendRequest) (*Transfer, error) {
	payload := map[string]any{
		"amount":      sats.Format(req.AmountSats),
		"address":     req.Address,
		"description": req.Description,
		"priority":    "medium",
		"reference":   req.Reference,
	}
	return b.send(ctx, "/wallets/send", payload, req.Reference)
}

func (b *Bitnob) SendLightning(ctx context.Context, req LightningPayment) (*Transfer, error) {
	payload := map[string]any{
		"payment_request": req.PaymentRequest,
		"reference":       req.Reference,
	}
	if req.AmountSats > 0 {
		payload["amount"] = req.AmountSats
	}
	return b.send(ctx, "/wallets/ln/sendpayment", payload, req.Reference)
}

func (b *Bitnob) send(ctx context.Context, path string, payload map[string]any, reference string) (*Transfer, error) {
	var out struct {
		TxID string `json:"txid"`
		ID   string `json:"id"`
	}
	if err := b.do(ctx, http.MethodPost, path, payload, reference, &out); err != nil {
		return nil, err
	}
	// no txid, no acknowledgement
	if out.TxID == "" {
		return nil, fmt.Errorf("%w: transfer acknowledged without txid (id=%q)", ErrProviderFailure, out.ID)
	}
	return &Transfer{TxID: out.TxID}, nil
}

func (b *Bitnob) WalletBalance(ctx context.Context) (*Balance, error) {
	var out struct {
		BTC struct {
			Available btcAmount `json:"available"`
		} `json:"btc"`
	}
	if err := b.do(ctx, http.MethodGet, "/wallets/balance", nil, "", &out); err != nil {
		return nil, err
	}
	return &Balance{AvailableSats: int64(out.BTC.Available)}, nil
}

// do performs one request and decodes the envelope's data into out.
// Transport errors, 5xx, 429 and unreadable bodies are failures; other 4xx
// and status=false envelopes are declines.
func (b *Bitnob) do(ctx context.Context, method, path string, body any, idempotencyKey string, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+b.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrProviderFailure, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrProviderFailure, err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s %s returned HTTP %d", ErrProviderFailure, method, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		msg := env.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("%w: %s", ErrProviderDeclined, msg)
	case decodeErr != nil:
		return fmt.Errorf("%w: decode response: %v", ErrProviderFailure, decodeErr)
	case env.Status != nil && !*env.Status:
		return fmt.Errorf("%w: %s", ErrProviderDeclined, env.Message)
	}

	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%w: unexpected data shape: %v", ErrProviderFailure, err)
	}
	return nil
}
