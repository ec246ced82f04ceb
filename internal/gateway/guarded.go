package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/holdpay/holdpay/internal/circuitbreaker"
	"github.com/holdpay/holdpay/internal/metrics"
	"github.com/holdpay/holdpay/internal/retry"
	"github.com/holdpay/holdpay/internal/traces"
)

// Guarded wraps a Gateway with a per-call timeout, a circuit breaker per
// operation, metrics and tracing. Reads are retried; funds movements and
// invoice creation are attempted exactly once.
type Guarded struct {
	next    Gateway
	breaker *circuitbreaker.Breaker
	timeout time.Duration
	reads   retry.Policy
	logger  *slog.Logger
}

// GuardedOption configures a Guarded gateway.
type GuardedOption func(*Guarded)

// WithBreaker replaces the default breaker (5 failures, 30s cool-down).
func WithBreaker(b *circuitbreaker.Breaker) GuardedOption {
	return func(g *Guarded) { g.breaker = b }
}

// WithReadRetry sets the retry policy for VerifyPayment and WalletBalance.
func WithReadRetry(p retry.Policy) GuardedOption {
	return func(g *Guarded) { g.reads = p }
}

// NewGuarded wraps next.
func NewGuarded(next Gateway, timeout time.Duration, logger *slog.Logger, opts ...GuardedOption) *Guarded {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	g := &Guarded{
		next:    next,
		breaker: circuitbreaker.New(5, 30*time.Second),
		timeout: timeout,
		reads:   retry.Default,
		logger:  logger.With("component", "gateway"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CircuitState reports the breaker state for an operation.
func (g *Guarded) CircuitState(op string) circuitbreaker.State {
	return g.breaker.State(op)
}

func (g *Guarded) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	var out *Invoice
	err := g.call(ctx, OpCreateInvoice, false, func(ctx context.Context) error {
		var err error
		out, err = g.next.CreateInvoice(ctx, req)
		return err
	}, traces.AmountSats(req.AmountSats), traces.OrderID(req.Metadata["order_id"]))
	return out, err
}

func (g *Guarded) CreateLightningInvoice(ctx context.Context, req LightningInvoiceRequest) (*LightningInvoice, error) {
	var out *LightningInvoice
	err := g.call(ctx, OpCreateLightningInvoice, false, func(ctx context.Context) error {
		var err error
		out, err = g.next.CreateLightningInvoice(ctx, req)
		return err
	}, traces.AmountSats(req.AmountSats))
	return out, err
}

func (g *Guarded) VerifyPayment(ctx context.Context, ref PaymentRef) (PaymentStatus, error) {
	var out PaymentStatus
	err := g.call(ctx, OpVerifyPayment, true, func(ctx context.Context) error {
		var err error
		out, err = g.next.VerifyPayment(ctx, ref)
		return err
	})
	return out, err
}

func (g *Guarded) SendFunds(ctx context.Context, req SendRequest) (*Transfer, error) {
	var out *Transfer
	err := g.call(ctx, OpSendFunds, false, func(ctx context.Context) error {
		var err error
		out, err = g.next.SendFunds(ctx, req)
		return err
	}, traces.AmountSats(req.AmountSats))
	return out, err
}

func (g *Guarded) SendLightning(ctx context.Context, req LightningPayment) (*Transfer, error) {
	var out *Transfer
	err := g.call(ctx, OpSendLightning, false, func(ctx context.Context) error {
		var err error
		out, err = g.next.SendLightning(ctx, req)
		return err
	}, traces.AmountSats(req.AmountSats))
	return out, err
}

func (g *Guarded) WalletBalance(ctx context.Context) (*Balance, error) {
	var out *Balance
	err := g.call(ctx, OpWalletBalance, true, func(ctx context.Context) error {
		var err error
		out, err = g.next.WalletBalance(ctx)
		return err
	})
	return out, err
}

func (g *Guarded) call(ctx context.Context, op string, idempotent bool, fn func(context.Context) error, attrs ...attribute.KeyValue) (err error) {
	ctx, span := traces.StartSpan(ctx, "gateway."+op, append(attrs, traces.Operation(op))...)
	start := time.Now()
	defer func() {
		metrics.GatewayRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		metrics.GatewayRequestsTotal.WithLabelValues(op, resultLabel(err)).Inc()
		traces.End(span, err)
	}()

	attempt := func(ctx context.Context) error {
		err := g.breaker.Execute(op, countsAgainstCircuit, func() error {
			callCtx, cancel := context.WithTimeout(ctx, g.timeout)
			defer cancel()
			return normalize(callCtx, fn(callCtx))
		})
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(fmt.Errorf("%w: %s circuit open", ErrProviderFailure, op))
		}
		if IsDeclined(err) {
			return retry.Permanent(err)
		}
		return err
	}

	if idempotent {
		err = g.reads.Do(ctx, attempt)
	} else {
		err = attempt(ctx)
		var pe *retry.PermanentError
		if errors.As(err, &pe) {
			err = pe.Err
		}
	}
	if err != nil && !IsDeclined(err) && !IsFailure(err) {
		err = fmt.Errorf("%w: %v", ErrProviderFailure, err) // caller context ended during backoff
	}
	if err != nil {
		g.logger.Warn("payment provider call failed", "op", op, "error", err)
	}
	return err
}

// normalize classifies anything the provider client did not (timeouts,
// cancellation, unexpected errors) as ErrProviderFailure.
func normalize(ctx context.Context, err error) error {
	if err == nil || IsDeclined(err) || IsFailure(err) {
		return err
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrProviderFailure, ctx.Err())
	}
	return fmt.Errorf("%w: %v", ErrProviderFailure, err)
}

func countsAgainstCircuit(err error) bool {
	return !IsDeclined(err)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsDeclined(err):
		return "declined"
	default:
		return "failure"
	}
}
