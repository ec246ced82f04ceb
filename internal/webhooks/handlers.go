package webhooks

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/holdpay/holdpay/internal/escrow"
	"github.com/holdpay/holdpay/internal/metrics"
)

// maxBodyBytes bounds a webhook body.
const maxBodyBytes = 1 << 20

// Response statuses.
const (
	statusSuccess          = "success"
	statusOrderNotFound    = "order_not_found"
	statusEventNotHandled  = "event_not_handled"
	statusIgnored          = "ignored"
	statusError            = "error"
	statusInvalidSignature = "invalid_signature"
)

// Payments applies provider events to orders.
type Payments interface {
	MarkPaid(ctx context.Context, n escrow.PaymentNotice) (*escrow.Order, bool, error)
	ExpireInvoice(ctx context.Context, n escrow.PaymentNotice) (*escrow.Order, bool, error)
}

// Handler receives provider webhooks.
type Handler struct {
	payments Payments
	secret   string
	logger   *slog.Logger
}

// NewHandler creates a webhook handler. An empty secret skips signature
// verification.
func NewHandler(payments Payments, secret string, logger *slog.Logger) *Handler {
	return &Handler{
		payments: payments,
		secret:   secret,
		logger:   logger.With("component", "webhooks"),
	}
}

// RegisterRoutes sets up routes under /webhook.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payment-confirmed", h.PaymentConfirmed)
	r.POST("/payment-expired", h.PaymentExpired)
}

// PaymentConfirmed handles POST /webhook/payment-confirmed
func (h *Handler) PaymentConfirmed(c *gin.Context) {
	p, ok := h.read(c, "payment_confirmed")
	if !ok {
		return
	}
	if p.Event != EventInvoicePaid {
		h.reply(c, p.Event, http.StatusOK, gin.H{"status": statusEventNotHandled})
		return
	}

	order, applied, err := h.payments.MarkPaid(c.Request.Context(), p.Notice())
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		h.logger.Warn("payment for unknown order", "invoice_id", p.Notice().InvoiceID, "order_id", p.Notice().OrderID)
		h.reply(c, p.Event, http.StatusNotFound, gin.H{"status": statusOrderNotFound})
	case errors.Is(err, escrow.ErrValidation):
		h.reply(c, p.Event, http.StatusBadRequest, gin.H{"status": statusError, "error": err.Error()})
	case errors.Is(err, escrow.ErrGuard):
		h.reply(c, p.Event, http.StatusOK, gin.H{"status": statusIgnored, "message": err.Error()})
	case err != nil:
		h.logger.Error("failed to apply payment", "order_id", p.Notice().OrderID, "error", err)
		h.reply(c, p.Event, http.StatusInternalServerError, gin.H{"status": statusError, "error": "internal error"})
	case !applied && order.PaidAt != nil:
		// redelivery of a payment already applied
		h.reply(c, p.Event, http.StatusOK, gin.H{
			"status":  statusSuccess,
			"orderId": order.ID,
			"message": "Payment already confirmed",
		})
	case !applied:
		h.reply(c, p.Event, http.StatusOK, gin.H{
			"status":  statusIgnored,
			"orderId": order.ID,
			"message": "Order is not awaiting payment",
		})
	default:
		h.reply(c, p.Event, http.StatusOK, gin.H{
			"status":  statusSuccess,
			"orderId": order.ID,
			"message": "Payment confirmed, order in escrow",
		})
	}
}

// PaymentExpired handles POST /webhook/payment-expired
func (h *Handler) PaymentExpired(c *gin.Context) {
	p, ok := h.read(c, "payment_expired")
	if !ok {
		return
	}
	event := p.Event
	if event == "" {
		event = "invoice.expired"
	}

	order, applied, err := h.payments.ExpireInvoice(c.Request.Context(), p.Notice())
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		h.reply(c, event, http.StatusNotFound, gin.H{"status": statusOrderNotFound})
	case errors.Is(err, escrow.ErrValidation):
		h.reply(c, event, http.StatusBadRequest, gin.H{"status": statusError, "error": err.Error()})
	case err != nil:
		h.logger.Error("failed to expire invoice", "invoice_id", p.Notice().InvoiceID, "error", err)
		h.reply(c, event, http.StatusInternalServerError, gin.H{"status": statusError, "error": "internal error"})
	default:
		h.reply(c, event, http.StatusOK, gin.H{
			"status":    statusSuccess,
			"orderId":   order.ID,
			"cancelled": applied,
		})
	}
}

// read loads, authenticates and decodes the body. It writes the response
// itself when it returns false.
func (h *Handler) read(c *gin.Context, route string) (*Payload, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		h.reply(c, route, http.StatusBadRequest, gin.H{"status": statusError, "error": "unreadable body"})
		return nil, false
	}
	if err := Verify(body, c.GetHeader(SignatureHeader), h.secret); err != nil {
		h.logger.Warn("rejected webhook", "route", route, "error", err, "ip", c.ClientIP())
		h.reply(c, route, http.StatusUnauthorized, gin.H{"status": statusInvalidSignature})
		return nil, false
	}
	p, err := Parse(body)
	if err != nil {
		h.reply(c, route, http.StatusBadRequest, gin.H{"status": statusError, "error": err.Error()})
		return nil, false
	}
	return p, true
}

func (h *Handler) reply(c *gin.Context, event string, code int, body gin.H) {
	outcome, _ := body["status"].(string)
	metrics.WebhooksReceivedTotal.WithLabelValues(eventLabel(event), outcome).Inc()
	c.JSON(code, body)
}

// eventLabel keeps metric cardinality bounded.
func eventLabel(event string) string {
	switch event {
	case EventInvoicePaid, "invoice.expired", "payment_confirmed", "payment_expired":
		return event
	}
	return "other"
}
