package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/holdpay/holdpay/internal/gateway"
	"github.com/holdpay/holdpay/internal/idgen"
	"github.com/holdpay/holdpay/internal/metrics"
	"github.com/holdpay/holdpay/internal/sats"
	"github.com/holdpay/holdpay/internal/syncutil"
	"github.com/holdpay/holdpay/internal/traces"
	"github.com/holdpay/holdpay/internal/validation"
)

// ErrUserNotFound is returned by a Directory for unknown user ids.
var ErrUserNotFound = fmt.Errorf("user %w", ErrNotFound)

// Directory resolves the payout destination of a user so escrow doesn't
// import users.
type Directory interface {
	// PayoutAddress returns the user's on-chain address, "" when unset,
	// or an error wrapping ErrUserNotFound.
	PayoutAddress(ctx context.Context, userID string) (string, error)
}

// EventEmitter receives every state change. Emission is fire-and-forget:
// the state machine never depends on delivery.
type EventEmitter interface {
	Emit(ctx context.Context, n Notification)
}

// JourneyCanceller stops a running journey simulation for an order.
type JourneyCanceller interface {
	Stop(orderID string) bool
}

// LocationPurger removes an order's location history. Forget drops
// in-memory tracking state once the order is terminal; samples are kept.
type LocationPurger interface {
	DeleteOrder(ctx context.Context, orderID string) error
	Forget(orderID string)
}

// Notification types.
const (
	NotifyNewOrder          = "new_order"
	NotifyStatusChanged     = "status_changed"
	NotifyOrderUpdated      = "order_status_update"
	NotifyPaymentConfirmed  = "payment_confirmed"
	NotifyDeliveryConfirmed = "delivery_confirmed"
	NotifyDisputeOpened     = "dispute_opened"
	NotifyDisputeResolved   = "dispute_resolved"
)

// Notification describes a change to an order.
type Notification struct {
	Type    string
	OrderID string
	From    Status
	To      Status
	Order   *Order
	Dispute *Dispute
	At      time.Time
}

// Options configures invoice creation.
type Options struct {
	BackendURL      string // base for the provider webhook callback
	FrontendURL     string // base for the buyer's post-payment redirect
	LightningExpiry time.Duration
}

// CreateRequest contains the parameters for creating an order.
type CreateRequest struct {
	Amount          json.Number   `json:"amount"` // BTC, up to 8 decimals
	PaymentMethod   PaymentMethod `json:"payment_method"`
	Description     string        `json:"description"`
	DeliveryAddress string        `json:"delivery_address"`
	RecipientName   string        `json:"recipient_name"`
	RecipientPhone  string        `json:"recipient_phone"`
	BuyerID         string        `json:"buyer_id"`
	BuyerEmail      string        `json:"buyer_email"`
	SellerID        string        `json:"seller_id"`
}

// AssignRequest sets who fulfils the order.
type AssignRequest struct {
	SellerID      string `json:"seller_id"`
	DriverID      string `json:"driver_id"`
	RiderName     string `json:"rider_name"`
	RiderPhone    string `json:"rider_phone"`
	RiderWhatsapp string `json:"rider_whatsapp"`
}

// PaymentNotice identifies the order a provider event refers to. OrderID
// wins when both are set.
type PaymentNotice struct {
	OrderID   string
	InvoiceID string
}

// Service implements the order/escrow state machine.
type Service struct {
	store     Store
	gateway   gateway.Gateway
	users     Directory
	emitter   EventEmitter
	journeys  JourneyCanceller
	locations LocationPurger
	opts      Options
	logger    *slog.Logger
	locks     *syncutil.KeyedMutex
	settling  sync.Map // order id -> struct{} while funds are moving
	now       func() time.Time
}

// NewService creates a new escrow service.
func NewService(store Store, gw gateway.Gateway, users Directory, logger *slog.Logger, opts Options) *Service {
	if opts.LightningExpiry <= 0 {
		opts.LightningExpiry = time.Hour
	}
	return &Service{
		store:   store,
		gateway: gw,
		users:   users,
		opts:    opts,
		logger:  logger.With("component", "escrow"),
		locks:   syncutil.NewKeyedMutex(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithEmitter adds a realtime event sink.
func (s *Service) WithEmitter(e EventEmitter) *Service {
	s.emitter = e
	return s
}

// WithJourneys lets the state machine stop simulations on dispute or cancel.
func (s *Service) WithJourneys(j JourneyCanceller) *Service {
	s.journeys = j
	return s
}

// WithLocationPurger cascades order deletion to location history.
func (s *Service) WithLocationPurger(p LocationPurger) *Service {
	s.locations = p
	return s
}

func (s *Service) lock(ctx context.Context, id string) (func(), error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("lock order %s: %w", id, err)
	}
	return unlock, nil
}

// Create validates the request, issues the provider invoice and persists the
// order as awaiting_payment. Nothing is stored if the provider call fails.
func (s *Service) Create(ctx context.Context, req CreateRequest) (order *Order, err error) {
	o, err := s.newOrder(ctx, req)
	if err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "escrow.Create", traces.OrderID(o.ID), traces.AmountSats(o.AmountSats))
	defer func() { traces.End(span, err) }()

	if err := s.issueInvoice(ctx, o); err != nil {
		return nil, err
	}
	to, ok := Next(o.Status, EventInvoiceIssued)
	if !ok {
		return nil, statusErr(o.Status, "issue invoice")
	}
	o.stamp(to, s.now())

	if err := s.store.Create(ctx, o); err != nil {
		s.logger.Warn("order not stored after invoice issued", "order_id", o.ID, "invoice_id", o.InvoiceID, "error", err)
		return nil, fmt.Errorf("failed to create order record: %w", err)
	}

	metrics.OrdersCreatedTotal.WithLabelValues(string(o.PaymentMethod)).Inc()
	metrics.TransitionsTotal.WithLabelValues(string(StatusPending), string(o.Status)).Inc()
	s.logger.Info("order created", "order_id", o.ID, "method", o.PaymentMethod, "amount_sats", o.AmountSats)
	s.emit(ctx, Notification{Type: NotifyNewOrder, From: StatusPending, To: o.Status}, o, nil)
	return o.clone(), nil
}

func (s *Service) newOrder(ctx context.Context, req CreateRequest) (*Order, error) {
	method := PaymentMethod(strings.ToLower(strings.TrimSpace(string(req.PaymentMethod))))
	if method == "" {
		method = MethodBitcoin
	}
	if !method.Valid() {
		return nil, validationErr("payment_method must be bitcoin or lightning")
	}
	amount, ok := sats.Parse(strings.TrimSpace(req.Amount.String()))
	if !ok || amount <= 0 {
		return nil, validationErr("amount must be a positive BTC value with at most %d decimals", sats.Decimals)
	}
	description := validation.SanitizeString(req.Description, 1000)
	if errs := validation.Validate(
		validation.Required("description", description),
		validation.Required("delivery_address", strings.TrimSpace(req.DeliveryAddress)),
		validation.Required("recipient_name", strings.TrimSpace(req.RecipientName)),
		validation.Required("recipient_phone", strings.TrimSpace(req.RecipientPhone)),
		validation.Required("buyer_id", req.BuyerID),
		validation.MaxLength("delivery_address", req.DeliveryAddress, 500),
		validation.MaxLength("recipient_name", req.RecipientName, 100),
		validation.MaxLength("recipient_phone", req.RecipientPhone, 20),
	); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrValidation, errs.Error())
	}
	if req.BuyerEmail != "" {
		if errs := validation.Validate(validation.ValidEmail("buyer_email", req.BuyerEmail)); len(errs) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrValidation, errs.Error())
		}
	}

	if _, err := s.users.PayoutAddress(ctx, req.BuyerID); err != nil {
		return nil, fmt.Errorf("buyer %s: %w", req.BuyerID, err)
	}
	if req.SellerID != "" {
		if _, err := s.users.PayoutAddress(ctx, req.SellerID); err != nil {
			return nil, fmt.Errorf("seller %s: %w", req.SellerID, err)
		}
	}

	now := s.now()
	return &Order{
		ID:              idgen.WithPrefix("ord_"),
		AmountSats:      amount,
		PaymentMethod:   method,
		Description:     description,
		DeliveryAddress: strings.TrimSpace(req.DeliveryAddress),
		RecipientName:   strings.TrimSpace(req.RecipientName),
		RecipientPhone:  strings.TrimSpace(req.RecipientPhone),
		CustomerEmail:   strings.ToLower(strings.TrimSpace(req.BuyerEmail)),
		BuyerID:         req.BuyerID,
		SellerID:        req.SellerID,
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

func (s *Service) issueInvoice(ctx context.Context, o *Order) error {
	description := fmt.Sprintf("Order %s - %s", o.ID, o.Description)

	if o.PaymentMethod == MethodLightning {
		inv, err := s.gateway.CreateLightningInvoice(ctx, gateway.LightningInvoiceRequest{
			AmountSats:  o.AmountSats,
			Description: description,
			Expiry:      s.opts.LightningExpiry,
		})
		if err != nil {
			return fmt.Errorf("create lightning invoice: %w", err)
		}
		if inv.PaymentRequest == "" || inv.PaymentHash == "" {
			return fmt.Errorf("create lightning invoice: %w: incomplete invoice", gateway.ErrProviderFailure)
		}
		o.LightningInvoice = inv.PaymentRequest
		o.InvoiceID = inv.PaymentHash
		if !inv.ExpiresAt.IsZero() {
			exp := inv.ExpiresAt.UTC()
			o.InvoiceExpiresAt = &exp
		}
		return nil
	}

	email := o.CustomerEmail
	if email == "" {
		email = "buyer@example.com"
	}
	inv, err := s.gateway.CreateInvoice(ctx, gateway.InvoiceRequest{
		AmountSats:    o.AmountSats,
		Description:   description,
		CustomerEmail: email,
		CallbackURL:   strings.TrimRight(s.opts.BackendURL, "/") + "/webhook/payment-confirmed",
		SuccessURL:    strings.TrimRight(s.opts.FrontendURL, "/") + "/orders/" + o.ID,
		Metadata: map[string]string{
			"order_id":         o.ID,
			"delivery_address": o.DeliveryAddress,
		},
	})
	if err != nil {
		return fmt.Errorf("create invoice: %w", err)
	}
	if inv.ID == "" {
		return fmt.Errorf("create invoice: %w: invoice without id", gateway.ErrProviderFailure)
	}
	o.InvoiceID = inv.ID
	o.PaymentURL = inv.HostedURL
	return nil
}

// resolveNotice finds the order a provider event refers to.
func (s *Service) resolveNotice(ctx context.Context, n PaymentNotice) (*Order, error) {
	switch {
	case n.OrderID != "":
		o, err := s.store.Get(ctx, n.OrderID)
		if err != nil {
			return nil, err
		}
		if n.InvoiceID != "" && o.InvoiceID != "" && n.InvoiceID != o.InvoiceID {
			return nil, fmt.Errorf("%w: invoice %s does not belong to order %s", ErrOrderNotFound, n.InvoiceID, n.OrderID)
		}
		return o, nil
	case n.InvoiceID != "":
		return s.store.GetByInvoice(ctx, n.InvoiceID)
	}
	return nil, validationErr("order_id or invoice_id is required")
}

// MarkPaid applies invoice.paid. Orders already in escrow or later are a
// no-op success, reported with applied=false.
func (s *Service) MarkPaid(ctx context.Context, n PaymentNotice) (order *Order, applied bool, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.MarkPaid", traces.OrderID(n.OrderID))
	defer func() { traces.End(span, err) }()

	found, err := s.resolveNotice(ctx, n)
	if err != nil {
		return nil, false, err
	}

	unlock, err := s.lock(ctx, found.ID)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	o, err := s.store.Get(ctx, found.ID)
	if err != nil {
		return nil, false, err
	}

	switch {
	case o.Status == StatusAwaitingPayment:
	case o.Status == StatusCancelled:
		s.logger.Error("CRITICAL: payment received for cancelled order, manual refund required",
			"order_id", o.ID, "invoice_id", o.InvoiceID, "amount_sats", o.AmountSats)
		return o, false, nil
	case o.PaidAt != nil:
		return o, false, nil
	default:
		return nil, false, statusErr(o.Status, "mark paid")
	}

	from, err := s.transition(o, EventInvoicePaid, "mark paid")
	if err != nil {
		return nil, false, err
	}
	if err := s.store.Update(ctx, o); err != nil {
		return nil, false, fmt.Errorf("failed to update order: %w", err)
	}

	s.logger.Info("payment confirmed, order in escrow", "order_id", o.ID, "amount_sats", o.AmountSats)
	s.changed(ctx, from, o, nil)
	s.emit(ctx, Notification{Type: NotifyPaymentConfirmed, From: from, To: o.Status}, o, nil)
	return o, true, nil
}

// ExpireInvoice cancels an order whose invoice expired unpaid. Orders no
// longer awaiting payment are left alone (applied=false).
func (s *Service) ExpireInvoice(ctx context.Context, n PaymentNotice) (order *Order, applied bool, err error) {
	found, err := s.resolveNotice(ctx, n)
	if err != nil {
		return nil, false, err
	}

	unlock, err := s.lock(ctx, found.ID)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	o, err := s.store.Get(ctx, found.ID)
	if err != nil {
		return nil, false, err
	}
	if o.Status != StatusAwaitingPayment {
		return o, false, nil
	}

	from, err := s.transition(o, EventInvoiceExpired, "expire invoice")
	if err != nil {
		return nil, false, err
	}
	if err := s.store.Update(ctx, o); err != nil {
		return nil, false, fmt.Errorf("failed to update order: %w", err)
	}

	s.stopJourney(o.ID)
	s.logger.Info("invoice expired, order cancelled", "order_id", o.ID)
	s.changed(ctx, from, o, nil)
	return o, true, nil
}

// VerifyPayment asks the provider whether the order's invoice is paid and,
// if so, applies invoice.paid. A provider failure leaves the order unchanged.
func (s *Service) VerifyPayment(ctx context.Context, id string) (*Order, bool, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if o.Status != StatusAwaitingPayment {
		return o, o.PaidAt != nil, nil
	}

	status, err := s.gateway.VerifyPayment(ctx, gateway.PaymentRef{
		Reference: o.InvoiceID,
		Lightning: o.PaymentMethod == MethodLightning,
	})
	if err != nil {
		return nil, false, fmt.Errorf("verify payment: %w", err)
	}
	if status != gateway.StatusPaid {
		return o, false, nil
	}

	o, _, err = s.MarkPaid(ctx, PaymentNotice{OrderID: id})
	if err != nil {
		return nil, false, err
	}
	return o, o.PaidAt != nil, nil
}

// AssignDriver records the seller and rider fulfilling a funded order.
func (s *Service) AssignDriver(ctx context.Context, id string, req AssignRequest) (*Order, error) {
	if req.SellerID == "" && req.DriverID == "" && strings.TrimSpace(req.RiderName) == "" {
		return nil, validationErr("seller_id, driver_id or rider_name is required")
	}
	if errs := validation.Validate(
		validation.MaxLength("rider_name", req.RiderName, 100),
		validation.MaxLength("rider_phone", req.RiderPhone, 20),
		validation.MaxLength("rider_whatsapp", req.RiderWhatsapp, 20),
	); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrValidation, errs.Error())
	}
	if req.SellerID != "" {
		if _, err := s.users.PayoutAddress(ctx, req.SellerID); err != nil {
			return nil, fmt.Errorf("seller %s: %w", req.SellerID, err)
		}
	}

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.transition(o, EventDriverAssigned, "assign driver"); err != nil {
		return nil, err
	}
	if req.SellerID != "" {
		o.SellerID = req.SellerID
	}
	if req.DriverID != "" {
		o.DriverID = req.DriverID
	}
	if name := strings.TrimSpace(req.RiderName); name != "" {
		o.RiderName = validation.SanitizeString(name, 100)
		o.RiderPhone = strings.TrimSpace(req.RiderPhone)
		o.RiderWhatsapp = strings.TrimSpace(req.RiderWhatsapp)
	}
	if err := s.store.Update(ctx, o); err != nil {
		return nil, fmt.Errorf("failed to update order: %w", err)
	}

	s.logger.Info("driver assigned", "order_id", o.ID, "seller_id", o.SellerID, "driver_id", o.DriverID)
	s.emit(ctx, Notification{Type: NotifyOrderUpdated, From: o.Status, To: o.Status}, o, nil)
	return o, nil
}

// AdvanceDelivery applies a journey event (pickup, midpoint, delivered).
// Re-applying the event that entered the current state is a no-op.
func (s *Service) AdvanceDelivery(ctx context.Context, id string, ev Event) (*Order, error) {
	switch ev {
	case EventPickup, EventMidpoint, EventDelivered:
	default:
		return nil, validationErr("unsupported delivery event %q", ev)
	}

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	from, err := s.transition(o, ev, "record "+string(ev))
	if err != nil {
		return nil, err
	}
	if from == o.Status {
		return o, nil
	}
	if err := s.store.Update(ctx, o); err != nil {
		return nil, fmt.Errorf("failed to update order: %w", err)
	}

	s.logger.Info("delivery advanced", "order_id", o.ID, "from", from, "to", o.Status)
	s.changed(ctx, from, o, nil)
	return o, nil
}

// UpdateStatus sets a rider-driven status directly. Statuses that move money
// or open disputes have their own operations.
func (s *Service) UpdateStatus(ctx context.Context, id string, target Status) (*Order, error) {
	if !target.Valid() {
		return nil, validationErr("unknown status %q", target)
	}
	ev, ok := statusEvents[target]
	if !ok {
		return nil, fmt.Errorf("%w: status %s cannot be set directly", ErrInvalidStatus, target)
	}
	return s.AdvanceDelivery(ctx, id, ev)
}

// Get returns an order by id.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.store.Get(ctx, id)
}

// DisputeForOrder returns the order's dispute or ErrDisputeNotFound.
func (s *Service) DisputeForOrder(ctx context.Context, orderID string) (*Dispute, error) {
	return s.store.GetDisputeByOrder(ctx, orderID)
}

// Delete removes an order with its dispute and location history. Orders
// whose funds the provider still holds cannot be deleted.
func (s *Service) Delete(ctx context.Context, id string) error {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	o, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if o.Status.IsFunded() || s.settlementInFlight(id) {
		return statusErr(o.Status, "delete")
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.stopJourney(id)
	if s.locations != nil {
		if err := s.locations.DeleteOrder(ctx, id); err != nil {
			s.logger.Warn("failed to delete location history", "order_id", id, "error", err)
		}
	}
	s.logger.Info("order deleted", "order_id", id, "status", o.Status)
	return nil
}

// transition applies ev to o in memory, returning the previous status.
// The caller holds the order lock.
func (s *Service) transition(o *Order, ev Event, action string) (Status, error) {
	if s.settlementInFlight(o.ID) {
		return "", ErrSettlementInProgress
	}
	to, ok := Next(o.Status, ev)
	if !ok {
		return "", statusErr(o.Status, action)
	}
	from := o.Status
	if to == from {
		o.UpdatedAt = s.now()
		return from, nil
	}
	o.stamp(to, s.now())
	return from, nil
}

func (s *Service) claimSettlement(id string) bool {
	_, busy := s.settling.LoadOrStore(id, struct{}{})
	return !busy
}

func (s *Service) releaseSettlement(id string) {
	s.settling.Delete(id)
}

func (s *Service) settlementInFlight(id string) bool {
	_, ok := s.settling.Load(id)
	return ok
}

func (s *Service) stopJourney(id string) {
	if s.journeys != nil && s.journeys.Stop(id) {
		s.logger.Info("journey simulation stopped", "order_id", id)
	}
}

// changed records a committed status change.
func (s *Service) changed(ctx context.Context, from Status, o *Order, d *Dispute) {
	metrics.TransitionsTotal.WithLabelValues(string(from), string(o.Status)).Inc()
	if o.Status.IsTerminal() && s.locations != nil {
		s.locations.Forget(o.ID)
	}
	s.emit(ctx, Notification{Type: NotifyStatusChanged, From: from, To: o.Status}, o, d)
}

func (s *Service) emit(ctx context.Context, n Notification, o *Order, d *Dispute) {
	if s.emitter == nil {
		return
	}
	n.OrderID = o.ID
	n.Order = o.clone()
	if d != nil {
		n.Dispute = d.clone()
	}
	n.At = s.now()
	s.emitter.Emit(ctx, n)
}

// commitWithRetry saves state after funds already moved. One retry, then a
// CRITICAL log for manual repair.
func (s *Service) commitWithRetry(ctx context.Context, what, orderID, txID string, save func(context.Context) error) error {
	err := save(ctx)
	if err == nil {
		return nil
	}
	if retryErr := save(ctx); retryErr == nil {
		return nil
	}
	s.logger.Error("CRITICAL: funds moved but "+what+" not recorded",
		"order_id", orderID, "tx_id", txID, "error", err)
	return fmt.Errorf("funds moved (tx %s) but %s failed: %w", txID, what, err)
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
