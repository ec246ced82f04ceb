package escrow

// Event is anything that can move an order between states.
type Event string

const (
	EventInvoiceIssued   Event = "invoice_issued"
	EventInvoicePaid     Event = "invoice_paid"
	EventInvoiceExpired  Event = "invoice_expired"
	EventDriverAssigned  Event = "driver_assigned"
	EventPickup          Event = "pickup"
	EventMidpoint        Event = "midpoint"
	EventDelivered       Event = "delivered"
	EventConfirmDelivery Event = "confirm_delivery"
	EventIssueReported   Event = "issue_reported"
	EventRefundBuyer     Event = "refund_buyer"
	EventPaySeller       Event = "pay_seller"
)

// transitions is the complete state table. A missing entry means the event
// is not permitted from that state. Guards that depend on data outside the
// order (payout addresses, existing disputes) are checked by the Service.
var transitions = map[Status]map[Event]Status{
	StatusPending: {
		EventInvoiceIssued: StatusAwaitingPayment,
	},
	StatusAwaitingPayment: {
		EventInvoicePaid:    StatusInEscrow,
		EventInvoiceExpired: StatusCancelled,
	},
	StatusInEscrow: {
		EventDriverAssigned: StatusInEscrow,
		EventPickup:         StatusPickedUp,
		EventIssueReported:  StatusDisputed,
	},
	StatusPickedUp: {
		EventPickup:        StatusPickedUp,
		EventMidpoint:      StatusInTransit,
		EventIssueReported: StatusDisputed,
	},
	StatusInTransit: {
		EventDelivered:       StatusDelivered,
		EventConfirmDelivery: StatusCompleted,
		EventIssueReported:   StatusDisputed,
	},
	StatusDelivered: {
		EventDelivered:       StatusDelivered,
		EventConfirmDelivery: StatusCompleted,
		EventIssueReported:   StatusDisputed,
	},
	StatusDisputed: {
		EventRefundBuyer: StatusRefunded,
		EventPaySeller:   StatusCompleted,
	},
}

// Next returns the state event leads to from, and whether it is permitted.
func Next(from Status, ev Event) (Status, bool) {
	to, ok := transitions[from][ev]
	return to, ok
}

// movesMoney reports whether applying ev requires a confirmed funds movement.
func movesMoney(ev Event) bool {
	switch ev {
	case EventConfirmDelivery, EventRefundBuyer, EventPaySeller:
		return true
	}
	return false
}

// statusEvents maps the statuses a rider or operator may set directly to the
// event that enters them. Every other status is reached only through its own
// operation.
var statusEvents = map[Status]Event{
	StatusPickedUp:  EventPickup,
	StatusInTransit: EventMidpoint,
	StatusDelivered: EventDelivered,
}
