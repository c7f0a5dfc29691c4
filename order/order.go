package order

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/ThreeDotsLabs/ordermill/eventstore"
)

// Status is the order's lifecycle position.
type Status int

const (
	StatusPending Status = iota + 1
	StatusInventoryConfirmed
	StatusPaymentConfirmed
	StatusCompleted
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusInventoryConfirmed:
		return "InventoryConfirmed"
	case StatusPaymentConfirmed:
		return "PaymentConfirmed"
	case StatusCompleted:
		return "Completed"
	case StatusCancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Terminal statuses accept no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Item is one order line. UnitPrice is in minor currency units (cents).
type Item struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

// LineTotal is Quantity * UnitPrice in minor currency units.
func (i Item) LineTotal() int64 {
	return int64(i.Quantity) * i.UnitPrice
}

// Order is the aggregate state rebuilt from its event stream.
// The zero value represents an order that does not exist yet.
type Order struct {
	ID                string
	CustomerReference string
	Items             []Item
	Status            Status
	Version           int64
}

// Exists reports whether any event has been applied.
func (o Order) Exists() bool {
	return o.Version > 0
}

// Total is the sum of line totals in minor currency units.
func (o Order) Total() int64 {
	var total int64
	for _, item := range o.Items {
		total += item.LineTotal()
	}
	return total
}

// apply folds a single event into the state. It is pure: the receiver is
// a value and the updated copy is returned.
func (o Order) apply(aggregateID string, sequenceNumber int64, event Event) Order {
	switch e := event.(type) {
	case OrderCreated:
		o.ID = aggregateID
		o.CustomerReference = e.CustomerReference
		o.Items = e.Items
		o.Status = StatusPending
	case InventoryReserved:
		o.Status = StatusInventoryConfirmed
	case InventoryReservationFailed:
		// Outcome fact only. Cancellation arrives as its own event.
	case PaymentProcessed:
		o.Status = StatusPaymentConfirmed
	case PaymentFailed:
		// Outcome fact only.
	case OrderCompleted:
		o.Status = StatusCompleted
	case OrderCancelled:
		o.Status = StatusCancelled
	}

	o.Version = sequenceNumber

	return o
}

// FromEvents rebuilds order state by folding the stream in sequence order.
// The fold is deterministic and side-effect-free: the same stream always
// produces the same state.
func FromEvents(events []eventstore.Event) (Order, error) {
	var o Order
	for _, stored := range events {
		event, err := UnmarshalEvent(stored.EventType, stored.Payload)
		if err != nil {
			return Order{}, errors.Wrapf(
				err,
				"cannot replay event %d of order %s",
				stored.SequenceNumber, stored.AggregateID,
			)
		}

		o = o.apply(stored.AggregateID, stored.SequenceNumber, event)
	}

	return o, nil
}

// DomainError is an invariant violation: the command is invalid for the
// order's current state. Retrying with the same input cannot succeed.
type DomainError struct {
	OrderID string
	Reason  string
}

func (e DomainError) Error() string {
	return fmt.Sprintf("order %s: %s", e.OrderID, e.Reason)
}

// IsDomainError checks if the error's cause is a DomainError.
func IsDomainError(err error) bool {
	_, ok := errors.Cause(err).(DomainError)
	return ok
}

// Handle decides which events a command produces given the current state.
// It is a pure function: no I/O, no clock. It returns the new events to
// append or a DomainError naming the violated invariant.
func Handle(cmd Command, o Order) ([]Event, error) {
	if create, ok := cmd.(CreateOrder); ok {
		if o.Exists() {
			return nil, DomainError{OrderID: create.OrderID, Reason: "order already exists"}
		}
		return []Event{OrderCreated{
			CustomerReference: create.CustomerReference,
			Items:             create.Items,
		}}, nil
	}

	if !o.Exists() {
		return nil, DomainError{OrderID: cmd.AggregateID(), Reason: "order does not exist"}
	}
	if o.Status.Terminal() {
		return nil, DomainError{OrderID: cmd.AggregateID(), Reason: "order already finalized"}
	}

	switch c := cmd.(type) {
	case ConfirmInventory:
		if o.Status != StatusPending {
			return nil, DomainError{OrderID: c.OrderID, Reason: "inventory can be confirmed only for a pending order"}
		}
		return []Event{InventoryReserved{}}, nil

	case RejectInventory:
		if o.Status != StatusPending {
			return nil, DomainError{OrderID: c.OrderID, Reason: "inventory can be rejected only for a pending order"}
		}
		return []Event{InventoryReservationFailed{Reason: c.Reason}}, nil

	case ConfirmPayment:
		if o.Status != StatusInventoryConfirmed {
			return nil, DomainError{OrderID: c.OrderID, Reason: "cannot confirm payment before inventory is confirmed"}
		}
		return []Event{PaymentProcessed{PaymentReference: c.PaymentReference}}, nil

	case RejectPayment:
		if o.Status != StatusInventoryConfirmed {
			return nil, DomainError{OrderID: c.OrderID, Reason: "cannot reject payment before inventory is confirmed"}
		}
		return []Event{PaymentFailed{Reason: c.Reason}}, nil

	case CompleteOrder:
		if o.Status != StatusPaymentConfirmed {
			return nil, DomainError{OrderID: c.OrderID, Reason: "order can be completed only after payment"}
		}
		return []Event{OrderCompleted{}}, nil

	case CancelOrder:
		return []Event{OrderCancelled{Reason: c.Reason}}, nil

	default:
		return nil, DomainError{OrderID: cmd.AggregateID(), Reason: fmt.Sprintf("unknown command %s", cmd.Name())}
	}
}
