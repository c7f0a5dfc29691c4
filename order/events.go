package order

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Event types of the order stream. The set is closed: the stream carries
// both lifecycle facts and collaborator outcome facts, so consumers can
// rely on a single per-order sequence.
const (
	EventTypeOrderCreated               = "OrderCreated"
	EventTypeInventoryReserved          = "InventoryReserved"
	EventTypeInventoryReservationFailed = "InventoryReservationFailed"
	EventTypePaymentProcessed           = "PaymentProcessed"
	EventTypePaymentFailed              = "PaymentFailed"
	EventTypeOrderCompleted             = "OrderCompleted"
	EventTypeOrderCancelled             = "OrderCancelled"
)

// Event is one variant of the order stream union.
type Event interface {
	eventType() string
}

// OrderCreated opens the stream. It is always the first event.
type OrderCreated struct {
	CustomerReference string `json:"customer_reference"`
	Items             []Item `json:"items"`
}

func (OrderCreated) eventType() string { return EventTypeOrderCreated }

// InventoryReserved records that the inventory service reserved all items.
type InventoryReserved struct{}

func (InventoryReserved) eventType() string { return EventTypeInventoryReserved }

// InventoryReservationFailed records that the inventory service could not
// reserve the items. The order stays in its current status; cancellation
// follows as its own event.
type InventoryReservationFailed struct {
	Reason string `json:"reason"`
}

func (InventoryReservationFailed) eventType() string { return EventTypeInventoryReservationFailed }

// PaymentProcessed records a successful charge.
type PaymentProcessed struct {
	PaymentReference string `json:"payment_reference"`
}

func (PaymentProcessed) eventType() string { return EventTypePaymentProcessed }

// PaymentFailed records a failed charge. The order stays in its current
// status; compensation and cancellation follow as their own events.
type PaymentFailed struct {
	Reason string `json:"reason"`
}

func (PaymentFailed) eventType() string { return EventTypePaymentFailed }

// OrderCompleted closes the stream successfully.
type OrderCompleted struct{}

func (OrderCompleted) eventType() string { return EventTypeOrderCompleted }

// OrderCancelled closes the stream without fulfilment.
type OrderCancelled struct {
	Reason string `json:"reason"`
}

func (OrderCancelled) eventType() string { return EventTypeOrderCancelled }

// MarshalEvent serializes an event variant into its type tag and JSON payload.
func MarshalEvent(event Event) (eventType string, payload []byte, err error) {
	if event == nil {
		return "", nil, errors.New("cannot marshal nil event")
	}

	payload, err = json.Marshal(event)
	if err != nil {
		return "", nil, errors.Wrapf(err, "cannot marshal %s event", event.eventType())
	}

	return event.eventType(), payload, nil
}

// UnmarshalEvent deserializes a stored event back into its variant.
// The union is closed: an unknown event type is an error, never skipped.
func UnmarshalEvent(eventType string, payload []byte) (Event, error) {
	var event Event
	var err error

	switch eventType {
	case EventTypeOrderCreated:
		var e OrderCreated
		err = json.Unmarshal(payload, &e)
		event = e
	case EventTypeInventoryReserved:
		var e InventoryReserved
		err = json.Unmarshal(payload, &e)
		event = e
	case EventTypeInventoryReservationFailed:
		var e InventoryReservationFailed
		err = json.Unmarshal(payload, &e)
		event = e
	case EventTypePaymentProcessed:
		var e PaymentProcessed
		err = json.Unmarshal(payload, &e)
		event = e
	case EventTypePaymentFailed:
		var e PaymentFailed
		err = json.Unmarshal(payload, &e)
		event = e
	case EventTypeOrderCompleted:
		var e OrderCompleted
		err = json.Unmarshal(payload, &e)
		event = e
	case EventTypeOrderCancelled:
		var e OrderCancelled
		err = json.Unmarshal(payload, &e)
		event = e
	default:
		return nil, errors.Errorf("unknown event type %s", eventType)
	}

	if err != nil {
		return nil, errors.Wrapf(err, "cannot unmarshal %s event", eventType)
	}

	return event, nil
}
