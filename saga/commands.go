package saga

import (
	"github.com/pkg/errors"

	"github.com/ThreeDotsLabs/ordermill/order"
)

// Commands dispatched by the saga to the external collaborator services.
// The order aggregate's own commands (CancelOrder, CompleteOrder) are
// defined in the order package; these address inventory, payment and
// notification, which answer by sending outcome commands back to the
// order aggregate.

// ReserveInventory asks the inventory service to reserve the order's items.
// The service answers with ConfirmInventory or RejectInventory.
type ReserveInventory struct {
	OrderID string
	Items   []order.Item
}

func (ReserveInventory) Name() string          { return "ReserveInventory" }
func (c ReserveInventory) AggregateID() string { return c.OrderID }

func (c ReserveInventory) Validate() error {
	if c.OrderID == "" {
		return errors.New("empty order id")
	}
	if len(c.Items) == 0 {
		return errors.New("no items to reserve")
	}
	return nil
}

// ProcessPayment asks the payment service to charge the order's total.
// The service answers with ConfirmPayment or RejectPayment.
type ProcessPayment struct {
	OrderID string

	// Amount in minor currency units.
	Amount int64
}

func (ProcessPayment) Name() string          { return "ProcessPayment" }
func (c ProcessPayment) AggregateID() string { return c.OrderID }

func (c ProcessPayment) Validate() error {
	if c.OrderID == "" {
		return errors.New("empty order id")
	}
	if c.Amount < 0 {
		return errors.New("negative amount")
	}
	return nil
}

// ReleaseInventory compensates a reservation after a failed payment.
type ReleaseInventory struct {
	OrderID string
}

func (ReleaseInventory) Name() string          { return "ReleaseInventory" }
func (c ReleaseInventory) AggregateID() string { return c.OrderID }

func (c ReleaseInventory) Validate() error {
	if c.OrderID == "" {
		return errors.New("empty order id")
	}
	return nil
}

// SendConfirmation asks the notification service to confirm the completed
// order to the customer.
type SendConfirmation struct {
	OrderID           string
	CustomerReference string
}

func (SendConfirmation) Name() string          { return "SendConfirmation" }
func (c SendConfirmation) AggregateID() string { return c.OrderID }

func (c SendConfirmation) Validate() error {
	if c.OrderID == "" {
		return errors.New("empty order id")
	}
	if c.CustomerReference == "" {
		return errors.New("empty customer reference")
	}
	return nil
}
