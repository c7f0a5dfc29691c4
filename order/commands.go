package order

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// Command is one of the order aggregate's commands.
//
// Name is the command bus registration name. AggregateID identifies the
// order stream the command targets. Validate checks the command's shape;
// state-dependent rules live in Handle.
type Command interface {
	Name() string
	AggregateID() string
	Validate() error
}

// CreateOrder opens a new order. The only command valid on an empty stream.
type CreateOrder struct {
	OrderID           string
	CustomerReference string
	Items             []Item
}

func (CreateOrder) Name() string          { return "CreateOrder" }
func (c CreateOrder) AggregateID() string { return c.OrderID }

func (c CreateOrder) Validate() error {
	var err error
	if c.OrderID == "" {
		err = multierror.Append(err, errors.New("empty order id"))
	}
	if c.CustomerReference == "" {
		err = multierror.Append(err, errors.New("empty customer reference"))
	}
	if len(c.Items) == 0 {
		err = multierror.Append(err, errors.New("order has no items"))
	}
	for i, item := range c.Items {
		if item.ProductID == "" {
			err = multierror.Append(err, errors.Errorf("item %d: empty product id", i))
		}
		if item.Quantity <= 0 {
			err = multierror.Append(err, errors.Errorf("item %d: quantity must be positive", i))
		}
		if item.UnitPrice < 0 {
			err = multierror.Append(err, errors.Errorf("item %d: negative unit price", i))
		}
	}

	return err
}

// ConfirmInventory records the inventory service's reservation success.
type ConfirmInventory struct {
	OrderID string
}

func (ConfirmInventory) Name() string          { return "ConfirmInventory" }
func (c ConfirmInventory) AggregateID() string { return c.OrderID }

func (c ConfirmInventory) Validate() error {
	if c.OrderID == "" {
		return errors.New("empty order id")
	}
	return nil
}

// RejectInventory records the inventory service's reservation failure.
type RejectInventory struct {
	OrderID string
	Reason  string
}

func (RejectInventory) Name() string          { return "RejectInventory" }
func (c RejectInventory) AggregateID() string { return c.OrderID }

func (c RejectInventory) Validate() error {
	if c.OrderID == "" {
		return errors.New("empty order id")
	}
	if c.Reason == "" {
		return errors.New("empty reason")
	}
	return nil
}

// ConfirmPayment records the payment service's successful charge.
type ConfirmPayment struct {
	OrderID          string
	PaymentReference string
}

func (ConfirmPayment) Name() string          { return "ConfirmPayment" }
func (c ConfirmPayment) AggregateID() string { return c.OrderID }

func (c ConfirmPayment) Validate() error {
	if c.OrderID == "" {
		return errors.New("empty order id")
	}
	if c.PaymentReference == "" {
		return errors.New("empty payment reference")
	}
	return nil
}

// RejectPayment records the payment service's failed charge.
type RejectPayment struct {
	OrderID string
	Reason  string
}

func (RejectPayment) Name() string          { return "RejectPayment" }
func (c RejectPayment) AggregateID() string { return c.OrderID }

func (c RejectPayment) Validate() error {
	if c.OrderID == "" {
		return errors.New("empty order id")
	}
	if c.Reason == "" {
		return errors.New("empty reason")
	}
	return nil
}

// CompleteOrder closes a paid order.
type CompleteOrder struct {
	OrderID string
}

func (CompleteOrder) Name() string          { return "CompleteOrder" }
func (c CompleteOrder) AggregateID() string { return c.OrderID }

func (c CompleteOrder) Validate() error {
	if c.OrderID == "" {
		return errors.New("empty order id")
	}
	return nil
}

// CancelOrder closes an order without fulfilment. Valid from any
// non-terminal status.
type CancelOrder struct {
	OrderID string
	Reason  string
}

func (CancelOrder) Name() string          { return "CancelOrder" }
func (c CancelOrder) AggregateID() string { return c.OrderID }

func (c CancelOrder) Validate() error {
	if c.OrderID == "" {
		return errors.New("empty order id")
	}
	if c.Reason == "" {
		return errors.New("empty reason")
	}
	return nil
}
