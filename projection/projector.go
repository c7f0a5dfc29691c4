package projection

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/ThreeDotsLabs/ordermill"
	"github.com/ThreeDotsLabs/ordermill/envelope"
	"github.com/ThreeDotsLabs/ordermill/eventstore"
	"github.com/ThreeDotsLabs/ordermill/message"
	"github.com/ThreeDotsLabs/ordermill/order"
)

// ProjectorConfig holds the Projector configuration.
type ProjectorConfig struct {
	Views ViewStore

	Logger ordermill.LoggerAdapter
}

func (c *ProjectorConfig) setDefaults() {
	if c.Logger == nil {
		c.Logger = ordermill.NopLogger{}
	}
}

func (c ProjectorConfig) Validate() error {
	if c.Views == nil {
		return errors.New("missing view store")
	}
	return nil
}

// Projector folds published order events into order views. Applying is
// idempotent under at-least-once delivery: the view's watermark discards
// redelivered events, and a failed apply nacks the message so it comes
// back.
type Projector struct {
	views  ViewStore
	logger ordermill.LoggerAdapter
}

func NewProjector(config ProjectorConfig) (*Projector, error) {
	config.setDefaults()
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid projector config")
	}

	return &Projector{
		views:  config.Views,
		logger: config.Logger,
	}, nil
}

// Handler returns the message handler consuming the order events topic.
func (p *Projector) Handler() message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		stored, err := envelope.FromMessage(msg)
		if err != nil {
			return errors.Wrap(err, "cannot decode event message")
		}

		return p.Apply(msg.Context(), stored)
	}
}

// Apply folds one stored event into its order's view.
func (p *Projector) Apply(ctx context.Context, stored eventstore.Event) error {
	view, err := p.views.Get(ctx, stored.AggregateID)
	if errors.Cause(err) == ErrNotFound {
		view = OrderView{ID: stored.AggregateID}
	} else if err != nil {
		return errors.Wrapf(err, "cannot load view of order %s", stored.AggregateID)
	}

	if stored.SequenceNumber <= view.LastAppliedSequenceNumber {
		p.logger.Trace("Event already applied to view", ordermill.LogFields{
			"order_id":        stored.AggregateID,
			"sequence_number": stored.SequenceNumber,
			"watermark":       view.LastAppliedSequenceNumber,
		})
		return nil
	}

	event, err := order.UnmarshalEvent(stored.EventType, stored.Payload)
	if err != nil {
		return errors.Wrapf(err, "cannot decode %s event of order %s", stored.EventType, stored.AggregateID)
	}

	applyEvent(&view, event, stored.OccurredAt)
	view.LastAppliedSequenceNumber = stored.SequenceNumber

	if err := p.views.Save(ctx, view); err != nil {
		return errors.Wrapf(err, "cannot save view of order %s", stored.AggregateID)
	}

	p.logger.Debug("View updated", ordermill.LogFields{
		"order_id":        stored.AggregateID,
		"sequence_number": stored.SequenceNumber,
		"status":          view.StatusLabel,
	})

	return nil
}

// applyEvent patches the view with one event. The status labels reuse the
// aggregate's own names so the read model never drifts from the domain
// vocabulary. Failed-outcome facts keep the current label; the following
// cancellation event updates it.
func applyEvent(view *OrderView, event order.Event, occurredAt time.Time) {
	switch e := event.(type) {
	case order.OrderCreated:
		view.CustomerReference = e.CustomerReference
		view.Items = e.Items
		view.Total = itemsTotal(e.Items)
		view.StatusLabel = order.StatusPending.String()
		view.CreatedAt = occurredAt

	case order.InventoryReserved:
		view.StatusLabel = order.StatusInventoryConfirmed.String()

	case order.PaymentProcessed:
		view.StatusLabel = order.StatusPaymentConfirmed.String()

	case order.OrderCompleted:
		view.StatusLabel = order.StatusCompleted.String()
		completedAt := occurredAt
		view.CompletedAt = &completedAt

	case order.OrderCancelled:
		view.StatusLabel = order.StatusCancelled.String()
	}
}

func itemsTotal(items []order.Item) int64 {
	var total int64
	for _, item := range items {
		total += item.LineTotal()
	}
	return total
}
