package projection

import (
	"context"

	"github.com/pkg/errors"

	"github.com/ThreeDotsLabs/ordermill/eventstore"
	"github.com/ThreeDotsLabs/ordermill/order"
)

// RebuildView discards the order's view and refolds it from the event
// stream. Views are disposable caches; a projector bug or a schema change
// is fixed by rebuilding, not by patching rows.
func RebuildView(ctx context.Context, views ViewStore, events eventstore.EventStore, orderID string) (OrderView, error) {
	stream, err := events.ReadStream(ctx, orderID)
	if err != nil {
		return OrderView{}, errors.Wrapf(err, "cannot read stream of order %s", orderID)
	}
	if len(stream) == 0 {
		return OrderView{}, errors.Wrapf(ErrNotFound, "order %s has no events", orderID)
	}

	view := OrderView{ID: orderID}
	for _, stored := range stream {
		event, err := order.UnmarshalEvent(stored.EventType, stored.Payload)
		if err != nil {
			return OrderView{}, errors.Wrapf(err, "cannot decode event %d of order %s", stored.SequenceNumber, orderID)
		}

		applyEvent(&view, event, stored.OccurredAt)
		view.LastAppliedSequenceNumber = stored.SequenceNumber
	}

	if err := views.Save(ctx, view); err != nil {
		return OrderView{}, errors.Wrapf(err, "cannot save view of order %s", orderID)
	}

	return view, nil
}
