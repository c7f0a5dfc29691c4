package projection_test

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThreeDotsLabs/ordermill/eventstore"
	"github.com/ThreeDotsLabs/ordermill/order"
	"github.com/ThreeDotsLabs/ordermill/projection"
)

func appendOrderEvents(t *testing.T, store eventstore.EventStore, events ...order.Event) {
	t.Helper()

	data := make([]eventstore.EventData, len(events))
	for i, event := range events {
		eventType, payload, err := order.MarshalEvent(event)
		require.NoError(t, err)

		data[i] = eventstore.EventData{
			EventType:  eventType,
			Payload:    payload,
			OccurredAt: viewTestTime.Add(time.Duration(i+1) * time.Second),
		}
	}

	require.NoError(t, store.Append(context.Background(), viewOrderID, 0, data))
}

func TestRebuildView_refolds_from_stream(t *testing.T) {
	store := eventstore.NewMemory()
	views := projection.NewMemoryViewStore()
	ctx := context.Background()

	appendOrderEvents(t, store,
		order.OrderCreated{CustomerReference: "customer-1", Items: viewTestItems},
		order.InventoryReserved{},
		order.PaymentProcessed{PaymentReference: "payment-1"},
		order.OrderCompleted{},
	)

	// a corrupted view is simply overwritten
	require.NoError(t, views.Save(ctx, projection.OrderView{
		ID:          viewOrderID,
		StatusLabel: "garbage",
		Total:       -1,
	}))

	rebuilt, err := projection.RebuildView(ctx, views, store, viewOrderID)
	require.NoError(t, err)

	assert.Equal(t, "customer-1", rebuilt.CustomerReference)
	assert.Equal(t, int64(2499), rebuilt.Total)
	assert.Equal(t, "Completed", rebuilt.StatusLabel)
	require.NotNil(t, rebuilt.CompletedAt)
	assert.Equal(t, viewTestTime.Add(4*time.Second), *rebuilt.CompletedAt)
	assert.Equal(t, int64(4), rebuilt.LastAppliedSequenceNumber)

	stored, err := views.Get(ctx, viewOrderID)
	require.NoError(t, err)
	assert.Equal(t, rebuilt, stored)
}

func TestRebuildView_unknown_order(t *testing.T) {
	store := eventstore.NewMemory()
	views := projection.NewMemoryViewStore()

	_, err := projection.RebuildView(context.Background(), views, store, "order-unknown")
	assert.Equal(t, projection.ErrNotFound, errors.Cause(err))
}
