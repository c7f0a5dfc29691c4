package eventstore_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThreeDotsLabs/ordermill/eventstore"
)

func TestMemory(t *testing.T) {
	testEventStore(t, func(t *testing.T) eventstore.EventStore {
		return eventstore.NewMemory()
	})
}

// testEventStore runs the behaviour shared by all EventStore implementations.
func testEventStore(t *testing.T, newStore func(t *testing.T) eventstore.EventStore) {
	t.Run("append_and_read", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		occurredAt := time.Date(2021, 5, 15, 10, 30, 0, 0, time.UTC)
		err := store.Append(ctx, "order-1", 0, []eventstore.EventData{
			{EventType: "OrderCreated", Payload: []byte(`{"customer":"c-1"}`), OccurredAt: occurredAt},
			{EventType: "InventoryReserved", Payload: []byte(`{}`), OccurredAt: occurredAt},
		})
		require.NoError(t, err)

		events, err := store.ReadStream(ctx, "order-1")
		require.NoError(t, err)
		require.Len(t, events, 2)

		assert.Equal(t, "order-1", events[0].AggregateID)
		assert.Equal(t, int64(1), events[0].SequenceNumber)
		assert.Equal(t, "OrderCreated", events[0].EventType)
		assert.Equal(t, []byte(`{"customer":"c-1"}`), events[0].Payload)
		assert.Equal(t, occurredAt, events[0].OccurredAt)

		assert.Equal(t, int64(2), events[1].SequenceNumber)
		assert.Equal(t, "InventoryReserved", events[1].EventType)
	})

	t.Run("version_conflict", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		err := store.Append(ctx, "order-1", 0, []eventstore.EventData{{EventType: "OrderCreated"}})
		require.NoError(t, err)

		err = store.Append(ctx, "order-1", 0, []eventstore.EventData{{EventType: "InventoryReserved"}})
		require.Error(t, err)
		assert.True(t, eventstore.IsConflict(err))

		conflict, ok := err.(eventstore.ConflictError)
		require.True(t, ok)
		assert.Equal(t, "order-1", conflict.AggregateID)
		assert.Equal(t, int64(0), conflict.ExpectedVersion)
		assert.Equal(t, int64(1), conflict.ActualVersion)

		events, err := store.ReadStream(ctx, "order-1")
		require.NoError(t, err)
		assert.Len(t, events, 1, "the conflicting append should not be persisted")
	})

	t.Run("conflict_atomicity", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		err := store.Append(ctx, "order-1", 0, []eventstore.EventData{{EventType: "OrderCreated"}})
		require.NoError(t, err)

		// the second event's position is already taken, nothing must be persisted
		err = store.Append(ctx, "order-1", 0, []eventstore.EventData{
			{EventType: "InventoryReserved"},
			{EventType: "PaymentProcessed"},
		})
		require.Error(t, err)

		events, err := store.ReadStream(ctx, "order-1")
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "OrderCreated", events[0].EventType)
	})

	t.Run("concurrent_appends_single_winner", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		err := store.Append(ctx, "order-1", 0, []eventstore.EventData{{EventType: "OrderCreated"}})
		require.NoError(t, err)

		const writers = 10

		var wg sync.WaitGroup
		errs := make([]error, writers)

		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = store.Append(ctx, "order-1", 1, []eventstore.EventData{{EventType: "InventoryReserved"}})
			}(i)
		}
		wg.Wait()

		winners := 0
		for _, err := range errs {
			if err == nil {
				winners++
				continue
			}
			assert.True(t, eventstore.IsConflict(err), "losers should get a conflict, got: %v", err)
		}
		assert.Equal(t, 1, winners)

		events, err := store.ReadStream(ctx, "order-1")
		require.NoError(t, err)
		require.Len(t, events, 2)
		for i, event := range events {
			assert.Equal(t, int64(i+1), event.SequenceNumber, "the stream must stay gap-free")
		}
	})

	t.Run("read_stream_from", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		err := store.Append(ctx, "order-1", 0, []eventstore.EventData{
			{EventType: "OrderCreated"},
			{EventType: "InventoryReserved"},
			{EventType: "PaymentProcessed"},
		})
		require.NoError(t, err)

		events, err := store.ReadStreamFrom(ctx, "order-1", 1)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, int64(2), events[0].SequenceNumber)
		assert.Equal(t, int64(3), events[1].SequenceNumber)

		events, err = store.ReadStreamFrom(ctx, "order-1", 3)
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("unknown_aggregate_is_empty", func(t *testing.T) {
		store := newStore(t)

		events, err := store.ReadStream(context.Background(), "no-such-order")
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("streams", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.Append(ctx, "order-b", 0, []eventstore.EventData{{EventType: "OrderCreated"}}))
		require.NoError(t, store.Append(ctx, "order-a", 0, []eventstore.EventData{{EventType: "OrderCreated"}}))

		ids, err := store.Streams(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"order-a", "order-b"}, ids)
	})

	t.Run("append_validation", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		err := store.Append(ctx, "", 0, []eventstore.EventData{{EventType: "OrderCreated"}})
		assert.Error(t, err)

		err = store.Append(ctx, "order-1", -1, []eventstore.EventData{{EventType: "OrderCreated"}})
		assert.Error(t, err)

		err = store.Append(ctx, "order-1", 0, nil)
		assert.Error(t, err)

		err = store.Append(ctx, "order-1", 0, []eventstore.EventData{{}})
		assert.Error(t, err)
	})
}
