package projection_test

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThreeDotsLabs/ordermill"
	"github.com/ThreeDotsLabs/ordermill/envelope"
	"github.com/ThreeDotsLabs/ordermill/eventstore"
	"github.com/ThreeDotsLabs/ordermill/message"
	"github.com/ThreeDotsLabs/ordermill/order"
	"github.com/ThreeDotsLabs/ordermill/projection"
)

const viewOrderID = "order-1"

var (
	viewTestTime = time.Date(2021, 5, 15, 10, 30, 0, 0, time.UTC)

	viewTestItems = []order.Item{
		{ProductID: "product-1", Quantity: 2, UnitPrice: 1050},
		{ProductID: "product-2", Quantity: 1, UnitPrice: 399},
	}
)

func storedEvent(t *testing.T, seq int64, event order.Event, occurredAt time.Time) eventstore.Event {
	t.Helper()

	eventType, payload, err := order.MarshalEvent(event)
	require.NoError(t, err)

	return eventstore.Event{
		AggregateID:    viewOrderID,
		SequenceNumber: seq,
		EventType:      eventType,
		Payload:        payload,
		OccurredAt:     occurredAt,
	}
}

type projectorFixture struct {
	views     *projection.MemoryViewStore
	projector *projection.Projector
}

func newProjectorFixture(t *testing.T) *projectorFixture {
	t.Helper()

	views := projection.NewMemoryViewStore()
	projector, err := projection.NewProjector(projection.ProjectorConfig{
		Views:  views,
		Logger: ordermill.NewStdLogger(true, true),
	})
	require.NoError(t, err)

	return &projectorFixture{views: views, projector: projector}
}

func (f *projectorFixture) apply(t *testing.T, seq int64, event order.Event) {
	t.Helper()
	require.NoError(t, f.projector.Apply(
		context.Background(),
		storedEvent(t, seq, event, viewTestTime.Add(time.Duration(seq)*time.Second)),
	))
}

func (f *projectorFixture) view(t *testing.T) projection.OrderView {
	t.Helper()

	view, err := f.views.Get(context.Background(), viewOrderID)
	require.NoError(t, err)
	return view
}

func TestProjector_order_lifecycle(t *testing.T) {
	f := newProjectorFixture(t)

	f.apply(t, 1, order.OrderCreated{CustomerReference: "customer-1", Items: viewTestItems})

	view := f.view(t)
	assert.Equal(t, viewOrderID, view.ID)
	assert.Equal(t, "customer-1", view.CustomerReference)
	assert.Equal(t, viewTestItems, view.Items)
	assert.Equal(t, int64(2499), view.Total)
	assert.Equal(t, "Pending", view.StatusLabel)
	assert.Equal(t, viewTestTime.Add(time.Second), view.CreatedAt)
	assert.Nil(t, view.CompletedAt)
	assert.Equal(t, int64(1), view.LastAppliedSequenceNumber)

	f.apply(t, 2, order.InventoryReserved{})
	assert.Equal(t, "InventoryConfirmed", f.view(t).StatusLabel)

	f.apply(t, 3, order.PaymentProcessed{PaymentReference: "payment-1"})
	assert.Equal(t, "PaymentConfirmed", f.view(t).StatusLabel)

	f.apply(t, 4, order.OrderCompleted{})

	view = f.view(t)
	assert.Equal(t, "Completed", view.StatusLabel)
	require.NotNil(t, view.CompletedAt)
	assert.Equal(t, viewTestTime.Add(4*time.Second), *view.CompletedAt)
	assert.Equal(t, int64(4), view.LastAppliedSequenceNumber)
}

func TestProjector_failed_outcome_keeps_label_until_cancellation(t *testing.T) {
	f := newProjectorFixture(t)

	f.apply(t, 1, order.OrderCreated{CustomerReference: "customer-1", Items: viewTestItems})
	f.apply(t, 2, order.InventoryReservationFailed{Reason: "out of stock"})

	view := f.view(t)
	assert.Equal(t, "Pending", view.StatusLabel)
	assert.Equal(t, int64(2), view.LastAppliedSequenceNumber,
		"the watermark advances even when the view is visually unchanged")

	f.apply(t, 3, order.OrderCancelled{Reason: "stock"})
	assert.Equal(t, "Cancelled", f.view(t).StatusLabel)
}

func TestProjector_redelivered_event_is_skipped(t *testing.T) {
	f := newProjectorFixture(t)

	f.apply(t, 1, order.OrderCreated{CustomerReference: "customer-1", Items: viewTestItems})

	// same sequence number, different payload: must not be applied
	f.apply(t, 1, order.OrderCreated{CustomerReference: "someone-else", Items: viewTestItems})

	assert.Equal(t, "customer-1", f.view(t).CustomerReference)
}

func TestProjector_stale_event_is_skipped(t *testing.T) {
	f := newProjectorFixture(t)

	f.apply(t, 1, order.OrderCreated{CustomerReference: "customer-1", Items: viewTestItems})
	f.apply(t, 2, order.InventoryReserved{})
	f.apply(t, 3, order.PaymentProcessed{PaymentReference: "payment-1"})

	f.apply(t, 2, order.OrderCancelled{Reason: "late"})

	assert.Equal(t, "PaymentConfirmed", f.view(t).StatusLabel)
	assert.Equal(t, int64(3), f.view(t).LastAppliedSequenceNumber)
}

func TestProjector_rejects_unknown_event(t *testing.T) {
	f := newProjectorFixture(t)

	f.apply(t, 1, order.OrderCreated{CustomerReference: "customer-1", Items: viewTestItems})

	err := f.projector.Apply(context.Background(), eventstore.Event{
		AggregateID:    viewOrderID,
		SequenceNumber: 2,
		EventType:      "OrderShredded",
		Payload:        []byte(`{}`),
	})
	require.Error(t, err)

	assert.Equal(t, int64(1), f.view(t).LastAppliedSequenceNumber,
		"a failed apply must not advance the watermark")
}

func TestProjector_save_failure_propagates(t *testing.T) {
	views := &failingViewStore{MemoryViewStore: projection.NewMemoryViewStore()}
	projector, err := projection.NewProjector(projection.ProjectorConfig{Views: views})
	require.NoError(t, err)

	views.failSaves = true

	err = projector.Apply(
		context.Background(),
		storedEvent(t, 1, order.OrderCreated{CustomerReference: "customer-1", Items: viewTestItems}, viewTestTime),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot save view")
}

func TestProjector_handler_consumes_event_messages(t *testing.T) {
	f := newProjectorFixture(t)
	handler := f.projector.Handler()

	msg := envelope.ToMessage(storedEvent(t, 1, order.OrderCreated{
		CustomerReference: "customer-1",
		Items:             viewTestItems,
	}, viewTestTime))
	require.NoError(t, handler(msg))

	assert.Equal(t, "Pending", f.view(t).StatusLabel)
}

func TestProjector_handler_rejects_malformed_message(t *testing.T) {
	f := newProjectorFixture(t)
	handler := f.projector.Handler()

	err := handler(message.NewMessage("1", []byte(`{}`)))
	require.Error(t, err)

	_, getErr := f.views.Get(context.Background(), viewOrderID)
	assert.Equal(t, projection.ErrNotFound, errors.Cause(getErr))
}

func TestNewProjector_config_validation(t *testing.T) {
	_, err := projection.NewProjector(projection.ProjectorConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing view store")
}

// failingViewStore fails every Save once failSaves is set.
type failingViewStore struct {
	*projection.MemoryViewStore
	failSaves bool
}

func (s *failingViewStore) Save(ctx context.Context, view projection.OrderView) error {
	if s.failSaves {
		return errors.New("store is down")
	}
	return s.MemoryViewStore.Save(ctx, view)
}
