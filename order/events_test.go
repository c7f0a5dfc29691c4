package order_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThreeDotsLabs/ordermill/order"
)

func TestMarshalEvent_roundtrip(t *testing.T) {
	event := order.OrderCreated{
		CustomerReference: "customer-1",
		Items:             testItems,
	}

	eventType, payload, err := order.MarshalEvent(event)
	require.NoError(t, err)
	assert.Equal(t, order.EventTypeOrderCreated, eventType)

	decoded, err := order.UnmarshalEvent(eventType, payload)
	require.NoError(t, err)
	assert.Equal(t, event, decoded)
}

func TestMarshalEvent_roundtrip_empty_variant(t *testing.T) {
	eventType, payload, err := order.MarshalEvent(order.OrderCompleted{})
	require.NoError(t, err)
	assert.Equal(t, order.EventTypeOrderCompleted, eventType)

	decoded, err := order.UnmarshalEvent(eventType, payload)
	require.NoError(t, err)
	assert.Equal(t, order.OrderCompleted{}, decoded)
}

func TestMarshalEvent_nil(t *testing.T) {
	_, _, err := order.MarshalEvent(nil)
	assert.Error(t, err)
}

func TestUnmarshalEvent_unknown_type(t *testing.T) {
	event, err := order.UnmarshalEvent("OrderShredded", []byte(`{}`))
	assert.Nil(t, event)
	assert.Error(t, err, "the event union is closed, unknown types should never be skipped")
}

func TestUnmarshalEvent_malformed_payload(t *testing.T) {
	event, err := order.UnmarshalEvent(order.EventTypeOrderCancelled, []byte(`{not json`))
	assert.Nil(t, event)
	assert.Error(t, err)
}
