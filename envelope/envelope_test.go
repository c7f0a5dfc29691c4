package envelope_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThreeDotsLabs/ordermill/envelope"
	"github.com/ThreeDotsLabs/ordermill/eventstore"
	"github.com/ThreeDotsLabs/ordermill/message"
)

func TestToMessage_FromMessage(t *testing.T) {
	event := eventstore.Event{
		AggregateID:    "order-1",
		SequenceNumber: 3,
		EventType:      "PaymentProcessed",
		Payload:        []byte(`{"payment_reference":"pay-1"}`),
		OccurredAt:     time.Date(2021, 5, 15, 10, 30, 0, 0, time.UTC),
		CorrelationID:  "correlation-1",
	}

	msg := envelope.ToMessage(event)

	assert.NotEmpty(t, msg.UUID)
	assert.Equal(t, "order-1", msg.Metadata.Get(envelope.AggregateIDKey))
	assert.Equal(t, "3", msg.Metadata.Get(envelope.SequenceNumberKey))
	assert.Equal(t, "PaymentProcessed", msg.Metadata.Get(envelope.EventTypeKey))

	decoded, err := envelope.FromMessage(msg)
	require.NoError(t, err)
	assert.Equal(t, event, decoded)
}

func TestFromMessage_missing_metadata(t *testing.T) {
	msg := message.NewMessage("1", []byte("{}"))

	_, err := envelope.FromMessage(msg)
	require.Error(t, err)

	msg.Metadata.Set(envelope.AggregateIDKey, "order-1")
	_, err = envelope.FromMessage(msg)
	require.Error(t, err, "sequence number is still missing")

	msg.Metadata.Set(envelope.SequenceNumberKey, "not-a-number")
	_, err = envelope.FromMessage(msg)
	require.Error(t, err)
}

func TestPartitionKey(t *testing.T) {
	event := eventstore.Event{
		AggregateID:    "order-1",
		SequenceNumber: 1,
		EventType:      "OrderCreated",
	}

	key, err := envelope.PartitionKey("orders.events", envelope.ToMessage(event))
	require.NoError(t, err)
	assert.Equal(t, "order-1", key)

	_, err = envelope.PartitionKey("orders.events", message.NewMessage("1", nil))
	require.Error(t, err)
}
