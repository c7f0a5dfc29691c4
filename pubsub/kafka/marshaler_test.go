package kafka_test

import (
	"testing"

	"github.com/Shopify/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThreeDotsLabs/ordermill"
	"github.com/ThreeDotsLabs/ordermill/message"
	"github.com/ThreeDotsLabs/ordermill/pubsub/kafka"
)

func TestDefaultMarshaler_MarshalUnmarshal(t *testing.T) {
	m := kafka.DefaultMarshaler{}

	msg := message.NewMessage(ordermill.NewUUID(), []byte("payload"))
	msg.Metadata.Set("foo", "bar")

	marshaled, err := m.Marshal("topic", msg)
	require.NoError(t, err)

	unmarshaledMsg, err := m.Unmarshal(producerToConsumerMessage(marshaled))
	require.NoError(t, err)

	assert.True(t, msg.Equals(unmarshaledMsg))
}

func TestDefaultMarshaler_reserved_metadata_key(t *testing.T) {
	m := kafka.DefaultMarshaler{}

	msg := message.NewMessage(ordermill.NewUUID(), []byte("payload"))
	msg.Metadata.Set(kafka.UUIDHeaderKey, "foo")

	_, err := m.Marshal("topic", msg)
	require.Error(t, err)
}

func TestWithPartitioningMarshaler_MarshalUnmarshal(t *testing.T) {
	m := kafka.NewWithPartitioningMarshaler(func(topic string, msg *message.Message) (string, error) {
		return msg.Metadata.Get("aggregate_id"), nil
	})

	partitionKey := "order-1"
	msg := message.NewMessage(ordermill.NewUUID(), []byte("payload"))
	msg.Metadata.Set("aggregate_id", partitionKey)

	producerMsg, err := m.Marshal("topic", msg)
	require.NoError(t, err)

	unmarshaledMsg, err := m.Unmarshal(producerToConsumerMessage(producerMsg))
	require.NoError(t, err)

	assert.True(t, msg.Equals(unmarshaledMsg))

	producerKey, err := producerMsg.Key.Encode()
	require.NoError(t, err)

	assert.Equal(t, partitionKey, string(producerKey))
}

func producerToConsumerMessage(producerMessage *sarama.ProducerMessage) *sarama.ConsumerMessage {
	var key []byte

	if producerMessage.Key != nil {
		var err error
		key, err = producerMessage.Key.Encode()
		if err != nil {
			panic(err)
		}
	}

	var value []byte
	if producerMessage.Value != nil {
		var err error
		value, err = producerMessage.Value.Encode()
		if err != nil {
			panic(err)
		}
	}

	var headers []*sarama.RecordHeader
	for i := range producerMessage.Headers {
		headers = append(headers, &producerMessage.Headers[i])
	}

	return &sarama.ConsumerMessage{
		Key:       key,
		Value:     value,
		Topic:     producerMessage.Topic,
		Partition: producerMessage.Partition,
		Offset:    producerMessage.Offset,
		Timestamp: producerMessage.Timestamp,
		Headers:   headers,
	}
}
