package kafka_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ThreeDotsLabs/ordermill"
	"github.com/ThreeDotsLabs/ordermill/pubsub/kafka"
)

func TestNewPublisher_missing_brokers(t *testing.T) {
	_, err := kafka.NewPublisher(kafka.PublisherConfig{
		Marshaler: kafka.DefaultMarshaler{},
	}, ordermill.NopLogger{})
	assert.Error(t, err)
}

func TestNewSubscriber_invalid_config(t *testing.T) {
	_, err := kafka.NewSubscriber(kafka.SubscriberConfig{
		Brokers:     []string{"localhost:9092"},
		Unmarshaler: kafka.DefaultMarshaler{},
	}, ordermill.NopLogger{})
	assert.Error(t, err, "missing consumer group should be rejected")

	_, err = kafka.NewSubscriber(kafka.SubscriberConfig{
		ConsumerGroup: "orders",
		Unmarshaler:   kafka.DefaultMarshaler{},
	}, ordermill.NopLogger{})
	assert.Error(t, err, "missing brokers should be rejected")
}
