// Package envelope maps stored events to transport messages and back.
//
// The event payload travels as the message payload; stream position and event
// type travel as metadata, so consumers can enforce ordering and idempotency
// without decoding the payload.
package envelope

import (
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/ThreeDotsLabs/ordermill"
	"github.com/ThreeDotsLabs/ordermill/eventstore"
	"github.com/ThreeDotsLabs/ordermill/message"
	"github.com/ThreeDotsLabs/ordermill/message/router/middleware"
)

// Metadata keys of the event envelope.
const (
	AggregateIDKey    = "aggregate_id"
	SequenceNumberKey = "sequence_number"
	EventTypeKey      = "event_type"
	OccurredAtKey     = "occurred_at"
)

// ToMessage wraps a stored event in a transport message.
func ToMessage(event eventstore.Event) *message.Message {
	msg := message.NewMessage(ordermill.NewUUID(), event.Payload)

	msg.Metadata.Set(AggregateIDKey, event.AggregateID)
	msg.Metadata.Set(SequenceNumberKey, strconv.FormatInt(event.SequenceNumber, 10))
	msg.Metadata.Set(EventTypeKey, event.EventType)
	msg.Metadata.Set(OccurredAtKey, event.OccurredAt.UTC().Format(time.RFC3339Nano))

	if event.CorrelationID != "" {
		middleware.SetCorrelationID(event.CorrelationID, msg)
	}

	return msg
}

// FromMessage reconstructs the stored event from a transport message.
func FromMessage(msg *message.Message) (eventstore.Event, error) {
	aggregateID := msg.Metadata.Get(AggregateIDKey)
	if aggregateID == "" {
		return eventstore.Event{}, errors.Errorf("message %s has no %s metadata", msg.UUID, AggregateIDKey)
	}

	rawSequenceNumber := msg.Metadata.Get(SequenceNumberKey)
	if rawSequenceNumber == "" {
		return eventstore.Event{}, errors.Errorf("message %s has no %s metadata", msg.UUID, SequenceNumberKey)
	}
	sequenceNumber, err := strconv.ParseInt(rawSequenceNumber, 10, 64)
	if err != nil {
		return eventstore.Event{}, errors.Wrapf(err, "message %s has a malformed sequence number", msg.UUID)
	}

	eventType := msg.Metadata.Get(EventTypeKey)
	if eventType == "" {
		return eventstore.Event{}, errors.Errorf("message %s has no %s metadata", msg.UUID, EventTypeKey)
	}

	var occurredAt time.Time
	if rawOccurredAt := msg.Metadata.Get(OccurredAtKey); rawOccurredAt != "" {
		occurredAt, err = time.Parse(time.RFC3339Nano, rawOccurredAt)
		if err != nil {
			return eventstore.Event{}, errors.Wrapf(err, "message %s has a malformed occurred at timestamp", msg.UUID)
		}
	}

	return eventstore.Event{
		AggregateID:    aggregateID,
		SequenceNumber: sequenceNumber,
		EventType:      eventType,
		Payload:        msg.Payload,
		OccurredAt:     occurredAt,
		CorrelationID:  middleware.MessageCorrelationID(msg),
	}, nil
}

// PartitionKey returns the message's aggregate ID, for use with the Kafka
// partitioning marshaler so one order's events stay on one partition.
func PartitionKey(topic string, msg *message.Message) (string, error) {
	aggregateID := msg.Metadata.Get(AggregateIDKey)
	if aggregateID == "" {
		return "", errors.Errorf("message %s has no %s metadata", msg.UUID, AggregateIDKey)
	}
	return aggregateID, nil
}
