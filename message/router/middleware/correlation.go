package middleware

import (
	"github.com/ThreeDotsLabs/ordermill"
	"github.com/ThreeDotsLabs/ordermill/message"
)

// CorrelationIDMetadataKey is the metadata key under which the correlation ID is stored.
const CorrelationIDMetadataKey = "correlation_id"

// CorrelationID adds the correlation ID of the consumed message to each produced message.
// It also puts the correlation ID in the message's context, so it can be read
// with ordermill.CorrelationIDFromContext inside the handler.
//
// When received message has no correlation ID, a new one is generated.
func CorrelationID(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		correlationID := MessageCorrelationID(msg)
		if correlationID == "" {
			correlationID = ordermill.NewUUID()
			SetCorrelationID(correlationID, msg)
		}

		msg.SetContext(ordermill.ContextWithCorrelationID(msg.Context(), correlationID))

		producedMessages, err := h(msg)

		for _, producedMsg := range producedMessages {
			SetCorrelationID(correlationID, producedMsg)
		}

		return producedMessages, err
	}
}

// MessageCorrelationID returns the correlation ID of the message, or an empty string if not set.
func MessageCorrelationID(message *message.Message) string {
	return message.Metadata.Get(CorrelationIDMetadataKey)
}

// SetCorrelationID sets the correlation ID on the message.
// It does nothing when the message already has a correlation ID, so the original one is never lost.
func SetCorrelationID(id string, msg *message.Message) {
	if MessageCorrelationID(msg) != "" {
		return
	}

	msg.Metadata.Set(CorrelationIDMetadataKey, id)
}
