package message

import "context"

// Publisher publishes messages to a topic.
type Publisher interface {
	// Publish publishes provided messages to the given topic.
	//
	// Publish can be synchronous or asynchronous - it depends on the implementation.
	//
	// Most publisher implementations don't support atomic publishing of messages.
	// This means that if publishing one of the messages fails, the next messages will not be published.
	//
	// Publish must be thread safe.
	Publish(topic string, messages ...*Message) error

	// Close should flush unsent messages if the publisher is async.
	Close() error
}

// Subscriber delivers messages from a topic.
type Subscriber interface {
	// Subscribe returns an output channel with messages from the provided topic.
	// The channel is closed after Close() is called on the subscriber.
	//
	// To receive the next message, `Ack()` must be called on the received message.
	// If message processing fails and the message should be redelivered `Nack()` should be called instead.
	//
	// When the provided ctx is canceled, the subscriber closes the subscription and the output channel.
	// The provided ctx is passed to all produced messages.
	Subscribe(ctx context.Context, topic string) (<-chan *Message, error)

	// Close closes all subscriptions with their output channels and flushes offsets etc. when needed.
	Close() error
}
