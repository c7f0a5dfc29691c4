package message_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThreeDotsLabs/ordermill/message"
)

func TestMessage_Ack(t *testing.T) {
	msg := message.NewMessage("1", nil)

	assert.True(t, msg.Ack())

	select {
	case <-msg.Acked():
		// ok
	default:
		t.Fatal("no ack received")
	}

	// Ack is idempotent
	assert.True(t, msg.Ack())

	// Nack after Ack must fail
	assert.False(t, msg.Nack())

	select {
	case <-msg.Nacked():
		t.Fatal("nack should not be sent")
	default:
		// ok
	}
}

func TestMessage_Nack(t *testing.T) {
	msg := message.NewMessage("1", nil)

	assert.True(t, msg.Nack())

	select {
	case <-msg.Nacked():
		// ok
	default:
		t.Fatal("no nack received")
	}

	// Nack is idempotent
	assert.True(t, msg.Nack())

	// Ack after Nack must fail
	assert.False(t, msg.Ack())
}

func TestMessage_Context(t *testing.T) {
	msg := message.NewMessage("1", nil)
	assert.NotNil(t, msg.Context())

	type ctxKey string
	ctx := context.WithValue(context.Background(), ctxKey("key"), "value")
	msg.SetContext(ctx)

	assert.Equal(t, "value", msg.Context().Value(ctxKey("key")))
}

func TestMessage_Copy(t *testing.T) {
	msg := message.NewMessage("1", message.Payload("payload"))
	msg.Metadata.Set("foo", "bar")
	require.True(t, msg.Ack())

	copied := msg.Copy()

	assert.True(t, msg.Equals(copied))

	// the ack state is not copied
	select {
	case <-copied.Acked():
		t.Fatal("copy should not inherit ack")
	default:
		// ok
	}
}

func TestMessage_Equals(t *testing.T) {
	msg := message.NewMessage("1", message.Payload("payload"))
	msg.Metadata.Set("foo", "bar")

	other := message.NewMessage("1", message.Payload("payload"))
	other.Metadata.Set("foo", "bar")

	assert.True(t, msg.Equals(other))

	other.Metadata.Set("foo", "baz")
	assert.False(t, msg.Equals(other))
}

func TestMessages_IDs(t *testing.T) {
	msgs := message.Messages{
		message.NewMessage("1", nil),
		message.NewMessage("2", nil),
	}

	assert.Equal(t, []string{"1", "2"}, msgs.IDs())
}
