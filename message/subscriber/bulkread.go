package subscriber

import (
	"time"

	"github.com/ThreeDotsLabs/ordermill/message"
)

// BulkRead reads messages from the channel and acks them, until the limit is
// reached, a timeout occurs or the channel is closed.
//
// It is intended for tests: all is false when fewer than limit messages arrived.
func BulkRead(messagesCh <-chan *message.Message, limit int, timeout time.Duration) (receivedMessages message.Messages, all bool) {
MessagesLoop:
	for len(receivedMessages) < limit {
		select {
		case msg, ok := <-messagesCh:
			if !ok {
				break MessagesLoop
			}

			receivedMessages = append(receivedMessages, msg)
			msg.Ack()
		case <-time.After(timeout):
			break MessagesLoop
		}
	}

	return receivedMessages, len(receivedMessages) == limit
}
