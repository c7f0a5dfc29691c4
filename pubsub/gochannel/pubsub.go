package gochannel

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/ThreeDotsLabs/ordermill"
	"github.com/ThreeDotsLabs/ordermill/message"
)

// Config holds the GoChannel Pub/Sub configuration options.
type Config struct {
	// OutputChannelBuffer is the size of the output channel's buffer of each subscriber.
	OutputChannelBuffer int64

	// Persistent makes the Pub/Sub remember all published messages
	// and replay them to every new subscriber of the topic.
	Persistent bool

	// BlockPublishUntilSubscriberAck blocks Publish until all subscribers ack the message.
	// It dramatically slows down publishing, but is useful for tests
	// which must observe the effects of a message synchronously.
	BlockPublishUntilSubscriberAck bool
}

// GoChannel is the simplest in-process Pub/Sub implementation, based on Go channels.
//
// Every subscriber of a topic receives its own copy of each published
// message, in publish order. A nacked message is redelivered to the same
// subscriber until it is acked, so delivery is at-least-once, the same as
// with the broker-backed implementations.
//
// GoChannel has no durability: messages are gone when the process exits.
type GoChannel struct {
	config Config
	logger ordermill.LoggerAdapter

	topics     map[string]*topic
	topicsLock sync.Mutex

	subscribersWg sync.WaitGroup

	closed     bool
	closedLock sync.Mutex
	closing    chan struct{}
}

// NewGoChannel creates a new GoChannel Pub/Sub.
func NewGoChannel(config Config, logger ordermill.LoggerAdapter) *GoChannel {
	if logger == nil {
		logger = ordermill.NopLogger{}
	}

	return &GoChannel{
		config: config,
		logger: logger.With(ordermill.LogFields{
			"pubsub_uuid": ordermill.NewShortUUID(),
		}),

		topics:  map[string]*topic{},
		closing: make(chan struct{}),
	}
}

type topic struct {
	lock        sync.Mutex
	subscribers []*subscriber
	persisted   []*message.Message
}

func (g *GoChannel) topic(name string) *topic {
	g.topicsLock.Lock()
	defer g.topicsLock.Unlock()

	t, ok := g.topics[name]
	if !ok {
		t = &topic{}
		g.topics[name] = t
	}

	return t
}

// Publish puts the messages in the delivery queue of every subscriber of the
// topic. When Publish returns, the message order is already fixed for all of
// them. With BlockPublishUntilSubscriberAck on, Publish additionally waits
// until every present subscriber acks.
//
// Messages are copied for every subscriber, so acks are per-subscriber.
func (g *GoChannel) Publish(topicName string, messages ...*message.Message) error {
	if g.isClosed() {
		return errors.New("Pub/Sub closed")
	}

	t := g.topic(topicName)

	var pending []*pendingMessage

	t.lock.Lock()
	for _, msg := range messages {
		msgToSend := msg.Copy()

		if g.config.Persistent {
			t.persisted = append(t.persisted, msgToSend)
		}

		for _, sub := range t.subscribers {
			pending = append(pending, sub.enqueue(msgToSend))
		}
	}
	t.lock.Unlock()

	if g.config.BlockPublishUntilSubscriberAck {
		for _, p := range pending {
			select {
			case <-p.processed:
			case <-g.closing:
				return nil
			}
		}
	}

	return nil
}

// Subscribe returns a channel with copies of messages published on the topic.
//
// The subscription ends, and the channel is closed, when the provided ctx is
// canceled or the Pub/Sub is closed.
func (g *GoChannel) Subscribe(ctx context.Context, topicName string) (<-chan *message.Message, error) {
	if g.isClosed() {
		return nil, errors.New("Pub/Sub closed")
	}

	s := newSubscriber(ctx, g.config.OutputChannelBuffer, g.logger.With(ordermill.LogFields{
		"topic": topicName,
	}))

	t := g.topic(topicName)

	t.lock.Lock()
	if g.config.Persistent {
		s.logger.Debug("Replaying persisted messages", ordermill.LogFields{
			"messages_count": len(t.persisted),
		})
		for _, msg := range t.persisted {
			s.enqueue(msg)
		}
	}
	t.subscribers = append(t.subscribers, s)
	t.lock.Unlock()

	g.subscribersWg.Add(1)
	go func() {
		defer g.subscribersWg.Done()
		s.deliveryLoop()
	}()

	go func() {
		select {
		case <-ctx.Done():
		case <-g.closing:
		}

		g.removeSubscriber(t, s)
		s.close()
	}()

	return s.outputChannel, nil
}

func (g *GoChannel) removeSubscriber(t *topic, toRemove *subscriber) {
	t.lock.Lock()
	defer t.lock.Unlock()

	for i, sub := range t.subscribers {
		if sub == toRemove {
			t.subscribers = append(t.subscribers[:i], t.subscribers[i+1:]...)
			break
		}
	}
}

func (g *GoChannel) isClosed() bool {
	g.closedLock.Lock()
	defer g.closedLock.Unlock()

	return g.closed
}

// Close closes the Pub/Sub, ending all subscriptions and closing their output channels.
func (g *GoChannel) Close() error {
	g.closedLock.Lock()
	defer g.closedLock.Unlock()

	if g.closed {
		return nil
	}

	g.closed = true
	close(g.closing)

	g.logger.Debug("Closing Pub/Sub, waiting for subscribers", nil)
	g.subscribersWg.Wait()

	g.logger.Info("Pub/Sub closed", nil)

	return nil
}

type pendingMessage struct {
	message *message.Message

	// processed is closed when the message was acked by the subscriber
	// or the subscription ended.
	processed chan struct{}
}

type subscriber struct {
	uuid string

	ctx context.Context

	outputChannel chan *message.Message

	queue     []*pendingMessage
	queueCond *sync.Cond
	queueLock sync.Mutex
	closed    bool

	closing chan struct{}

	logger ordermill.LoggerAdapter
}

func newSubscriber(ctx context.Context, outputBuffer int64, logger ordermill.LoggerAdapter) *subscriber {
	uuid := ordermill.NewUUID()

	s := &subscriber{
		uuid:          uuid,
		ctx:           ctx,
		outputChannel: make(chan *message.Message, outputBuffer),
		closing:       make(chan struct{}),
		logger: logger.With(ordermill.LogFields{
			"subscriber_uuid": uuid,
		}),
	}
	s.queueCond = sync.NewCond(&s.queueLock)

	return s
}

// enqueue adds the message to the subscriber's FIFO delivery queue.
// Safe to call on a closed subscriber: the message is dropped but the
// returned pendingMessage is already processed.
func (s *subscriber) enqueue(msg *message.Message) *pendingMessage {
	p := &pendingMessage{
		message:   msg,
		processed: make(chan struct{}),
	}

	s.queueLock.Lock()
	if s.closed {
		s.queueLock.Unlock()
		close(p.processed)
		return p
	}
	s.queue = append(s.queue, p)
	s.queueLock.Unlock()

	s.queueCond.Signal()

	return p
}

func (s *subscriber) dequeue() *pendingMessage {
	s.queueLock.Lock()
	defer s.queueLock.Unlock()

	for len(s.queue) == 0 && !s.closed {
		s.queueCond.Wait()
	}

	if s.closed {
		return nil
	}

	p := s.queue[0]
	s.queue = s.queue[1:]

	return p
}

// deliveryLoop drains the queue one message at a time. The next message is
// not sent until the previous one was acked, which keeps the publish order
// for the subscriber.
func (s *subscriber) deliveryLoop() {
	defer close(s.outputChannel)

	for {
		p := s.dequeue()
		if p == nil {
			return
		}

		s.deliver(p)
		close(p.processed)
	}
}

func (s *subscriber) deliver(p *pendingMessage) {
	ctx, cancelCtx := context.WithCancel(s.ctx)
	defer cancelCtx()

	logger := s.logger.With(ordermill.LogFields{"message_uuid": p.message.UUID})

	for {
		// a fresh copy for every attempt, so a nacked message can be retried
		msgToSend := p.message.Copy()
		msgToSend.SetContext(ctx)

		select {
		case s.outputChannel <- msgToSend:
			logger.Trace("Sent message to subscriber", nil)
		case <-s.closing:
			logger.Trace("Closing, message discarded", nil)
			return
		}

		select {
		case <-msgToSend.Acked():
			logger.Trace("Message acked", nil)
			return
		case <-msgToSend.Nacked():
			logger.Trace("Nack received, resending message", nil)
		case <-s.closing:
			logger.Trace("Closing, message discarded before ack", nil)
			return
		}
	}
}

func (s *subscriber) close() {
	s.queueLock.Lock()
	if s.closed {
		s.queueLock.Unlock()
		return
	}
	s.closed = true
	remaining := s.queue
	s.queue = nil
	s.queueLock.Unlock()

	close(s.closing)
	s.queueCond.Broadcast()

	for _, p := range remaining {
		close(p.processed)
	}

	s.logger.Debug("Subscriber closed", nil)
}
