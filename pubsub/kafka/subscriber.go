package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"

	"github.com/ThreeDotsLabs/ordermill"
	"github.com/ThreeDotsLabs/ordermill/message"
)

// Subscriber consumes messages from Kafka using consumer groups.
//
// Offsets are committed only after the message is acked, so an unacked message
// will be redelivered after the consumer group rebalances or restarts.
type Subscriber struct {
	config SubscriberConfig
	logger ordermill.LoggerAdapter

	closing       chan struct{}
	subscribersWg sync.WaitGroup

	closed     bool
	closedLock sync.Mutex
}

// NewSubscriber creates a new Kafka Subscriber.
func NewSubscriber(config SubscriberConfig, logger ordermill.LoggerAdapter) (*Subscriber, error) {
	config.setDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = ordermill.NopLogger{}
	}

	logger = logger.With(ordermill.LogFields{
		"subscriber_uuid": ordermill.NewShortUUID(),
	})

	return &Subscriber{
		config:  config,
		logger:  logger,
		closing: make(chan struct{}),
	}, nil
}

type SubscriberConfig struct {
	// Kafka brokers list.
	Brokers []string

	// Unmarshaler is used to unmarshal messages from Kafka format into ordermill format.
	Unmarshaler Unmarshaler

	// OverwriteSaramaConfig holds additional sarama settings.
	OverwriteSaramaConfig *sarama.Config

	// Kafka consumer group.
	// All subscribers with the same consumer group will receive messages of a topic exactly once.
	ConsumerGroup string

	// How long after Nack message should be redelivered.
	NackResendSleep time.Duration

	// How long about unsuccessful reconnecting next reconnect will occur.
	ReconnectRetrySleep time.Duration
}

// NoSleep can be set to SubscriberConfig.NackResendSleep and SubscriberConfig.ReconnectRetrySleep.
const NoSleep time.Duration = -1

func (c *SubscriberConfig) setDefaults() {
	if c.OverwriteSaramaConfig == nil {
		c.OverwriteSaramaConfig = DefaultSaramaSubscriberConfig()
	}
	if c.NackResendSleep == 0 {
		c.NackResendSleep = time.Millisecond * 100
	}
	if c.ReconnectRetrySleep == 0 {
		c.ReconnectRetrySleep = time.Second
	}
}

func (c SubscriberConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("missing brokers")
	}
	if c.Unmarshaler == nil {
		return errors.New("missing unmarshaler")
	}
	if c.ConsumerGroup == "" {
		return errors.New("missing consumer group")
	}

	return nil
}

// DefaultSaramaSubscriberConfig creates default Sarama config used by Subscriber.
//
// Custom config can be passed to NewSubscriber and NewPublisher.
//
//	saramaConfig := DefaultSaramaSubscriberConfig()
//	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
//
//	subscriberConfig.OverwriteSaramaConfig = saramaConfig
//
//	subscriber, err := NewSubscriber(subscriberConfig, logger)
//	// ...
func DefaultSaramaSubscriberConfig() *sarama.Config {
	config := sarama.NewConfig()

	config.Version = sarama.V1_0_0_0
	config.Consumer.Return.Errors = true
	config.ClientID = "ordermill"

	return config
}

// Subscribe subscribes to the given Kafka topic.
//
// There are multiple subscribers spawned.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	s.closedLock.Lock()
	if s.closed {
		s.closedLock.Unlock()
		return nil, errors.New("subscriber closed")
	}
	s.closedLock.Unlock()

	logFields := ordermill.LogFields{
		"provider":       "kafka",
		"topic":          topic,
		"consumer_group": s.config.ConsumerGroup,
	}
	s.logger.Info("Subscribing to Kafka topic", logFields)

	// we don't want to have buffered channel to not consume messages
	// which will be rolled back if the subscriber is closed
	output := make(chan *message.Message)

	consumerGroup, err := sarama.NewConsumerGroup(s.config.Brokers, s.config.ConsumerGroup, s.config.OverwriteSaramaConfig)
	if err != nil {
		return nil, errors.Wrap(err, "cannot create consumer group client")
	}

	consumeCtx, cancel := context.WithCancel(ctx)

	s.subscribersWg.Add(1)
	go func() {
		defer s.subscribersWg.Done()
		defer close(output)
		defer cancel()

		s.consumeGroupLoop(consumeCtx, consumerGroup, topic, output, logFields)

		if err := consumerGroup.Close(); err != nil {
			s.logger.Error("Cannot close consumer group client", err, logFields)
		}

		s.logger.Info("Closed subscriber", logFields)
	}()

	go func() {
		select {
		case <-s.closing:
		case <-ctx.Done():
		}
		cancel()
	}()

	return output, nil
}

// consumeGroupLoop keeps the consumer group session alive.
// sarama's Consume returns whenever a rebalance happens, so it is called in a loop.
func (s *Subscriber) consumeGroupLoop(
	ctx context.Context,
	consumerGroup sarama.ConsumerGroup,
	topic string,
	output chan<- *message.Message,
	logFields ordermill.LogFields,
) {
	handler := consumerGroupHandler{
		ctx:              ctx,
		unmarshaler:      s.config.Unmarshaler,
		nackResendSleep:  s.config.NackResendSleep,
		logger:           s.logger,
		closing:          s.closing,
		messagesConsumed: output,
	}

	go func() {
		for err := range consumerGroup.Errors() {
			if err == nil {
				continue
			}
			s.logger.Error("Consumer group error", err, logFields)
		}
	}()

	for {
		if err := consumerGroup.Consume(ctx, []string{topic}, handler); err != nil {
			if err == sarama.ErrUnknown {
				// this is info, because it is often just noise on closing
				s.logger.Info("Received unknown Kafka error", logFields.Add(ordermill.LogFields{"err": err.Error()}))
			} else {
				s.logger.Error("Consume group error", err, logFields)
			}
		}

		select {
		case <-s.closing:
			s.logger.Debug("Subscriber is closing, stopping consumeGroupLoop", logFields)
			return
		case <-ctx.Done():
			s.logger.Debug("Ctx was cancelled, stopping consumeGroupLoop", logFields)
			return
		default:
			// not closing, the consumer group session ended (for example due to a rebalance)
		}

		if s.config.ReconnectRetrySleep != NoSleep {
			time.Sleep(s.config.ReconnectRetrySleep)
		}
		s.logger.Info("Reconnecting consumer group", logFields)
	}
}

func (s *Subscriber) Close() error {
	s.closedLock.Lock()
	defer s.closedLock.Unlock()
	if s.closed {
		return nil
	}

	s.closed = true
	close(s.closing)
	s.subscribersWg.Wait()

	s.logger.Debug("Kafka subscriber closed", nil)

	return nil
}

type consumerGroupHandler struct {
	ctx              context.Context
	unmarshaler      Unmarshaler
	nackResendSleep  time.Duration
	logger           ordermill.LoggerAdapter
	closing          chan struct{}
	messagesConsumed chan<- *message.Message
}

func (consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h consumerGroupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	logFields := ordermill.LogFields{
		"kafka_partition": claim.Partition(),
		"kafka_topic":     claim.Topic(),
	}

	for {
		select {
		case kafkaMsg, ok := <-claim.Messages():
			if !ok {
				h.logger.Debug("kafkaMsg is closed, stopping ConsumeClaim", logFields)
				return nil
			}
			if err := h.processMessage(kafkaMsg, sess, logFields); err != nil {
				return err
			}
		case <-h.closing:
			h.logger.Debug("Subscriber is closing, stopping ConsumeClaim", logFields)
			return nil
		case <-h.ctx.Done():
			h.logger.Debug("Ctx was cancelled, stopping ConsumeClaim", logFields)
			return nil
		}
	}
}

func (h consumerGroupHandler) processMessage(
	kafkaMsg *sarama.ConsumerMessage,
	sess sarama.ConsumerGroupSession,
	messageLogFields ordermill.LogFields,
) error {
	receivedMsgLogFields := messageLogFields.Add(ordermill.LogFields{
		"kafka_partition_offset": kafkaMsg.Offset,
		"kafka_partition":        kafkaMsg.Partition,
	})

	h.logger.Trace("Received message from Kafka", receivedMsgLogFields)

	msg, err := h.unmarshaler.Unmarshal(kafkaMsg)
	if err != nil {
		// resend will make no sense, stopping consumerGroupHandler
		return errors.Wrap(err, "message unmarshal failed")
	}

	ctx, cancelCtx := context.WithCancel(h.ctx)
	ctx = setPartitionToCtx(ctx, kafkaMsg.Partition)
	ctx = setPartitionOffsetToCtx(ctx, kafkaMsg.Offset)
	msg.SetContext(ctx)
	defer cancelCtx()

	receivedMsgLogFields = receivedMsgLogFields.Add(ordermill.LogFields{
		"message_uuid": msg.UUID,
	})

ResendLoop:
	for {
		select {
		case h.messagesConsumed <- msg:
			h.logger.Trace("Message sent to consumer", receivedMsgLogFields)
		case <-h.closing:
			h.logger.Trace("Closing, message discarded", receivedMsgLogFields)
			return nil
		case <-h.ctx.Done():
			h.logger.Trace("Closing, ctx cancelled before message was sent to consumer", receivedMsgLogFields)
			return nil
		}

		select {
		case <-msg.Acked():
			sess.MarkMessage(kafkaMsg, "")
			h.logger.Trace("Message acked", receivedMsgLogFields)
			break ResendLoop
		case <-msg.Nacked():
			// message have to be resent with fresh ack/nack channels
			msg = msg.Copy()
			msg.SetContext(ctx)

			if h.nackResendSleep != NoSleep {
				time.Sleep(h.nackResendSleep)
			}

			h.logger.Trace("Message nacked, resending", receivedMsgLogFields)
			continue ResendLoop
		case <-h.closing:
			h.logger.Trace("Closing, message discarded before ack", receivedMsgLogFields)
			return nil
		case <-h.ctx.Done():
			h.logger.Trace("Closing, ctx cancelled before ack", receivedMsgLogFields)
			return nil
		}
	}

	return nil
}
