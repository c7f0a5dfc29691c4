package message

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ThreeDotsLabs/ordermill"
	"github.com/ThreeDotsLabs/ordermill/internal"
	internalSync "github.com/ThreeDotsLabs/ordermill/internal/sync"
)

// HandlerFunc is the function called when a message is received.
//
// msg.Ack() is called automatically when HandlerFunc doesn't return an error.
// When HandlerFunc returns an error, msg.Nack() is called instead.
// When msg.Ack() was called in the handler and HandlerFunc returns an error,
// msg.Nack() will not be sent because Ack was already sent.
type HandlerFunc func(msg *Message) ([]*Message, error)

// NoPublishHandlerFunc is a HandlerFunc alternative which doesn't produce any messages.
type NoPublishHandlerFunc func(msg *Message) error

// HandlerMiddleware decorates a HandlerFunc.
// It can execute something before the handler (for example: modify the consumed message)
// or after it (modify produced messages, ack/nack the consumed message, handle errors, logging, etc.).
//
// It can be attached to the router by using the AddMiddleware method.
//
// Example:
//
//	func ExampleMiddleware(h message.HandlerFunc) message.HandlerFunc {
//		return func(message *message.Message) ([]*message.Message, error) {
//			fmt.Println("executed before handler")
//			producedMessages, err := h(message)
//			fmt.Println("executed after handler")
//
//			return producedMessages, err
//		}
//	}
type HandlerMiddleware func(h HandlerFunc) HandlerFunc

// RouterConfig holds the Router configuration options.
type RouterConfig struct {
	// CloseTimeout determines how long the router will wait for handlers when closing.
	CloseTimeout time.Duration
}

func (c *RouterConfig) setDefaults() {
	if c.CloseTimeout == 0 {
		c.CloseTimeout = time.Second * 30
	}
}

// Validate returns the Router configuration error, if any.
func (c RouterConfig) Validate() error {
	return nil
}

// DuplicateHandlerNameError is sent in a panic when a second handler with the same name is added.
type DuplicateHandlerNameError struct {
	HandlerName string
}

func (d DuplicateHandlerNameError) Error() string {
	return fmt.Sprintf("handler with name %s already exists", d.HandlerName)
}

// ErrOutputInNoPublisherHandler happens when a handler added with AddNoPublisherHandler returns messages.
var ErrOutputInNoPublisherHandler = errors.New("returned output messages in a handler without publisher")

// NewRouter creates a new Router with given configuration.
func NewRouter(config RouterConfig, logger ordermill.LoggerAdapter) (*Router, error) {
	config.setDefaults()
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	if logger == nil {
		logger = ordermill.NopLogger{}
	}

	return &Router{
		config: config,

		handlers: map[string]*handler{},

		handlersWg:        &sync.WaitGroup{},
		runningHandlersWg: &sync.WaitGroup{},

		closingCh: make(chan struct{}),

		logger: logger,

		running: make(chan struct{}),
	}, nil
}

// Router subscribes for messages on topics, passes them through the
// configured middleware chain and calls the registered handlers.
//
// Handlers and middleware must be registered before Run is called.
type Router struct {
	config RouterConfig
	logger ordermill.LoggerAdapter

	middlewares []HandlerMiddleware

	handlers     map[string]*handler
	handlersLock sync.Mutex

	handlersWg        *sync.WaitGroup
	runningHandlersWg *sync.WaitGroup

	running   chan struct{}
	isRunning bool

	closingCh  chan struct{}
	closed     bool
	closedLock sync.Mutex
}

// AddMiddleware adds a new middleware to the router.
//
// The order of middleware matters. Middleware added at the beginning is executed first.
func (r *Router) AddMiddleware(m ...HandlerMiddleware) {
	r.logger.Debug("Adding middleware", ordermill.LogFields{"count": len(m)})

	r.middlewares = append(r.middlewares, m...)
}

// AddHandler adds a new handler.
//
// handlerName must be unique. For now, it is used only for debugging.
//
// subscribeTopic is the topic from which the handler will receive messages.
//
// publishTopic is the topic to which the router will produce messages returned by handlerFunc.
// When a handler needs to publish to multiple topics,
// it is recommended to just inject a Publisher to the handler or implement a middleware
// which will catch messages and publish to the needed topic.
func (r *Router) AddHandler(
	handlerName string,
	subscribeTopic string,
	subscriber Subscriber,
	publishTopic string,
	publisher Publisher,
	handlerFunc HandlerFunc,
) {
	r.logger.Info("Adding handler", ordermill.LogFields{
		"handler_name": handlerName,
		"topic":        subscribeTopic,
	})

	r.handlersLock.Lock()
	defer r.handlersLock.Unlock()

	if r.isRunning {
		panic(errors.New("cannot add handler to a running router"))
	}
	if _, ok := r.handlers[handlerName]; ok {
		panic(DuplicateHandlerNameError{handlerName})
	}

	r.handlers[handlerName] = &handler{
		name:              handlerName,
		subscribeTopic:    subscribeTopic,
		subscriber:        subscriber,
		publishTopic:      publishTopic,
		publisher:         publisher,
		handlerFunc:       handlerFunc,
		logger:            r.logger,
		runningHandlersWg: r.runningHandlersWg,
	}
}

// AddNoPublisherHandler adds a new handler which doesn't produce any messages.
func (r *Router) AddNoPublisherHandler(
	handlerName string,
	subscribeTopic string,
	subscriber Subscriber,
	handlerFunc NoPublishHandlerFunc,
) {
	handlerFuncAdapter := func(msg *Message) ([]*Message, error) {
		return nil, handlerFunc(msg)
	}

	r.AddHandler(handlerName, subscribeTopic, subscriber, "", disabledPublisher{}, handlerFuncAdapter)
}

// Run subscribes to all topics and starts all handlers. It blocks until every
// handler has stopped, which happens after the provided ctx is canceled or
// Close is called.
//
// To wait for the handlers to start, wait for the channel returned by Running to close.
//
// Run is not reentrant: a closed Router cannot be started again.
func (r *Router) Run(ctx context.Context) error {
	if r.isClosed() {
		return errors.New("router is closed")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.handlersLock.Lock()
	if r.isRunning {
		r.handlersLock.Unlock()
		return errors.New("router is already running")
	}
	r.isRunning = true

	for _, h := range r.handlers {
		r.logger.Debug("Subscribing to topic", ordermill.LogFields{
			"handler_name": h.name,
			"topic":        h.subscribeTopic,
		})

		messages, err := h.subscriber.Subscribe(ctx, h.subscribeTopic)
		if err != nil {
			r.handlersLock.Unlock()
			return errors.Wrapf(err, "cannot subscribe topic %s", h.subscribeTopic)
		}
		h.messagesCh = messages
	}

	for i := range r.handlers {
		h := r.handlers[i]

		r.handlersWg.Add(1)
		go func() {
			defer r.handlersWg.Done()
			h.run(r.middlewares)
		}()
	}
	r.handlersLock.Unlock()

	close(r.running)

	select {
	case <-r.closingCh:
	case <-ctx.Done():
	}

	r.logger.Info("Closing router", ordermill.LogFields{"timeout": r.config.CloseTimeout})
	defer r.logger.Info("Router closed", nil)

	cancel()

	if internalSync.WaitGroupTimeout(r.handlersWg, r.config.CloseTimeout) {
		return errors.New("router close timeout")
	}

	r.logger.Info("All messages processed", nil)

	return nil
}

// Running is closed when the router is running.
// In other words: you can wait till the router is running using
//
//	fmt.Println("Starting router")
//	go r.Run(ctx)
//	<-r.Running()
//	fmt.Println("Router is running")
func (r *Router) Running() chan struct{} {
	return r.running
}

// Close gracefully stops the router, waiting up to CloseTimeout for the
// messages being processed to finish.
func (r *Router) Close() error {
	r.closedLock.Lock()
	defer r.closedLock.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	close(r.closingCh)

	if internalSync.WaitGroupTimeout(r.handlersWg, r.config.CloseTimeout) {
		return errors.New("router close timeout")
	}

	return nil
}

func (r *Router) isClosed() bool {
	r.closedLock.Lock()
	defer r.closedLock.Unlock()

	return r.closed
}

type handler struct {
	name string

	subscribeTopic string
	subscriber     Subscriber
	messagesCh     <-chan *Message

	publishTopic string
	publisher    Publisher

	handlerFunc HandlerFunc

	logger ordermill.LoggerAdapter

	runningHandlersWg *sync.WaitGroup
}

func (h *handler) run(middlewares []HandlerMiddleware) {
	h.logger.Info("Starting handler", ordermill.LogFields{
		"handler_name": h.name,
		"topic":        h.subscribeTopic,
	})

	middlewareHandler := h.handlerFunc
	// first added middlewares should be executed first (so they should be at the top of the call stack)
	for i := len(middlewares) - 1; i >= 0; i-- {
		middlewareHandler = middlewares[i](middlewareHandler)
	}

	for msg := range h.messagesCh {
		h.runningHandlersWg.Add(1)
		go h.handleMessage(msg, middlewareHandler)
	}

	h.runningHandlersWg.Wait()

	h.logger.Info("Handler stopped", ordermill.LogFields{"handler_name": h.name})
}

func (h *handler) handleMessage(msg *Message, handler HandlerFunc) {
	defer h.runningHandlersWg.Done()

	msgFields := ordermill.LogFields{"message_uuid": msg.UUID}

	defer func() {
		if recovered := recover(); recovered != nil {
			h.logger.Error(
				"Panic recovered in handler",
				errors.Errorf("%v", recovered),
				msgFields,
			)
			msg.Nack()
		}
	}()

	h.logger.Trace("Received message", msgFields)

	ctx := context.WithValue(msg.Context(), handlerNameKey, h.name)
	ctx = context.WithValue(ctx, subscriberNameKey, internal.StructName(h.subscriber))
	ctx = context.WithValue(ctx, subscribeTopicKey, h.subscribeTopic)
	ctx = context.WithValue(ctx, publishTopicKey, h.publishTopic)
	msg.SetContext(ctx)

	producedMessages, err := handler(msg)
	if err != nil {
		h.logger.Error("Handler returned error", err, msgFields)
		msg.Nack()
		return
	}

	if err := h.publishProducedMessages(producedMessages, msgFields); err != nil {
		h.logger.Error("Publishing produced messages failed", err, msgFields)
		msg.Nack()
		return
	}

	msg.Ack()
	h.logger.Trace("Message acked", msgFields)
}

func (h *handler) publishProducedMessages(producedMessages Messages, msgFields ordermill.LogFields) error {
	if len(producedMessages) == 0 {
		return nil
	}

	if h.publishTopic == "" {
		return ErrOutputInNoPublisherHandler
	}

	h.logger.Trace("Sending produced messages", msgFields.Add(ordermill.LogFields{
		"produced_messages_count": len(producedMessages),
		"publish_topic":           h.publishTopic,
	}))

	for _, producedMsg := range producedMessages {
		if err := h.publisher.Publish(h.publishTopic, producedMsg); err != nil {
			return errors.Wrapf(err, "cannot publish message %s", producedMsg.UUID)
		}
	}

	return nil
}

type disabledPublisher struct{}

func (disabledPublisher) Publish(topic string, messages ...*Message) error {
	return ErrOutputInNoPublisherHandler
}

func (disabledPublisher) Close() error {
	return nil
}
