package core

import (
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/ThreeDotsLabs/ordermill"
	"github.com/ThreeDotsLabs/ordermill/cqrs"
	"github.com/ThreeDotsLabs/ordermill/eventstore"
	"github.com/ThreeDotsLabs/ordermill/message"
	"github.com/ThreeDotsLabs/ordermill/message/router/middleware"
	"github.com/ThreeDotsLabs/ordermill/metrics"
	"github.com/ThreeDotsLabs/ordermill/outbox"
	"github.com/ThreeDotsLabs/ordermill/projection"
	"github.com/ThreeDotsLabs/ordermill/pubsub/gochannel"
	"github.com/ThreeDotsLabs/ordermill/saga"
)

// Config wires the order processing core. The zero value plus the
// collaborator handlers runs everything in memory; production deployments
// swap in the SQL event store, a durable pub/sub and persistent saga and
// view stores.
type Config struct {
	// EventStore keeps the order streams. Defaults to the memory store.
	EventStore eventstore.EventStore

	// Cursors persists the relay's publish progress. Defaults to memory.
	Cursors outbox.CursorStore

	// SagaStore persists the orchestrator's states. Defaults to memory.
	SagaStore saga.Store

	// Views persists the order read models. Defaults to memory.
	Views projection.ViewStore

	// Publisher and Subscriber carry the published order events. Both
	// default to one persistent in-process pub/sub; set both to use a
	// durable broker.
	Publisher  message.Publisher
	Subscriber message.Subscriber

	// CollaboratorHandlers handle the fulfilment commands the saga
	// dispatches: ReserveInventory, ProcessPayment, ReleaseInventory and
	// SendConfirmation. The inventory, payment and notification services
	// plug in here.
	CollaboratorHandlers []cqrs.CommandHandler

	// EventsTopic is where the relay publishes the order events.
	// Defaults to "orders.events".
	EventsTopic string

	// PoisonTopic, when set, parks messages that exhausted their retries
	// on a dead letter topic instead of blocking the subscription.
	PoisonTopic string

	// Deduplicator optionally drops redelivered event messages before the
	// handlers run. The handlers are idempotent without it; it only cuts
	// the redelivery noise.
	Deduplicator *middleware.Deduplicator

	// Metrics optionally instruments the command bus, the router's
	// handlers and the relay's publisher.
	Metrics *metrics.PrometheusMetricsBuilder

	// MaxConflictRetries caps a command's reload-and-retry attempts on
	// version conflicts.
	MaxConflictRetries int

	// CommandTimeout bounds the handling of one command. Defaults to 30s.
	CommandTimeout time.Duration

	// StepTimeout is how long an order may sit in one saga step before
	// the watchdog cancels it. Defaults to 1 minute.
	StepTimeout time.Duration

	// WatchdogInterval is the watchdog's sweep period. Defaults to a
	// quarter of StepTimeout.
	WatchdogInterval time.Duration

	// RelaySweepInterval is the relay's catch-up sweep period.
	RelaySweepInterval time.Duration

	// HandlerRetries caps the router's in-process retries of a failed
	// message before the error surfaces (and, with PoisonTopic set, the
	// message is parked). Defaults to 5.
	HandlerRetries int

	// CloseTimeout bounds the graceful shutdown. Defaults to 30s.
	CloseTimeout time.Duration

	Logger ordermill.LoggerAdapter

	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = ordermill.NopLogger{}
	}
	if c.EventStore == nil {
		c.EventStore = eventstore.NewMemory()
	}
	if c.Cursors == nil {
		c.Cursors = outbox.NewMemoryCursorStore()
	}
	if c.SagaStore == nil {
		c.SagaStore = saga.NewMemoryStore()
	}
	if c.Views == nil {
		c.Views = projection.NewMemoryViewStore()
	}
	if c.Publisher == nil && c.Subscriber == nil {
		pubSub := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 64,
			Persistent:          true,
		}, c.Logger)
		c.Publisher = pubSub
		c.Subscriber = pubSub
	}
	if c.EventsTopic == "" {
		c.EventsTopic = "orders.events"
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = 30 * time.Second
	}
	if c.StepTimeout == 0 {
		c.StepTimeout = time.Minute
	}
	if c.HandlerRetries == 0 {
		c.HandlerRetries = 5
	}
	if c.CloseTimeout == 0 {
		c.CloseTimeout = 30 * time.Second
	}
}

func (c Config) Validate() error {
	var err error

	if len(c.CollaboratorHandlers) == 0 {
		err = multierror.Append(err, errors.New("missing collaborator handlers"))
	}
	if (c.Publisher == nil) != (c.Subscriber == nil) {
		err = multierror.Append(err, errors.New("publisher and subscriber must be set together"))
	}

	return err
}
