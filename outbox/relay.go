package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/ThreeDotsLabs/ordermill"
	"github.com/ThreeDotsLabs/ordermill/envelope"
	"github.com/ThreeDotsLabs/ordermill/eventstore"
	"github.com/ThreeDotsLabs/ordermill/message"
)

// RelayConfig holds the Relay configuration.
type RelayConfig struct {
	EventStore eventstore.EventStore
	Cursors    CursorStore
	Publisher  message.Publisher

	// Topic all events are published to.
	Topic string

	// SweepInterval is the period of the full re-scan which publishes
	// events missed by Wake (crash recovery, failed publishes).
	// Defaults to 5 seconds.
	SweepInterval time.Duration

	// PublishBackoffLimit bounds the exponential backoff spent on a
	// single event before the relay gives up and leaves it for the next
	// sweep. Defaults to 30 seconds.
	PublishBackoffLimit time.Duration

	Logger ordermill.LoggerAdapter
}

func (c *RelayConfig) setDefaults() {
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Second * 5
	}
	if c.PublishBackoffLimit == 0 {
		c.PublishBackoffLimit = time.Second * 30
	}
	if c.Logger == nil {
		c.Logger = ordermill.NopLogger{}
	}
}

func (c RelayConfig) Validate() error {
	var err error

	if c.EventStore == nil {
		err = multierror.Append(err, errors.New("missing event store"))
	}
	if c.Cursors == nil {
		err = multierror.Append(err, errors.New("missing cursor store"))
	}
	if c.Publisher == nil {
		err = multierror.Append(err, errors.New("missing publisher"))
	}
	if c.Topic == "" {
		err = multierror.Append(err, errors.New("empty topic"))
	}

	return err
}

// Relay publishes appended events to the configured topic, at least once.
type Relay struct {
	config RelayConfig
	logger ordermill.LoggerAdapter

	dirtyLock sync.Mutex
	dirty     map[string]struct{}
	wake      chan struct{}

	running     chan struct{}
	runningOnce sync.Once
}

func NewRelay(config RelayConfig) (*Relay, error) {
	config.setDefaults()
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid relay config")
	}

	return &Relay{
		config:  config,
		logger:  config.Logger,
		dirty:   map[string]struct{}{},
		wake:    make(chan struct{}, 1),
		running: make(chan struct{}),
	}, nil
}

// Wake marks the aggregate as having unpublished events and nudges the
// relay. It never blocks; safe to call from append paths.
func (r *Relay) Wake(aggregateID string) {
	r.dirtyLock.Lock()
	r.dirty[aggregateID] = struct{}{}
	r.dirtyLock.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Running is closed after the initial sweep, when all events appended
// before the relay started have been published.
func (r *Relay) Running() chan struct{} {
	return r.running
}

// Run publishes until ctx is cancelled. It starts with a full sweep, then
// alternates between Wake nudges and periodic sweeps.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.sweep(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("Initial sweep failed", err, nil)
	}
	r.runningOnce.Do(func() {
		close(r.running)
	})

	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.wake:
			for _, aggregateID := range r.takeDirty() {
				if err := r.publishPending(ctx, aggregateID); err != nil && ctx.Err() == nil {
					// left behind the cursor, the next sweep retries
					r.logger.Error("Cannot publish pending events", err, ordermill.LogFields{
						"aggregate_id": aggregateID,
					})
				}
			}
		case <-ticker.C:
			if err := r.sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("Sweep failed", err, nil)
			}
		}
	}
}

func (r *Relay) takeDirty() []string {
	r.dirtyLock.Lock()
	defer r.dirtyLock.Unlock()

	aggregateIDs := make([]string, 0, len(r.dirty))
	for aggregateID := range r.dirty {
		aggregateIDs = append(aggregateIDs, aggregateID)
	}
	r.dirty = map[string]struct{}{}

	return aggregateIDs
}

func (r *Relay) sweep(ctx context.Context) error {
	aggregateIDs, err := r.config.EventStore.Streams(ctx)
	if err != nil {
		return errors.Wrap(err, "cannot list streams")
	}

	for _, aggregateID := range aggregateIDs {
		if err := r.publishPending(ctx, aggregateID); err != nil {
			if ctx.Err() != nil {
				return err
			}
			r.logger.Error("Cannot publish pending events", err, ordermill.LogFields{
				"aggregate_id": aggregateID,
			})
		}
	}

	return nil
}

// publishPending publishes the aggregate's events past the cursor, in
// sequence order, advancing the cursor after each confirmed publish.
func (r *Relay) publishPending(ctx context.Context, aggregateID string) error {
	cursor, err := r.config.Cursors.Get(ctx, aggregateID)
	if err != nil {
		return errors.Wrapf(err, "cannot read cursor of %s", aggregateID)
	}

	events, err := r.config.EventStore.ReadStreamFrom(ctx, aggregateID, cursor)
	if err != nil {
		return errors.Wrapf(err, "cannot read stream of %s", aggregateID)
	}

	for _, event := range events {
		if err := r.publishEvent(ctx, event); err != nil {
			return errors.Wrapf(err, "cannot publish event %d of %s", event.SequenceNumber, aggregateID)
		}

		if err := r.config.Cursors.Advance(ctx, aggregateID, event.SequenceNumber); err != nil {
			// The publish is confirmed but the cursor is stale: the event
			// will be republished. At-least-once allows that.
			return errors.Wrapf(err, "cannot advance cursor of %s to %d", aggregateID, event.SequenceNumber)
		}

		r.logger.Trace("Event published", ordermill.LogFields{
			"aggregate_id":    event.AggregateID,
			"sequence_number": event.SequenceNumber,
			"event_type":      event.EventType,
		})
	}

	return nil
}

func (r *Relay) publishEvent(ctx context.Context, event eventstore.Event) error {
	msg := envelope.ToMessage(event)

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = r.config.PublishBackoffLimit

	return backoff.Retry(func() error {
		return r.config.Publisher.Publish(r.config.Topic, msg)
	}, backoff.WithContext(expBackoff, ctx))
}
