package order

import (
	"context"

	"github.com/pkg/errors"

	"github.com/ThreeDotsLabs/ordermill"
	"github.com/ThreeDotsLabs/ordermill/eventstore"
)

// RepositoryConfig holds the Repository configuration.
type RepositoryConfig struct {
	EventStore eventstore.EventStore

	// MaxConflictRetries bounds the reload-and-reapply cycles after a
	// version conflict. Defaults to 3.
	MaxConflictRetries int

	// OnAppended is called after every successful append with the order ID.
	// Used to wake the outbox relay. Must not block.
	OnAppended func(orderID string)

	Logger ordermill.LoggerAdapter
}

func (c *RepositoryConfig) setDefaults() {
	if c.MaxConflictRetries == 0 {
		c.MaxConflictRetries = 3
	}
	if c.Logger == nil {
		c.Logger = ordermill.NopLogger{}
	}
}

func (c RepositoryConfig) Validate() error {
	if c.EventStore == nil {
		return errors.New("missing event store")
	}

	return nil
}

// Repository glues the aggregate engine to the event store:
// load the stream, decide, append at the loaded version.
type Repository struct {
	store              eventstore.EventStore
	maxConflictRetries int
	onAppended         func(orderID string)
	logger             ordermill.LoggerAdapter
}

func NewRepository(config RepositoryConfig) (*Repository, error) {
	config.setDefaults()
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid repository config")
	}

	return &Repository{
		store:              config.EventStore,
		maxConflictRetries: config.MaxConflictRetries,
		onAppended:         config.OnAppended,
		logger:             config.Logger,
	}, nil
}

// Load rebuilds the order from its stream. A zero-value Order (Exists()
// false) is returned for an unknown ID.
func (r *Repository) Load(ctx context.Context, orderID string) (Order, error) {
	events, err := r.store.ReadStream(ctx, orderID)
	if err != nil {
		return Order{}, errors.Wrapf(err, "cannot read stream of order %s", orderID)
	}

	return FromEvents(events)
}

// Dispatch runs the full command cycle: load, decide, append at the loaded
// version. A version conflict means another writer appended between load
// and append; the cycle is retried against the fresh state up to
// MaxConflictRetries times, then the conflict is surfaced. Domain errors
// are returned as-is and never retried: the same input cannot succeed.
func (r *Repository) Dispatch(ctx context.Context, cmd Command) error {
	var lastErr error

	for attempt := 0; attempt <= r.maxConflictRetries; attempt++ {
		o, err := r.Load(ctx, cmd.AggregateID())
		if err != nil {
			return err
		}

		newEvents, err := Handle(cmd, o)
		if err != nil {
			return err
		}

		eventData, err := r.toEventData(ctx, newEvents)
		if err != nil {
			return err
		}

		err = r.store.Append(ctx, cmd.AggregateID(), o.Version, eventData)
		if err == nil {
			if r.onAppended != nil {
				r.onAppended(cmd.AggregateID())
			}
			return nil
		}
		if !eventstore.IsConflict(err) {
			return errors.Wrapf(err, "cannot append events of order %s", cmd.AggregateID())
		}

		lastErr = err
		r.logger.Debug("Version conflict, reloading order", ordermill.LogFields{
			"order_id": cmd.AggregateID(),
			"command":  cmd.Name(),
			"attempt":  attempt + 1,
		})
	}

	return errors.Wrapf(lastErr, "command %s gave up after %d version conflicts", cmd.Name(), r.maxConflictRetries+1)
}

func (r *Repository) toEventData(ctx context.Context, events []Event) ([]eventstore.EventData, error) {
	correlationID := ordermill.CorrelationIDFromContext(ctx)

	eventData := make([]eventstore.EventData, len(events))
	for i, event := range events {
		eventType, payload, err := MarshalEvent(event)
		if err != nil {
			return nil, err
		}

		eventData[i] = eventstore.EventData{
			EventType:     eventType,
			Payload:       payload,
			CorrelationID: correlationID,
		}
	}

	return eventData, nil
}
