package saga

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/ThreeDotsLabs/ordermill"
	"github.com/ThreeDotsLabs/ordermill/envelope"
	"github.com/ThreeDotsLabs/ordermill/eventstore"
	"github.com/ThreeDotsLabs/ordermill/message"
	"github.com/ThreeDotsLabs/ordermill/order"
)

// CommandSender dispatches commands to their handlers.
// *cqrs.CommandBus satisfies it.
type CommandSender interface {
	Send(ctx context.Context, cmd interface{}) error
}

// Command is an action the saga dispatches. Its Name doubles as the
// compensation log's action type.
type Command interface {
	Name() string
}

var errActionAlreadyLogged = errors.New("action already logged")

// OrchestratorConfig holds the Orchestrator configuration.
type OrchestratorConfig struct {
	Store    Store
	Commands CommandSender

	Logger ordermill.LoggerAdapter

	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (c *OrchestratorConfig) setDefaults() {
	if c.Logger == nil {
		c.Logger = ordermill.NopLogger{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

func (c OrchestratorConfig) Validate() error {
	var err error

	if c.Store == nil {
		err = multierror.Append(err, errors.New("missing saga store"))
	}
	if c.Commands == nil {
		err = multierror.Append(err, errors.New("missing command sender"))
	}

	return err
}

// Orchestrator advances each order's saga by consuming the order's
// published events and dispatching the commands the state machine calls
// for. Every action is written to the compensation log and saved before
// it is dispatched, which keeps dispatch idempotent under at-least-once
// event delivery.
type Orchestrator struct {
	store    Store
	commands CommandSender
	logger   ordermill.LoggerAdapter
	now      func() time.Time
}

func NewOrchestrator(config OrchestratorConfig) (*Orchestrator, error) {
	config.setDefaults()
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid orchestrator config")
	}

	return &Orchestrator{
		store:    config.Store,
		commands: config.Commands,
		logger:   config.Logger,
		now:      config.Now,
	}, nil
}

// Handler returns the message handler consuming the order events topic.
// A returned error nacks the message; on redelivery the compensation log
// resumes the transition where it was interrupted.
func (o *Orchestrator) Handler() message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		event, err := envelope.FromMessage(msg)
		if err != nil {
			return errors.Wrap(err, "cannot decode event message")
		}

		return o.ProcessEvent(msg.Context(), event)
	}
}

// ProcessEvent advances the order's saga with one stored event.
func (o *Orchestrator) ProcessEvent(ctx context.Context, stored eventstore.Event) error {
	state, err := o.loadOrInit(ctx, stored.AggregateID)
	if err != nil {
		return err
	}

	event, err := order.UnmarshalEvent(stored.EventType, stored.Payload)
	if err != nil {
		return errors.Wrapf(err, "cannot decode %s event of order %s", stored.EventType, stored.AggregateID)
	}

	next, actions, drives := transitionFor(&state, event)
	if !drives {
		return o.recordSeen(ctx, state, stored)
	}

	// The log, not the watermark, decides whether an action is still owed:
	// a logged action is skipped even on a fresh sequence number, an
	// unlogged one is dispatched even on a redelivered event.
	var pending []Command
	for _, action := range actions {
		if state.ActionLogged(action.Name()) {
			o.logger.Error("Action already logged, skipping dispatch", errActionAlreadyLogged, ordermill.LogFields{
				"order_id":    state.OrderID,
				"action_type": action.Name(),
				"step":        state.Step.String(),
			})
			continue
		}
		pending = append(pending, action)
	}

	if len(pending) == 0 && state.Step == next && stored.SequenceNumber <= state.LastEventSequenceSeen {
		// fully processed duplicate
		return nil
	}

	for _, action := range pending {
		if err := o.dispatch(ctx, &state, action); err != nil {
			return err
		}
	}

	state.Step = next
	if stored.SequenceNumber > state.LastEventSequenceSeen {
		state.LastEventSequenceSeen = stored.SequenceNumber
	}
	state.UpdatedAt = o.now()

	if err := o.store.Save(ctx, state); err != nil {
		return errors.Wrapf(err, "cannot save saga of order %s", state.OrderID)
	}

	o.logger.Debug("Saga advanced", ordermill.LogFields{
		"order_id":        state.OrderID,
		"step":            state.Step.String(),
		"sequence_number": stored.SequenceNumber,
	})

	return nil
}

func (o *Orchestrator) loadOrInit(ctx context.Context, orderID string) (State, error) {
	state, err := o.store.Load(ctx, orderID)
	if errors.Cause(err) == ErrNotFound {
		return State{OrderID: orderID}, nil
	}
	if err != nil {
		return State{}, errors.Wrapf(err, "cannot load saga of order %s", orderID)
	}

	return state, nil
}

// recordSeen handles events that do not drive the saga: stale duplicates
// are discarded, fresh ones only move the watermark.
func (o *Orchestrator) recordSeen(ctx context.Context, state State, stored eventstore.Event) error {
	if stored.SequenceNumber <= state.LastEventSequenceSeen {
		o.logger.Trace("Stale event discarded", ordermill.LogFields{
			"order_id":        state.OrderID,
			"sequence_number": stored.SequenceNumber,
			"watermark":       state.LastEventSequenceSeen,
		})
		return nil
	}

	if state.Step == StepNone {
		// no saga exists and this event does not start one
		o.logger.Debug("Event ignored, no saga for order", ordermill.LogFields{
			"order_id":   state.OrderID,
			"event_type": stored.EventType,
		})
		return nil
	}

	state.LastEventSequenceSeen = stored.SequenceNumber
	if err := o.store.Save(ctx, state); err != nil {
		return errors.Wrapf(err, "cannot save saga of order %s", state.OrderID)
	}

	return nil
}

// dispatch writes the action to the compensation log, saves, then sends.
// The log write precedes the send: a crash in between leaves a logged but
// unsent action, which is never dispatched again; the Watchdog's cancel
// eventually resolves such an order. A failed send unlogs the action so
// the redelivered event retries it.
func (o *Orchestrator) dispatch(ctx context.Context, state *State, action Command) error {
	state.logAction(action.Name(), o.now())
	if err := o.store.Save(ctx, *state); err != nil {
		return errors.Wrapf(err, "cannot save saga of order %s", state.OrderID)
	}

	if err := o.commands.Send(ctx, action); err != nil {
		state.removeAction(action.Name())
		if saveErr := o.store.Save(ctx, *state); saveErr != nil {
			o.logger.Error("Cannot unlog failed action", saveErr, ordermill.LogFields{
				"order_id":    state.OrderID,
				"action_type": action.Name(),
			})
		}
		return errors.Wrapf(err, "cannot dispatch %s for order %s", action.Name(), state.OrderID)
	}

	o.logger.Info("Action dispatched", ordermill.LogFields{
		"order_id":    state.OrderID,
		"action_type": action.Name(),
	})

	return nil
}

// transitionFor matches the event against the state machine. It may
// capture event data into the state (the OrderCreated fields feed the
// commands of later transitions). drives is false when the event does not
// advance this saga.
func transitionFor(state *State, event order.Event) (next Step, actions []Command, drives bool) {
	switch e := event.(type) {
	case order.OrderCreated:
		if state.Step != StepNone {
			return 0, nil, false
		}
		state.CustomerReference = e.CustomerReference
		state.Total = itemsTotal(e.Items)
		return StepAwaitingInventory, []Command{
			ReserveInventory{OrderID: state.OrderID, Items: e.Items},
		}, true

	case order.InventoryReserved:
		if state.Step != StepAwaitingInventory {
			return 0, nil, false
		}
		return StepAwaitingPayment, []Command{
			ProcessPayment{OrderID: state.OrderID, Amount: state.Total},
		}, true

	case order.InventoryReservationFailed:
		if state.Step != StepAwaitingInventory {
			return 0, nil, false
		}
		return StepCancelled, []Command{
			order.CancelOrder{OrderID: state.OrderID, Reason: "stock"},
		}, true

	case order.PaymentProcessed:
		if state.Step != StepAwaitingPayment {
			return 0, nil, false
		}
		return StepCompleted, []Command{
			order.CompleteOrder{OrderID: state.OrderID},
			SendConfirmation{OrderID: state.OrderID, CustomerReference: state.CustomerReference},
		}, true

	case order.PaymentFailed:
		if state.Step != StepAwaitingPayment {
			return 0, nil, false
		}
		return StepCancelled, []Command{
			ReleaseInventory{OrderID: state.OrderID},
			order.CancelOrder{OrderID: state.OrderID, Reason: "payment"},
		}, true

	case order.OrderCancelled:
		// covers cancellations from outside the saga's own flow, the
		// watchdog's timeout cancel among them
		if state.Step.Terminal() {
			return 0, nil, false
		}
		return StepCancelled, nil, true

	default:
		// OrderCompleted and other facts do not drive the saga
		return 0, nil, false
	}
}

func itemsTotal(items []order.Item) int64 {
	var total int64
	for _, item := range items {
		total += item.LineTotal()
	}
	return total
}
