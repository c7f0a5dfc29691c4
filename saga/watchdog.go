package saga

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/ThreeDotsLabs/ordermill"
	"github.com/ThreeDotsLabs/ordermill/order"
)

// cancelActionType matches order.CancelOrder's command name. Every path
// that cancels an order logs this key, so only one of them dispatches.
var cancelActionType = order.CancelOrder{}.Name()

// WatchdogConfig holds the Watchdog configuration.
type WatchdogConfig struct {
	Store    Store
	Commands CommandSender

	// StepTimeout is how long an order may sit in one non-terminal step
	// before the watchdog cancels it. Defaults to 1 minute.
	StepTimeout time.Duration

	// CheckInterval is the sweep period. Defaults to a quarter of
	// StepTimeout, at least one second.
	CheckInterval time.Duration

	Logger ordermill.LoggerAdapter

	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (c *WatchdogConfig) setDefaults() {
	if c.StepTimeout == 0 {
		c.StepTimeout = time.Minute
	}
	if c.CheckInterval == 0 {
		c.CheckInterval = c.StepTimeout / 4
		if c.CheckInterval < time.Second {
			c.CheckInterval = time.Second
		}
	}
	if c.Logger == nil {
		c.Logger = ordermill.NopLogger{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

func (c WatchdogConfig) Validate() error {
	var err error

	if c.Store == nil {
		err = multierror.Append(err, errors.New("missing saga store"))
	}
	if c.Commands == nil {
		err = multierror.Append(err, errors.New("missing command sender"))
	}

	return err
}

// Watchdog cancels orders stuck in a non-terminal saga step longer than
// the step timeout, so no order waits forever on a collaborator that
// never answers.
type Watchdog struct {
	store         Store
	commands      CommandSender
	stepTimeout   time.Duration
	checkInterval time.Duration
	logger        ordermill.LoggerAdapter
	now           func() time.Time
}

func NewWatchdog(config WatchdogConfig) (*Watchdog, error) {
	config.setDefaults()
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid watchdog config")
	}

	return &Watchdog{
		store:         config.Store,
		commands:      config.Commands,
		stepTimeout:   config.StepTimeout,
		checkInterval: config.CheckInterval,
		logger:        config.Logger,
		now:           config.Now,
	}, nil
}

// Run sweeps periodically until ctx is cancelled. The first sweep runs
// immediately, covering orders that got stuck while no watchdog was up.
func (w *Watchdog) Run(ctx context.Context) error {
	if err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
		w.logger.Error("Watchdog sweep failed", err, nil)
	}

	ticker := time.NewTicker(w.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("Watchdog sweep failed", err, nil)
			}
		}
	}
}

// Sweep cancels every non-terminal order not updated within StepTimeout.
// A failure on one order does not stop the others; the errors are
// accumulated.
func (w *Watchdog) Sweep(ctx context.Context) error {
	cutoff := w.now().Add(-w.stepTimeout)

	stuck, err := w.store.ListOlderThan(ctx, cutoff)
	if err != nil {
		return errors.Wrap(err, "cannot list stuck sagas")
	}

	var result error
	for _, state := range stuck {
		if err := w.cancelStuckOrder(ctx, state); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result
}

func (w *Watchdog) cancelStuckOrder(ctx context.Context, state State) error {
	if state.ActionLogged(cancelActionType) {
		// cancellation already dispatched, by the saga or an earlier sweep
		return nil
	}

	w.logger.Info("Cancelling stuck order", ordermill.LogFields{
		"order_id":   state.OrderID,
		"step":       state.Step.String(),
		"updated_at": state.UpdatedAt,
	})

	state.logAction(cancelActionType, w.now())
	if err := w.store.Save(ctx, state); err != nil {
		return errors.Wrapf(err, "cannot save saga of order %s", state.OrderID)
	}

	err := w.commands.Send(ctx, order.CancelOrder{OrderID: state.OrderID, Reason: "timeout"})
	if order.IsDomainError(err) {
		// The aggregate outran the saga state and is already finalized.
		// Keep the log entry so the cancel is not retried; the pending
		// events will advance the saga when they arrive.
		w.logger.Info("Stuck order already finalized", ordermill.LogFields{
			"order_id": state.OrderID,
		})
		return nil
	}
	if err != nil {
		state.removeAction(cancelActionType)
		if saveErr := w.store.Save(ctx, state); saveErr != nil {
			w.logger.Error("Cannot unlog failed cancel", saveErr, ordermill.LogFields{
				"order_id": state.OrderID,
			})
		}
		return errors.Wrapf(err, "cannot cancel stuck order %s", state.OrderID)
	}

	return nil
}
