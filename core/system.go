package core

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/ThreeDotsLabs/ordermill"
	"github.com/ThreeDotsLabs/ordermill/cqrs"
	"github.com/ThreeDotsLabs/ordermill/message"
	"github.com/ThreeDotsLabs/ordermill/message/router/middleware"
	"github.com/ThreeDotsLabs/ordermill/order"
	"github.com/ThreeDotsLabs/ordermill/outbox"
	"github.com/ThreeDotsLabs/ordermill/projection"
	"github.com/ThreeDotsLabs/ordermill/saga"
)

// System is the assembled order processing core. Commands and Queries are
// its public surface; everything behind them runs inside Run.
type System struct {
	Commands *cqrs.CommandBus
	Queries  *cqrs.QueryBus

	logger ordermill.LoggerAdapter

	router   *message.Router
	relay    *outbox.Relay
	watchdog *saga.Watchdog

	running     chan struct{}
	runningOnce sync.Once

	closing   chan struct{}
	closeOnce sync.Once
}

func NewSystem(config Config) (*System, error) {
	config.setDefaults()
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid core config")
	}

	logger := config.Logger

	publisher := config.Publisher
	if config.Metrics != nil {
		var err error
		publisher, err = config.Metrics.DecoratePublisher(publisher)
		if err != nil {
			return nil, errors.Wrap(err, "cannot decorate publisher with metrics")
		}
	}

	relay, err := outbox.NewRelay(outbox.RelayConfig{
		EventStore:    config.EventStore,
		Cursors:       config.Cursors,
		Publisher:     publisher,
		Topic:         config.EventsTopic,
		SweepInterval: config.RelaySweepInterval,
		Logger:        logger,
	})
	if err != nil {
		return nil, errors.Wrap(err, "cannot build relay")
	}

	repository, err := order.NewRepository(order.RepositoryConfig{
		EventStore:         config.EventStore,
		MaxConflictRetries: config.MaxConflictRetries,
		OnAppended:         relay.Wake,
		Logger:             logger,
	})
	if err != nil {
		return nil, errors.Wrap(err, "cannot build order repository")
	}

	var commandMiddleware []cqrs.CommandMiddleware
	if config.Metrics != nil {
		busMetrics, err := config.Metrics.NewCommandBusMiddleware(nil)
		if err != nil {
			return nil, errors.Wrap(err, "cannot build command bus metrics")
		}
		commandMiddleware = append(commandMiddleware, busMetrics.Middleware)
	}
	commandMiddleware = append(commandMiddleware,
		cqrs.CommandLogger(logger, nil),
		cqrs.CommandTimeout(config.CommandTimeout),
		cqrs.CommandValidator(),
	)

	commandBus, err := cqrs.NewCommandBus(cqrs.CommandBusConfig{
		Handlers:   append(orderCommandHandlers(repository), config.CollaboratorHandlers...),
		Middleware: commandMiddleware,
		Logger:     logger,
	})
	if err != nil {
		return nil, errors.Wrap(err, "cannot build command bus")
	}

	orchestrator, err := saga.NewOrchestrator(saga.OrchestratorConfig{
		Store:    config.SagaStore,
		Commands: commandBus,
		Logger:   logger,
		Now:      config.Now,
	})
	if err != nil {
		return nil, errors.Wrap(err, "cannot build saga orchestrator")
	}

	watchdog, err := saga.NewWatchdog(saga.WatchdogConfig{
		Store:         config.SagaStore,
		Commands:      commandBus,
		StepTimeout:   config.StepTimeout,
		CheckInterval: config.WatchdogInterval,
		Logger:        logger,
		Now:           config.Now,
	})
	if err != nil {
		return nil, errors.Wrap(err, "cannot build saga watchdog")
	}

	projector, err := projection.NewProjector(projection.ProjectorConfig{
		Views:  config.Views,
		Logger: logger,
	})
	if err != nil {
		return nil, errors.Wrap(err, "cannot build projector")
	}

	queryBus, err := cqrs.NewQueryBus(cqrs.QueryBusConfig{
		Handlers: []cqrs.QueryHandler{
			projection.NewGetOrderViewHandler(config.Views),
		},
		Logger: logger,
	})
	if err != nil {
		return nil, errors.Wrap(err, "cannot build query bus")
	}

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: config.CloseTimeout}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "cannot build router")
	}

	if config.Metrics != nil {
		if err := config.Metrics.AddPrometheusRouterMetrics(router); err != nil {
			return nil, errors.Wrap(err, "cannot add router metrics")
		}
	}
	router.AddMiddleware(middleware.CorrelationID)
	if config.Deduplicator != nil {
		router.AddMiddleware(config.Deduplicator.Middleware)
	}
	if config.PoisonTopic != "" {
		poison, err := middleware.PoisonQueue(publisher, config.PoisonTopic)
		if err != nil {
			return nil, errors.Wrap(err, "cannot build poison queue")
		}
		router.AddMiddleware(poison)
	}
	router.AddMiddleware(middleware.Retry{
		MaxRetries:      config.HandlerRetries,
		InitialInterval: 50 * time.Millisecond,
		Logger:          logger,
	}.Middleware)
	router.AddMiddleware(middleware.Recoverer)

	router.AddNoPublisherHandler(
		"saga_orchestrator",
		config.EventsTopic,
		config.Subscriber,
		orchestrator.Handler(),
	)
	router.AddNoPublisherHandler(
		"order_view_projector",
		config.EventsTopic,
		config.Subscriber,
		projector.Handler(),
	)

	return &System{
		Commands: commandBus,
		Queries:  queryBus,
		logger:   logger,
		router:   router,
		relay:    relay,
		watchdog: watchdog,
		running:  make(chan struct{}),
		closing:  make(chan struct{}),
	}, nil
}

// orderCommandHandlers registers one handler per order command, each a
// thin dispatch into the event-sourced repository.
func orderCommandHandlers(repository *order.Repository) []cqrs.CommandHandler {
	return []cqrs.CommandHandler{
		cqrs.NewCommandHandler("create_order", func(ctx context.Context, cmd order.CreateOrder) error {
			return repository.Dispatch(ctx, cmd)
		}),
		cqrs.NewCommandHandler("confirm_inventory", func(ctx context.Context, cmd order.ConfirmInventory) error {
			return repository.Dispatch(ctx, cmd)
		}),
		cqrs.NewCommandHandler("reject_inventory", func(ctx context.Context, cmd order.RejectInventory) error {
			return repository.Dispatch(ctx, cmd)
		}),
		cqrs.NewCommandHandler("confirm_payment", func(ctx context.Context, cmd order.ConfirmPayment) error {
			return repository.Dispatch(ctx, cmd)
		}),
		cqrs.NewCommandHandler("reject_payment", func(ctx context.Context, cmd order.RejectPayment) error {
			return repository.Dispatch(ctx, cmd)
		}),
		cqrs.NewCommandHandler("complete_order", func(ctx context.Context, cmd order.CompleteOrder) error {
			return repository.Dispatch(ctx, cmd)
		}),
		cqrs.NewCommandHandler("cancel_order", func(ctx context.Context, cmd order.CancelOrder) error {
			return repository.Dispatch(ctx, cmd)
		}),
	}
}

// Run starts the router, the relay and the watchdog and blocks until all
// of them stopped. The router comes up before the relay so a restart's
// publish backlog is not sent into the void.
func (s *System) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-s.closing:
			cancel()
		case <-ctx.Done():
		}
	}()

	errCh := make(chan error, 3)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.router.Run(ctx); err != nil {
			errCh <- errors.Wrap(err, "router failed")
		}
	}()

	select {
	case <-s.router.Running():
	case <-ctx.Done():
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.relay.Run(ctx); err != nil {
			errCh <- errors.Wrap(err, "relay failed")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.watchdog.Run(ctx); err != nil {
			errCh <- errors.Wrap(err, "watchdog failed")
		}
	}()

	select {
	case <-s.relay.Running():
		s.runningOnce.Do(func() { close(s.running) })
	case <-ctx.Done():
	}

	wg.Wait()
	close(errCh)

	var result error
	for err := range errCh {
		result = multierror.Append(result, err)
	}
	return result
}

// Running is closed once the router's subscriptions and the relay are up.
func (s *System) Running() chan struct{} {
	return s.running
}

// Close stops the system gracefully, draining in-flight handlers up to
// CloseTimeout.
func (s *System) Close() error {
	s.closeOnce.Do(func() { close(s.closing) })
	return s.router.Close()
}
