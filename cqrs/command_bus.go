package cqrs

import (
	"context"

	"github.com/pkg/errors"

	"github.com/ThreeDotsLabs/ordermill"
)

// CommandHandler handles the command defined by NewCommand.
//
// Every command must have exactly one CommandHandler.
// Handle may be called concurrently and needs to be thread safe.
type CommandHandler interface {
	// HandlerName identifies the handler in logs and metrics.
	HandlerName() string

	// NewCommand returns an instance of the handled command,
	// used to derive the command name for registration.
	NewCommand() interface{}

	Handle(ctx context.Context, cmd interface{}) error
}

// CommandHandlerFunc is the handler call chain's function shape.
type CommandHandlerFunc func(ctx context.Context, cmd interface{}) error

// CommandMiddleware wraps a CommandHandlerFunc with new behaviour.
type CommandMiddleware func(next CommandHandlerFunc) CommandHandlerFunc

type genericCommandHandler[Command any] struct {
	handlerName string
	handleFunc  func(ctx context.Context, cmd Command) error
}

// NewCommandHandler creates a CommandHandler from a typed handle function.
// The command type is inferred from the function argument.
func NewCommandHandler[Command any](
	handlerName string,
	handleFunc func(ctx context.Context, cmd Command) error,
) CommandHandler {
	return genericCommandHandler[Command]{
		handlerName: handlerName,
		handleFunc:  handleFunc,
	}
}

func (h genericCommandHandler[Command]) HandlerName() string {
	return h.handlerName
}

func (h genericCommandHandler[Command]) NewCommand() interface{} {
	var cmd Command
	return cmd
}

func (h genericCommandHandler[Command]) Handle(ctx context.Context, cmd interface{}) error {
	command, ok := cmd.(Command)
	if !ok {
		if ptr, isPtr := cmd.(*Command); isPtr {
			command = *ptr
		} else {
			return errors.Errorf("handler %s cannot handle command of type %T", h.handlerName, cmd)
		}
	}

	return h.handleFunc(ctx, command)
}

// DuplicateCommandHandlerError occurs when a command name has more than one handler.
type DuplicateCommandHandlerError struct {
	CommandName string
}

func (e DuplicateCommandHandlerError) Error() string {
	return "command " + e.CommandName + " has more than one handler"
}

// NoCommandHandlerError occurs when a command is sent with no handler registered for it.
type NoCommandHandlerError struct {
	CommandName string
}

func (e NoCommandHandlerError) Error() string {
	return "no handler registered for command " + e.CommandName
}

// CommandBusConfig holds the CommandBus configuration.
type CommandBusConfig struct {
	// Handlers to register, one per command name.
	Handlers []CommandHandler

	// Middleware wrapped around every handler. The first middleware in the
	// list is the outermost, so it executes first.
	Middleware []CommandMiddleware

	Logger ordermill.LoggerAdapter
}

func (c *CommandBusConfig) setDefaults() {
	if c.Logger == nil {
		c.Logger = ordermill.NopLogger{}
	}
}

func (c CommandBusConfig) Validate() error {
	if len(c.Handlers) == 0 {
		return errors.New("no command handlers")
	}
	for _, h := range c.Handlers {
		if h == nil {
			return errors.New("nil command handler")
		}
	}

	return nil
}

// CommandBus dispatches commands synchronously to their registered handlers.
type CommandBus struct {
	handlers map[string]CommandHandlerFunc
	logger   ordermill.LoggerAdapter
}

// NewCommandBus registers all handlers and composes the middleware chain.
func NewCommandBus(config CommandBusConfig) (*CommandBus, error) {
	config.setDefaults()
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid command bus config")
	}

	handlers := make(map[string]CommandHandlerFunc, len(config.Handlers))
	for _, handler := range config.Handlers {
		commandName := MessageName(handler.NewCommand())
		if _, ok := handlers[commandName]; ok {
			return nil, DuplicateCommandHandlerError{CommandName: commandName}
		}

		chain := handler.Handle
		for i := len(config.Middleware) - 1; i >= 0; i-- {
			chain = config.Middleware[i](chain)
		}

		handlers[commandName] = chain

		config.Logger.Debug("Registered command handler", ordermill.LogFields{
			"command_name": commandName,
			"handler_name": handler.HandlerName(),
		})
	}

	return &CommandBus{
		handlers: handlers,
		logger:   config.Logger,
	}, nil
}

// Send dispatches the command to its handler and waits for the result.
// The bus never deduplicates; callers may attach an idempotency key with
// ContextWithIdempotencyKey for boundary level dedup by outer layers.
func (b *CommandBus) Send(ctx context.Context, cmd interface{}) error {
	commandName := MessageName(cmd)

	handler, ok := b.handlers[commandName]
	if !ok {
		return NoCommandHandlerError{CommandName: commandName}
	}

	return handler(ctx, cmd)
}
