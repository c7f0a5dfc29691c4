package cqrs

import (
	"context"

	"github.com/pkg/errors"

	"github.com/ThreeDotsLabs/ordermill"
)

// ErrNotFound is returned by query handlers when the asked-for read model
// does not exist. The query bus never retries it.
var ErrNotFound = errors.New("not found")

// QueryHandler handles the query defined by NewQuery.
//
// Query handlers read only from read models, never from the event store.
type QueryHandler interface {
	// HandlerName identifies the handler in logs and metrics.
	HandlerName() string

	// NewQuery returns an instance of the handled query,
	// used to derive the query name for registration.
	NewQuery() interface{}

	Handle(ctx context.Context, query interface{}) (interface{}, error)
}

type genericQueryHandler[Query any] struct {
	handlerName string
	handleFunc  func(ctx context.Context, query Query) (interface{}, error)
}

// NewQueryHandler creates a QueryHandler from a typed handle function.
// The query type is inferred from the function argument.
func NewQueryHandler[Query any](
	handlerName string,
	handleFunc func(ctx context.Context, query Query) (interface{}, error),
) QueryHandler {
	return genericQueryHandler[Query]{
		handlerName: handlerName,
		handleFunc:  handleFunc,
	}
}

func (h genericQueryHandler[Query]) HandlerName() string {
	return h.handlerName
}

func (h genericQueryHandler[Query]) NewQuery() interface{} {
	var query Query
	return query
}

func (h genericQueryHandler[Query]) Handle(ctx context.Context, query interface{}) (interface{}, error) {
	q, ok := query.(Query)
	if !ok {
		if ptr, isPtr := query.(*Query); isPtr {
			q = *ptr
		} else {
			return nil, errors.Errorf("handler %s cannot handle query of type %T", h.handlerName, query)
		}
	}

	return h.handleFunc(ctx, q)
}

// DuplicateQueryHandlerError occurs when a query name has more than one handler.
type DuplicateQueryHandlerError struct {
	QueryName string
}

func (e DuplicateQueryHandlerError) Error() string {
	return "query " + e.QueryName + " has more than one handler"
}

// NoQueryHandlerError occurs when a query is asked with no handler registered for it.
type NoQueryHandlerError struct {
	QueryName string
}

func (e NoQueryHandlerError) Error() string {
	return "no handler registered for query " + e.QueryName
}

// QueryBusConfig holds the QueryBus configuration.
type QueryBusConfig struct {
	// Handlers to register, one per query name.
	Handlers []QueryHandler

	Logger ordermill.LoggerAdapter
}

func (c *QueryBusConfig) setDefaults() {
	if c.Logger == nil {
		c.Logger = ordermill.NopLogger{}
	}
}

func (c QueryBusConfig) Validate() error {
	if len(c.Handlers) == 0 {
		return errors.New("no query handlers")
	}
	for _, h := range c.Handlers {
		if h == nil {
			return errors.New("nil query handler")
		}
	}

	return nil
}

// QueryBus dispatches queries synchronously to their registered handlers.
type QueryBus struct {
	handlers map[string]QueryHandler
	logger   ordermill.LoggerAdapter
}

// NewQueryBus registers all query handlers.
func NewQueryBus(config QueryBusConfig) (*QueryBus, error) {
	config.setDefaults()
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid query bus config")
	}

	handlers := make(map[string]QueryHandler, len(config.Handlers))
	for _, handler := range config.Handlers {
		queryName := MessageName(handler.NewQuery())
		if _, ok := handlers[queryName]; ok {
			return nil, DuplicateQueryHandlerError{QueryName: queryName}
		}

		handlers[queryName] = handler

		config.Logger.Debug("Registered query handler", ordermill.LogFields{
			"query_name":   queryName,
			"handler_name": handler.HandlerName(),
		})
	}

	return &QueryBus{
		handlers: handlers,
		logger:   config.Logger,
	}, nil
}

// Ask dispatches the query to its handler and returns the result.
func (b *QueryBus) Ask(ctx context.Context, query interface{}) (interface{}, error) {
	queryName := MessageName(query)

	handler, ok := b.handlers[queryName]
	if !ok {
		return nil, NoQueryHandlerError{QueryName: queryName}
	}

	return handler.Handle(ctx, query)
}
