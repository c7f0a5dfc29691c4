package cqrs

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/ThreeDotsLabs/ordermill"
	"github.com/ThreeDotsLabs/ordermill/eventstore"
)

// Command outcome labels used by logging and metrics.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeConflict = "conflict"
	OutcomeError    = "error"
)

// ErrorClassifier maps a handler error to one of the outcome labels.
type ErrorClassifier func(err error) string

// DefaultErrorClassifier knows the bus's own rejections and the event store's
// conflicts. Domain specific rejections need a custom classifier.
func DefaultErrorClassifier(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case eventstore.IsConflict(err):
		return OutcomeConflict
	case isInvalidCommand(err):
		return OutcomeRejected
	default:
		return OutcomeError
	}
}

// CommandTimeout bounds handler execution. An expired deadline surfaces as the
// context error, transient for the caller: retrying with the same idempotency
// key is safe.
func CommandTimeout(timeout time.Duration) CommandMiddleware {
	return func(next CommandHandlerFunc) CommandHandlerFunc {
		return func(ctx context.Context, cmd interface{}) error {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			return next(ctx, cmd)
		}
	}
}

type validator interface {
	Validate() error
}

// InvalidCommandError occurs when a command's Validate method rejects it
// before it reaches the handler.
type InvalidCommandError struct {
	CommandName string
	Err         error
}

func (e InvalidCommandError) Error() string {
	return fmt.Sprintf("invalid command %s: %s", e.CommandName, e.Err)
}

func (e InvalidCommandError) Unwrap() error {
	return e.Err
}

func isInvalidCommand(err error) bool {
	var invalid InvalidCommandError
	return errors.As(err, &invalid)
}

// CommandValidator rejects commands implementing
//
//	type validator interface {
//		Validate() error
//	}
//
// before they reach the handler.
func CommandValidator() CommandMiddleware {
	return func(next CommandHandlerFunc) CommandHandlerFunc {
		return func(ctx context.Context, cmd interface{}) error {
			if v, ok := cmd.(validator); ok {
				if err := v.Validate(); err != nil {
					return InvalidCommandError{CommandName: MessageName(cmd), Err: err}
				}
			}

			return next(ctx, cmd)
		}
	}
}

// CommandLogger logs every command with its name, duration and outcome.
// A nil classify falls back to DefaultErrorClassifier.
func CommandLogger(logger ordermill.LoggerAdapter, classify ErrorClassifier) CommandMiddleware {
	if classify == nil {
		classify = DefaultErrorClassifier
	}

	return func(next CommandHandlerFunc) CommandHandlerFunc {
		return func(ctx context.Context, cmd interface{}) error {
			start := time.Now()
			err := next(ctx, cmd)

			logFields := ordermill.LogFields{
				"command_name": MessageName(cmd),
				"duration":     time.Since(start),
				"outcome":      classify(err),
			}
			if correlationID := ordermill.CorrelationIDFromContext(ctx); correlationID != "" {
				logFields["correlation_id"] = correlationID
			}

			if err != nil && classify(err) == OutcomeError {
				logger.Error("Command failed", err, logFields)
			} else {
				logger.Info("Command handled", logFields)
			}

			return err
		}
	}
}
