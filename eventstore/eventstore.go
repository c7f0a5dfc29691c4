// Package eventstore provides an append-only event store with optimistic concurrency.
//
// Every aggregate owns one stream. Sequence numbers within a stream are gap-free,
// strictly increasing and start at 1. Events are never mutated or deleted once appended.
package eventstore

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Event is a stored event with its position in the aggregate's stream.
type Event struct {
	AggregateID    string
	SequenceNumber int64
	EventType      string
	Payload        []byte
	OccurredAt     time.Time
	CorrelationID  string
}

// EventData is an event awaiting its sequence number.
// OccurredAt defaults to the append time when zero.
type EventData struct {
	EventType     string
	Payload       []byte
	OccurredAt    time.Time
	CorrelationID string
}

// EventStore is the append-only event log.
//
// Append is the single optimistic locking gate: it verifies that the stream's
// current version (the last sequence number, 0 for an empty stream) equals
// expectedVersion and appends all events atomically, or appends nothing.
type EventStore interface {
	// Append appends events to the aggregate's stream with contiguous sequence
	// numbers starting at expectedVersion+1.
	// Returns ConflictError when the stream version does not match expectedVersion.
	Append(ctx context.Context, aggregateID string, expectedVersion int64, events []EventData) error

	// ReadStream returns all events of the aggregate in sequence order.
	// An unknown aggregate yields an empty slice, not an error.
	ReadStream(ctx context.Context, aggregateID string) ([]Event, error)

	// ReadStreamFrom returns the aggregate's events with sequence numbers
	// greater than afterSequence, in sequence order.
	ReadStreamFrom(ctx context.Context, aggregateID string, afterSequence int64) ([]Event, error)

	// Streams returns the IDs of all aggregates that have at least one event.
	Streams(ctx context.Context) ([]string, error)
}

// ConflictError is returned by Append when the expected version does not match
// the stream's current version. The caller may reload the stream and retry.
type ConflictError struct {
	AggregateID     string
	ExpectedVersion int64
	ActualVersion   int64
}

func (e ConflictError) Error() string {
	return fmt.Sprintf(
		"concurrency conflict on aggregate %s: expected version %d, actual version %d",
		e.AggregateID, e.ExpectedVersion, e.ActualVersion,
	)
}

// IsConflict returns true when err is a ConflictError, unwrapping if needed.
func IsConflict(err error) bool {
	_, ok := errors.Cause(err).(ConflictError)
	return ok
}

func validateAppend(aggregateID string, expectedVersion int64, events []EventData) error {
	if aggregateID == "" {
		return errors.New("aggregate id is empty")
	}
	if expectedVersion < 0 {
		return errors.Errorf("expected version %d is negative", expectedVersion)
	}
	if len(events) == 0 {
		return errors.New("no events to append")
	}
	for i, event := range events {
		if event.EventType == "" {
			return errors.Errorf("event %d has an empty event type", i)
		}
	}

	return nil
}

// normalizeOccurredAt fills a missing timestamp and truncates to millisecond,
// the resolution all store implementations can round-trip.
func normalizeOccurredAt(occurredAt time.Time, now func() time.Time) time.Time {
	if occurredAt.IsZero() {
		occurredAt = now()
	}
	return occurredAt.UTC().Truncate(time.Millisecond)
}
