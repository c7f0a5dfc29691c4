package eventstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-memory EventStore.
//
// It is safe for concurrent use and intended for tests and single-process setups.
type Memory struct {
	lock    sync.RWMutex
	streams map[string][]Event

	now func() time.Time
}

// NewMemory creates an empty in-memory event store.
func NewMemory() *Memory {
	return &Memory{
		streams: map[string][]Event{},
		now:     time.Now,
	}
}

func (m *Memory) Append(ctx context.Context, aggregateID string, expectedVersion int64, events []EventData) error {
	if err := validateAppend(aggregateID, expectedVersion, events); err != nil {
		return err
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	stream := m.streams[aggregateID]

	// sequence numbers are gap-free from 1, so the version is the stream length
	currentVersion := int64(len(stream))
	if currentVersion != expectedVersion {
		return ConflictError{
			AggregateID:     aggregateID,
			ExpectedVersion: expectedVersion,
			ActualVersion:   currentVersion,
		}
	}

	for i, event := range events {
		payload := make([]byte, len(event.Payload))
		copy(payload, event.Payload)

		stream = append(stream, Event{
			AggregateID:    aggregateID,
			SequenceNumber: expectedVersion + int64(i) + 1,
			EventType:      event.EventType,
			Payload:        payload,
			OccurredAt:     normalizeOccurredAt(event.OccurredAt, m.now),
			CorrelationID:  event.CorrelationID,
		})
	}
	m.streams[aggregateID] = stream

	return nil
}

func (m *Memory) ReadStream(ctx context.Context, aggregateID string) ([]Event, error) {
	return m.ReadStreamFrom(ctx, aggregateID, 0)
}

func (m *Memory) ReadStreamFrom(ctx context.Context, aggregateID string, afterSequence int64) ([]Event, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	stream := m.streams[aggregateID]
	if afterSequence < 0 {
		afterSequence = 0
	}
	if afterSequence >= int64(len(stream)) {
		return []Event{}, nil
	}

	suffix := stream[afterSequence:]
	events := make([]Event, len(suffix))
	copy(events, suffix)

	return events, nil
}

func (m *Memory) Streams(ctx context.Context) ([]string, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	ids := make([]string, 0, len(m.streams))
	for id := range m.streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids, nil
}
