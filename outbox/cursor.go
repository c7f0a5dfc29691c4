package outbox

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// CursorStore persists the last published sequence number per aggregate.
//
// Get returns 0 for an aggregate that was never published. Advance moves
// the cursor forward; it must never move it backwards.
type CursorStore interface {
	Get(ctx context.Context, aggregateID string) (int64, error)
	Advance(ctx context.Context, aggregateID string, sequenceNumber int64) error
}

// MemoryCursorStore keeps cursors in memory. Cursors stored here do not
// survive a restart, so every stream is republished from the beginning;
// use a persistent store when duplicates on restart are too expensive.
type MemoryCursorStore struct {
	lock    sync.RWMutex
	cursors map[string]int64
}

func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{
		cursors: map[string]int64{},
	}
}

func (s *MemoryCursorStore) Get(ctx context.Context, aggregateID string) (int64, error) {
	if aggregateID == "" {
		return 0, errors.New("empty aggregate id")
	}

	s.lock.RLock()
	defer s.lock.RUnlock()

	return s.cursors[aggregateID], nil
}

func (s *MemoryCursorStore) Advance(ctx context.Context, aggregateID string, sequenceNumber int64) error {
	if aggregateID == "" {
		return errors.New("empty aggregate id")
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if sequenceNumber > s.cursors[aggregateID] {
		s.cursors[aggregateID] = sequenceNumber
	}

	return nil
}
