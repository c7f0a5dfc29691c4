package projection

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ThreeDotsLabs/ordermill/order"
)

// OrderView is the denormalized read model of one order.
type OrderView struct {
	ID                string
	CustomerReference string
	Items             []order.Item
	Total             int64
	StatusLabel       string
	CreatedAt         time.Time
	CompletedAt       *time.Time

	// LastAppliedSequenceNumber is the apply watermark: events at or
	// below it are already reflected in the view.
	LastAppliedSequenceNumber int64
}

// ErrNotFound is returned by ViewStore.Get for an order with no view.
var ErrNotFound = errors.New("order view not found")

// ViewStore persists order views keyed by order ID.
type ViewStore interface {
	// Get returns the order's view or ErrNotFound.
	Get(ctx context.Context, orderID string) (OrderView, error)

	// Save stores the view, overwriting the previous version.
	Save(ctx context.Context, view OrderView) error
}

// MemoryViewStore keeps order views in memory.
type MemoryViewStore struct {
	lock  sync.RWMutex
	views map[string]OrderView
}

func NewMemoryViewStore() *MemoryViewStore {
	return &MemoryViewStore{
		views: map[string]OrderView{},
	}
}

func (s *MemoryViewStore) Get(ctx context.Context, orderID string) (OrderView, error) {
	if orderID == "" {
		return OrderView{}, errors.New("empty order id")
	}

	s.lock.RLock()
	defer s.lock.RUnlock()

	view, ok := s.views[orderID]
	if !ok {
		return OrderView{}, ErrNotFound
	}

	return copyView(view), nil
}

func (s *MemoryViewStore) Save(ctx context.Context, view OrderView) error {
	if view.ID == "" {
		return errors.New("empty order id")
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	s.views[view.ID] = copyView(view)

	return nil
}

// copyView detaches the items slice and the completion timestamp so
// callers cannot alias the stored view.
func copyView(view OrderView) OrderView {
	if view.Items != nil {
		items := make([]order.Item, len(view.Items))
		copy(items, view.Items)
		view.Items = items
	}
	if view.CompletedAt != nil {
		completedAt := *view.CompletedAt
		view.CompletedAt = &completedAt
	}
	return view
}
