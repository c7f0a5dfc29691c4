package saga

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Step is the saga's position in the fulfilment flow.
type Step int

const (
	// StepNone means no saga exists for the order yet.
	StepNone Step = iota
	StepAwaitingInventory
	StepAwaitingPayment
	StepCompleted
	StepCancelled
)

func (s Step) String() string {
	switch s {
	case StepNone:
		return "None"
	case StepAwaitingInventory:
		return "AwaitingInventory"
	case StepAwaitingPayment:
		return "AwaitingPayment"
	case StepCompleted:
		return "Completed"
	case StepCancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("Step(%d)", int(s))
	}
}

// Terminal steps accept no further transitions.
func (s Step) Terminal() bool {
	return s == StepCompleted || s == StepCancelled
}

// LoggedAction is a compensation log entry: an action the saga has
// committed to dispatching. The (order ID, ActionType) pair is the
// idempotency key guarding against duplicate dispatch.
type LoggedAction struct {
	ActionType string
	LoggedAt   time.Time
}

// State is one order's saga, rebuilt-able from the order's event stream
// plus the dispatched-action log.
type State struct {
	OrderID string
	Step    Step

	// CompensationLog lists actions in dispatch order.
	CompensationLog []LoggedAction

	// LastEventSequenceSeen is the watermark: events at or below it have
	// been fully processed and are discarded on redelivery.
	LastEventSequenceSeen int64

	// CustomerReference and Total are captured from OrderCreated for the
	// commands issued by later transitions.
	CustomerReference string
	Total             int64

	UpdatedAt time.Time
}

// ActionLogged checks the compensation log for an action type.
func (s State) ActionLogged(actionType string) bool {
	for _, logged := range s.CompensationLog {
		if logged.ActionType == actionType {
			return true
		}
	}
	return false
}

func (s *State) logAction(actionType string, at time.Time) {
	s.CompensationLog = append(s.CompensationLog, LoggedAction{
		ActionType: actionType,
		LoggedAt:   at,
	})
}

func (s *State) removeAction(actionType string) {
	for i, logged := range s.CompensationLog {
		if logged.ActionType == actionType {
			s.CompensationLog = append(s.CompensationLog[:i], s.CompensationLog[i+1:]...)
			return
		}
	}
}

// ErrNotFound is returned by Store.Load for an order with no saga state.
var ErrNotFound = errors.New("saga state not found")

// Store persists saga states keyed by order ID.
//
// The state is a derived, rebuildable cache: it may be discarded and
// reconstructed from the order's event stream plus the dispatched-action
// records without loss of correctness.
type Store interface {
	// Load returns the order's state or ErrNotFound.
	Load(ctx context.Context, orderID string) (State, error)

	// Save stores the state, overwriting the previous version.
	Save(ctx context.Context, state State) error

	// ListOlderThan returns all non-terminal states last updated before
	// the given time. Used by the Watchdog to find stuck orders.
	ListOlderThan(ctx context.Context, updatedBefore time.Time) ([]State, error)
}

// MemoryStore keeps saga states in memory.
type MemoryStore struct {
	lock   sync.RWMutex
	states map[string]State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: map[string]State{},
	}
}

func (s *MemoryStore) Load(ctx context.Context, orderID string) (State, error) {
	if orderID == "" {
		return State{}, errors.New("empty order id")
	}

	s.lock.RLock()
	defer s.lock.RUnlock()

	state, ok := s.states[orderID]
	if !ok {
		return State{}, ErrNotFound
	}

	return copyState(state), nil
}

func (s *MemoryStore) Save(ctx context.Context, state State) error {
	if state.OrderID == "" {
		return errors.New("empty order id")
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	s.states[state.OrderID] = copyState(state)

	return nil
}

func (s *MemoryStore) ListOlderThan(ctx context.Context, updatedBefore time.Time) ([]State, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	var stuck []State
	for _, state := range s.states {
		if state.Step.Terminal() {
			continue
		}
		if state.UpdatedAt.Before(updatedBefore) {
			stuck = append(stuck, copyState(state))
		}
	}

	return stuck, nil
}

// copyState deep-copies the compensation log so callers cannot alias the
// stored slice.
func copyState(state State) State {
	if state.CompensationLog != nil {
		log := make([]LoggedAction, len(state.CompensationLog))
		copy(log, state.CompensationLog)
		state.CompensationLog = log
	}
	return state
}
