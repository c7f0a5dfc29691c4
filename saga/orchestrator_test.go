package saga_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThreeDotsLabs/ordermill"
	"github.com/ThreeDotsLabs/ordermill/envelope"
	"github.com/ThreeDotsLabs/ordermill/eventstore"
	"github.com/ThreeDotsLabs/ordermill/message"
	"github.com/ThreeDotsLabs/ordermill/order"
	"github.com/ThreeDotsLabs/ordermill/saga"
)

const testOrderID = "order-1"

var (
	sagaTestTime = time.Date(2021, 5, 15, 10, 30, 0, 0, time.UTC)

	sagaTestItems = []order.Item{
		{ProductID: "product-1", Quantity: 2, UnitPrice: 1050},
		{ProductID: "product-2", Quantity: 1, UnitPrice: 399},
	}
)

// commandRecorder is a CommandSender remembering every dispatched command.
// failNext makes the next n sends of an action type fail without recording.
type commandRecorder struct {
	lock     sync.Mutex
	sent     []saga.Command
	failNext map[string]int
	sendErr  func(action saga.Command) error
}

func newCommandRecorder() *commandRecorder {
	return &commandRecorder{failNext: map[string]int{}}
}

func (r *commandRecorder) Send(_ context.Context, cmd interface{}) error {
	action, ok := cmd.(saga.Command)
	if !ok {
		return errors.Errorf("unexpected command type %T", cmd)
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	if r.failNext[action.Name()] > 0 {
		r.failNext[action.Name()]--
		return errors.New("dispatch failed")
	}
	if r.sendErr != nil {
		if err := r.sendErr(action); err != nil {
			return err
		}
	}

	r.sent = append(r.sent, action)
	return nil
}

func (r *commandRecorder) sentNames() []string {
	r.lock.Lock()
	defer r.lock.Unlock()

	var names []string
	for _, action := range r.sent {
		names = append(names, action.Name())
	}
	return names
}

func (r *commandRecorder) sentCount(actionType string) int {
	r.lock.Lock()
	defer r.lock.Unlock()

	count := 0
	for _, action := range r.sent {
		if action.Name() == actionType {
			count++
		}
	}
	return count
}

func storedEvent(t *testing.T, seq int64, event order.Event) eventstore.Event {
	t.Helper()

	eventType, payload, err := order.MarshalEvent(event)
	require.NoError(t, err)

	return eventstore.Event{
		AggregateID:    testOrderID,
		SequenceNumber: seq,
		EventType:      eventType,
		Payload:        payload,
		OccurredAt:     sagaTestTime,
	}
}

type orchestratorFixture struct {
	store    *saga.MemoryStore
	commands *commandRecorder
	orch     *saga.Orchestrator
}

func newOrchestratorFixture(t *testing.T) *orchestratorFixture {
	t.Helper()

	store := saga.NewMemoryStore()
	commands := newCommandRecorder()

	orch, err := saga.NewOrchestrator(saga.OrchestratorConfig{
		Store:    store,
		Commands: commands,
		Logger:   ordermill.NewStdLogger(true, true),
		Now:      func() time.Time { return sagaTestTime },
	})
	require.NoError(t, err)

	return &orchestratorFixture{store: store, commands: commands, orch: orch}
}

func (f *orchestratorFixture) process(t *testing.T, seq int64, event order.Event) {
	t.Helper()
	require.NoError(t, f.orch.ProcessEvent(context.Background(), storedEvent(t, seq, event)))
}

func (f *orchestratorFixture) state(t *testing.T) saga.State {
	t.Helper()

	state, err := f.store.Load(context.Background(), testOrderID)
	require.NoError(t, err)
	return state
}

func TestOrchestrator_happy_path(t *testing.T) {
	f := newOrchestratorFixture(t)

	f.process(t, 1, order.OrderCreated{CustomerReference: "customer-1", Items: sagaTestItems})

	state := f.state(t)
	assert.Equal(t, saga.StepAwaitingInventory, state.Step)
	assert.Equal(t, int64(1), state.LastEventSequenceSeen)
	assert.Equal(t, "customer-1", state.CustomerReference)
	assert.Equal(t, int64(2499), state.Total)
	assert.True(t, state.ActionLogged("ReserveInventory"))

	f.process(t, 2, order.InventoryReserved{})

	state = f.state(t)
	assert.Equal(t, saga.StepAwaitingPayment, state.Step)
	assert.Equal(t, int64(2), state.LastEventSequenceSeen)

	f.process(t, 3, order.PaymentProcessed{PaymentReference: "payment-1"})

	state = f.state(t)
	assert.Equal(t, saga.StepCompleted, state.Step)
	assert.Equal(t, int64(3), state.LastEventSequenceSeen)
	assert.Equal(t, sagaTestTime, state.UpdatedAt)

	require.Equal(t,
		[]string{"ReserveInventory", "ProcessPayment", "CompleteOrder", "SendConfirmation"},
		f.commands.sentNames(),
	)

	reserve, ok := f.commands.sent[0].(saga.ReserveInventory)
	require.True(t, ok)
	assert.Equal(t, testOrderID, reserve.OrderID)
	assert.Equal(t, sagaTestItems, reserve.Items)

	payment, ok := f.commands.sent[1].(saga.ProcessPayment)
	require.True(t, ok)
	assert.Equal(t, int64(2499), payment.Amount)

	confirmation, ok := f.commands.sent[3].(saga.SendConfirmation)
	require.True(t, ok)
	assert.Equal(t, "customer-1", confirmation.CustomerReference)
}

func TestOrchestrator_inventory_failure_cancels_order(t *testing.T) {
	f := newOrchestratorFixture(t)

	f.process(t, 1, order.OrderCreated{CustomerReference: "customer-1", Items: sagaTestItems})
	f.process(t, 2, order.InventoryReservationFailed{Reason: "out of stock"})

	require.Equal(t, []string{"ReserveInventory", "CancelOrder"}, f.commands.sentNames())

	cancel, ok := f.commands.sent[1].(order.CancelOrder)
	require.True(t, ok)
	assert.Equal(t, "stock", cancel.Reason)

	state := f.state(t)
	assert.Equal(t, saga.StepCancelled, state.Step)
	assert.Zero(t, f.commands.sentCount("ProcessPayment"),
		"payment must never be attempted when inventory was not reserved")

	// the cancellation event the dispatched command produces only moves the watermark
	f.process(t, 3, order.OrderCancelled{Reason: "stock"})

	state = f.state(t)
	assert.Equal(t, saga.StepCancelled, state.Step)
	assert.Equal(t, int64(3), state.LastEventSequenceSeen)
	assert.Len(t, f.commands.sent, 2)
}

func TestOrchestrator_payment_failure_compensates(t *testing.T) {
	f := newOrchestratorFixture(t)

	f.process(t, 1, order.OrderCreated{CustomerReference: "customer-1", Items: sagaTestItems})
	f.process(t, 2, order.InventoryReserved{})
	f.process(t, 3, order.PaymentFailed{Reason: "card declined"})

	require.Equal(t,
		[]string{"ReserveInventory", "ProcessPayment", "ReleaseInventory", "CancelOrder"},
		f.commands.sentNames(),
	)

	cancel, ok := f.commands.sent[3].(order.CancelOrder)
	require.True(t, ok)
	assert.Equal(t, "payment", cancel.Reason)

	state := f.state(t)
	assert.Equal(t, saga.StepCancelled, state.Step)
	assert.True(t, state.ActionLogged("ReleaseInventory"))
	assert.True(t, state.ActionLogged("CancelOrder"))
	assert.Equal(t, 1, f.commands.sentCount("ReleaseInventory"))
}

func TestOrchestrator_duplicate_delivery_is_discarded(t *testing.T) {
	f := newOrchestratorFixture(t)

	created := order.OrderCreated{CustomerReference: "customer-1", Items: sagaTestItems}
	f.process(t, 1, created)
	f.process(t, 1, created)

	state := f.state(t)
	assert.Equal(t, saga.StepAwaitingInventory, state.Step)
	assert.Equal(t, int64(1), state.LastEventSequenceSeen)
	assert.Len(t, state.CompensationLog, 1)
	assert.Equal(t, 1, f.commands.sentCount("ReserveInventory"))
}

func TestOrchestrator_stale_event_after_cancellation_is_discarded(t *testing.T) {
	f := newOrchestratorFixture(t)

	// the cancellation overtakes the creation event
	f.process(t, 2, order.OrderCancelled{Reason: "manual"})
	f.process(t, 1, order.OrderCreated{CustomerReference: "customer-1", Items: sagaTestItems})

	state := f.state(t)
	assert.Equal(t, saga.StepCancelled, state.Step)
	assert.Equal(t, int64(2), state.LastEventSequenceSeen)
	assert.Empty(t, f.commands.sent,
		"a cancelled order must not have its inventory reserved")
}

func TestOrchestrator_event_without_saga_is_ignored(t *testing.T) {
	f := newOrchestratorFixture(t)

	require.NoError(t, f.orch.ProcessEvent(
		context.Background(),
		storedEvent(t, 2, order.InventoryReserved{}),
	))

	_, err := f.store.Load(context.Background(), testOrderID)
	assert.Equal(t, saga.ErrNotFound, errors.Cause(err), "no saga state should be created")
	assert.Empty(t, f.commands.sent)
}

func TestOrchestrator_failed_dispatch_is_retried_on_redelivery(t *testing.T) {
	f := newOrchestratorFixture(t)

	f.process(t, 1, order.OrderCreated{CustomerReference: "customer-1", Items: sagaTestItems})
	f.process(t, 2, order.InventoryReserved{})

	f.commands.failNext["CancelOrder"] = 1

	failed := storedEvent(t, 3, order.PaymentFailed{Reason: "card declined"})
	err := f.orch.ProcessEvent(context.Background(), failed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot dispatch CancelOrder")

	state := f.state(t)
	assert.Equal(t, saga.StepAwaitingPayment, state.Step, "step must not advance past a failed dispatch")
	assert.Equal(t, int64(2), state.LastEventSequenceSeen)
	assert.True(t, state.ActionLogged("ReleaseInventory"))
	assert.False(t, state.ActionLogged("CancelOrder"), "a failed dispatch must be unlogged")

	// redelivery resumes the transition where it was interrupted
	require.NoError(t, f.orch.ProcessEvent(context.Background(), failed))

	state = f.state(t)
	assert.Equal(t, saga.StepCancelled, state.Step)
	assert.Equal(t, int64(3), state.LastEventSequenceSeen)
	assert.True(t, state.ActionLogged("CancelOrder"))

	assert.Equal(t, 1, f.commands.sentCount("ReleaseInventory"),
		"the already logged compensation must not be dispatched twice")
	assert.Equal(t, 1, f.commands.sentCount("CancelOrder"))
}

func TestOrchestrator_logged_action_is_never_redispatched(t *testing.T) {
	f := newOrchestratorFixture(t)

	// a crash between the compensation log write and the dispatch leaves
	// the action logged but unsent
	require.NoError(t, f.store.Save(context.Background(), saga.State{
		OrderID: testOrderID,
		Step:    saga.StepNone,
		CompensationLog: []saga.LoggedAction{
			{ActionType: "ReserveInventory", LoggedAt: sagaTestTime},
		},
	}))

	f.process(t, 1, order.OrderCreated{CustomerReference: "customer-1", Items: sagaTestItems})

	state := f.state(t)
	assert.Equal(t, saga.StepAwaitingInventory, state.Step)
	assert.Equal(t, int64(1), state.LastEventSequenceSeen)
	assert.Empty(t, f.commands.sent)
}

func TestOrchestrator_logs_before_sending(t *testing.T) {
	store := &failingSagaStore{MemoryStore: saga.NewMemoryStore()}
	commands := newCommandRecorder()

	orch, err := saga.NewOrchestrator(saga.OrchestratorConfig{
		Store:    store,
		Commands: commands,
		Now:      func() time.Time { return sagaTestTime },
	})
	require.NoError(t, err)

	store.failSaves = true

	err = orch.ProcessEvent(
		context.Background(),
		storedEvent(t, 1, order.OrderCreated{CustomerReference: "customer-1", Items: sagaTestItems}),
	)
	require.Error(t, err)
	assert.Empty(t, commands.sent, "nothing may be dispatched before its log entry is persisted")
}

func TestOrchestrator_rejects_unknown_event_payload(t *testing.T) {
	f := newOrchestratorFixture(t)

	err := f.orch.ProcessEvent(context.Background(), eventstore.Event{
		AggregateID:    testOrderID,
		SequenceNumber: 1,
		EventType:      "OrderShredded",
		Payload:        []byte(`{}`),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot decode")
}

func TestOrchestrator_handler_consumes_event_messages(t *testing.T) {
	f := newOrchestratorFixture(t)
	handler := f.orch.Handler()

	msg := envelope.ToMessage(storedEvent(t, 1, order.OrderCreated{
		CustomerReference: "customer-1",
		Items:             sagaTestItems,
	}))
	require.NoError(t, handler(msg))

	assert.Equal(t, []string{"ReserveInventory"}, f.commands.sentNames())
	assert.Equal(t, saga.StepAwaitingInventory, f.state(t).Step)
}

func TestOrchestrator_handler_rejects_malformed_message(t *testing.T) {
	f := newOrchestratorFixture(t)
	handler := f.orch.Handler()

	err := handler(message.NewMessage("1", []byte(`{}`)))
	require.Error(t, err)
	assert.Empty(t, f.commands.sent)
}

func TestNewOrchestrator_config_validation(t *testing.T) {
	_, err := saga.NewOrchestrator(saga.OrchestratorConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing saga store")
	assert.Contains(t, err.Error(), "missing command sender")
}

// failingSagaStore fails every Save once failSaves is set.
type failingSagaStore struct {
	*saga.MemoryStore
	failSaves bool
}

func (s *failingSagaStore) Save(ctx context.Context, state saga.State) error {
	if s.failSaves {
		return errors.New("store is down")
	}
	return s.MemoryStore.Save(ctx, state)
}
