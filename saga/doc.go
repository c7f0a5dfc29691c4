// Package saga orchestrates order fulfilment across the inventory, payment
// and notification services.
//
// The Orchestrator is a state machine per order, advanced only by consuming
// the order's published events. It issues commands (reserve inventory,
// process payment, complete, compensate) and records each issued action in
// the state's compensation log before dispatching it, so at-least-once
// event delivery never dispatches an action twice.
//
// The Watchdog cancels orders stuck in a non-terminal step beyond the
// configured deadline, using the same compensation log for idempotency.
package saga
