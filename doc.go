// Ordermill is a Golang toolkit for event-sourced order processing.
//
// It provides the building blocks of an order pipeline: an append-only
// event store with optimistic concurrency, a pure order aggregate,
// synchronous command and query buses with middleware, an at-least-once
// event relay driven by a persisted cursor, a saga orchestrating
// inventory, payment and notification, and a projector maintaining a
// denormalized order view.
//
// The root package contains only the ambient pieces shared by all
// components: the logger contract, ID generation and correlation
// helpers. Start with the core package to wire a whole system, or pick
// the individual packages to embed the parts you need.
package ordermill
