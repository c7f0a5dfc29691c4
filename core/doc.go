// Package core assembles the order processing system: the event-sourced
// order aggregate behind a command bus, the outbox relay publishing the
// order streams, the fulfilment saga with its watchdog, and the order
// view projector behind a query bus.
//
// core is a convenience composition root. Everything it wires is public,
// so callers with different needs can assemble the pieces themselves.
package core
