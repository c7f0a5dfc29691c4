// Package order implements the order aggregate: a closed union of stream
// events, the commands that produce them, a deterministic fold rebuilding
// order state from its stream, and a pure decision function validating
// commands against that state.
//
// The aggregate is never persisted directly. Its event stream is the only
// durable record; Repository glues the load, decide and append steps
// together on top of an eventstore.EventStore.
package order
