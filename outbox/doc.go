// Package outbox publishes appended events to a message channel with an
// at-least-once guarantee.
//
// The Relay reads each aggregate's stream past a persisted per-aggregate
// cursor and publishes the events in sequence order. The cursor advances
// only after a confirmed publish, so a crash between append and publish
// never loses an event; it can only cause a duplicate, which consumers
// must tolerate.
//
// Appends wake the relay through Wake for low latency. A periodic sweep
// over all streams covers events appended while the relay was down and
// publishes that failed past the backoff limit.
package outbox
