// Package cqrs provides synchronous command and query buses.
//
// Each command and each query has exactly one handler; registering two
// handlers for one name fails at construction. Commands go through an ordered
// middleware chain composed once at construction, the same shape as the
// message router's middleware.
//
// The buses are synchronous on purpose: command handlers append to the event
// store and their result (including concurrency conflicts) must reach the
// caller. Asynchronous processing happens downstream, on the published events.
package cqrs
