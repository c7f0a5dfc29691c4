// Package middleware provides a set of middleware for the message router.
//
// Middleware wrap handlers with functionality important in distributed
// systems, like retrying after errors, recovering panics, tagging messages
// with correlation IDs, diverting unprocessable messages to a poison queue
// or dropping duplicates.
package middleware
