// Package projection maintains the denormalized order read model.
//
// A Projector consumes the published order events and folds each one into
// the order's view. Views are eventually consistent, disposable caches;
// the event stream stays authoritative and any view can be rebuilt from
// it at any time.
package projection
