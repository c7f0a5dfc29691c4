// Package kafka provides a Kafka backed Publisher and Subscriber.
//
// It is intended for running multiple order processing instances against a shared broker.
// For a single process, the gochannel Pub/Sub is a simpler choice.
package kafka
