// Package pubsub provides a generic in-process publish/subscribe broker.
package pubsub

import "time"

// EventType labels a published event. Consumers define their own values;
// the broker never interprets them.
type EventType string

// Event wraps a typed payload with its label and publish time.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}
