// Package broker defines the cross-process pub/sub bridge. Every process
// subscribes to the topics its local connections need; every process
// receives every message published on those topics, its own included.
package broker

import (
	"context"
	"errors"
)

var (
	// ErrAlreadySubscribed is returned when a topic already has a handler in
	// this process.
	ErrAlreadySubscribed = errors.New("broker: topic already subscribed")

	// ErrUnavailable is returned when the broker cannot be reached.
	ErrUnavailable = errors.New("broker: unavailable")
)

// Handler receives raw message bodies. Calls for one topic are serialized in
// broker delivery order.
type Handler func(ctx context.Context, topic string, data []byte)

type Broker interface {
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(ctx context.Context, topic string, h Handler) error
	Unsubscribe(ctx context.Context, topic string) error
	Close() error
}
