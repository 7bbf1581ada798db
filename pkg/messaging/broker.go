package messaging

import (
	"context"
)

// Broker defines the interface for message brokers
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// PSubscribe delivers messages from every channel matching pattern until ctx
	// is cancelled, then closes the returned channel.
	PSubscribe(ctx context.Context, pattern string) (<-chan Message, error)
	Close() error
}

// Message is one payload received from a channel.
type Message struct {
	Channel string
	Payload []byte
}
