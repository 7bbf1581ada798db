package messaging

import (
	"context"

	"github.com/rs/zerolog"
)

// Handler processes one received message.
type Handler func(ctx context.Context, msg Message) error

// Consume subscribes to pattern and runs handler for every message on a
// background goroutine. Handler errors are logged and do not stop consumption.
// The returned channel is closed once the subscription ends.
func Consume(ctx context.Context, broker Broker, pattern string, handler Handler, logger zerolog.Logger) (<-chan struct{}, error) {
	msgs, err := broker.PSubscribe(ctx, pattern)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range msgs {
			if err := handler(ctx, msg); err != nil {
				logger.Warn().Err(err).Str("channel", msg.Channel).Msg("failed to handle message")
			}
		}
	}()

	return done, nil
}
