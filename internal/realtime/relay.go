package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jwalitptl/opd-queue/internal/model"
	"github.com/jwalitptl/opd-queue/pkg/messaging"
	"github.com/jwalitptl/opd-queue/pkg/metrics"
)

const channelPrefix = "opdq:doctor:"

// Channel is the broker channel carrying one doctor's events.
func Channel(doctorID uuid.UUID) string {
	return channelPrefix + doctorID.String()
}

const (
	defaultRelayQueueSize      = 256
	defaultRelayPublishTimeout = 2 * time.Second
)

// Relay publishes queue events through a broker so that watchers connected to
// any instance see them. Each instance feeds its own hub from the broker
// subscription.
type Relay struct {
	broker  messaging.Broker
	hub     *Hub
	metrics *metrics.Metrics
	logger  zerolog.Logger

	queue     chan outbound
	queueSize int
	timeout   time.Duration
}

type outbound struct {
	doctorID  uuid.UUID
	eventType model.EventType
	data      []byte
}

type RelayOption func(*Relay)

// WithQueueSize bounds how many events may wait for the broker.
func WithQueueSize(n int) RelayOption {
	return func(r *Relay) { r.queueSize = n }
}

// WithPublishTimeout bounds a single broker publish.
func WithPublishTimeout(d time.Duration) RelayOption {
	return func(r *Relay) { r.timeout = d }
}

func NewRelay(broker messaging.Broker, hub *Hub, m *metrics.Metrics, logger zerolog.Logger, opts ...RelayOption) *Relay {
	if m == nil {
		m = metrics.NewTest()
	}
	r := &Relay{
		broker:    broker,
		hub:       hub,
		metrics:   m,
		logger:    logger,
		queueSize: defaultRelayQueueSize,
		timeout:   defaultRelayPublishTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.queueSize < 1 {
		r.queueSize = defaultRelayQueueSize
	}
	if r.timeout <= 0 {
		r.timeout = defaultRelayPublishTimeout
	}
	r.queue = make(chan outbound, r.queueSize)
	return r
}

// Publish queues events for the broker and returns without waiting on it, so
// callers may hold locks. A single sender drains the queue, which keeps the
// order events were queued in. When the queue is full the events reach this
// instance's own watchers only.
func (r *Relay) Publish(_ context.Context, doctorID uuid.UUID, events ...model.QueueEvent) {
	for _, event := range events {
		data, err := encode(doctorID, event)
		if err != nil {
			r.logger.Error().Err(err).Str("doctor_id", doctorID.String()).Msg("failed to encode queue event")
			continue
		}

		out := outbound{doctorID: doctorID, eventType: event.EventType(), data: data}
		select {
		case r.queue <- out:
		default:
			r.logger.Warn().
				Str("doctor_id", doctorID.String()).
				Str("type", string(out.eventType)).
				Msg("relay queue full, delivering locally only")
			r.hub.Deliver(doctorID, data)
			r.metrics.RealtimeEventsPublished.WithLabelValues(string(out.eventType)).Inc()
		}
	}
}

// Run subscribes to every doctor channel and forwards messages to the hub, and
// sends queued events to the broker, until ctx is cancelled. The returned
// channel closes when both have stopped.
func (r *Relay) Run(ctx context.Context) (<-chan struct{}, error) {
	consumed, err := messaging.Consume(ctx, r.broker, channelPrefix+"*", r.handle, r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to queue events: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.send(ctx)
		<-consumed
	}()
	return done, nil
}

func (r *Relay) send(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case out := <-r.queue:
			r.forward(ctx, out)
		}
	}
}

func (r *Relay) forward(ctx context.Context, out outbound) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	channel := Channel(out.doctorID)
	if err := r.broker.Publish(ctx, channel, out.data); err != nil {
		r.logger.Warn().Err(err).
			Str("channel", channel).
			Str("type", string(out.eventType)).
			Msg("broker publish failed, delivering locally only")
		r.hub.Deliver(out.doctorID, out.data)
	}
	r.metrics.RealtimeEventsPublished.WithLabelValues(string(out.eventType)).Inc()
}

func (r *Relay) handle(_ context.Context, msg messaging.Message) error {
	doctorID, err := uuid.Parse(strings.TrimPrefix(msg.Channel, channelPrefix))
	if err != nil {
		return fmt.Errorf("unexpected channel %q: %w", msg.Channel, err)
	}

	var env model.Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return fmt.Errorf("malformed envelope: %w", err)
	}
	if env.DoctorID != doctorID.String() {
		return fmt.Errorf("envelope for doctor %s arrived on %s", env.DoctorID, msg.Channel)
	}

	r.hub.Deliver(doctorID, msg.Payload)
	return nil
}
