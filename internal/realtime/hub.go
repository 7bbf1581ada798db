package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jwalitptl/opd-queue/internal/model"
	"github.com/jwalitptl/opd-queue/pkg/metrics"
)

const defaultSendBuffer = 64

// Client is one connected watcher. Rooms are only touched by the hub while
// it holds its lock.
type Client struct {
	ID   string
	Send chan []byte

	rooms  map[uuid.UUID]struct{}
	closed bool
}

func NewClient(id string, buffer int) *Client {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	return &Client{
		ID:    id,
		Send:  make(chan []byte, buffer),
		rooms: make(map[uuid.UUID]struct{}),
	}
}

// Hub tracks which clients watch which doctor and fans events out to them.
// A slow client never holds up the others: when its buffer is full the
// message is dropped for that client only.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[uuid.UUID]map[*Client]struct{}
	clients map[*Client]struct{}
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func NewHub(m *metrics.Metrics, logger zerolog.Logger) *Hub {
	if m == nil {
		m = metrics.NewTest()
	}
	return &Hub{
		rooms:   make(map[uuid.UUID]map[*Client]struct{}),
		clients: make(map[*Client]struct{}),
		metrics: m,
		logger:  logger,
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; ok || c.closed {
		return
	}
	h.clients[c] = struct{}{}
	h.metrics.RealtimeSubscribers.Inc()
}

// Unregister removes the client from every room and closes its send channel.
// Calling it twice is harmless.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; !ok {
		return
	}
	for doctorID := range c.rooms {
		h.removeFromRoom(c, doctorID)
	}
	delete(h.clients, c)
	c.closed = true
	close(c.Send)
	h.metrics.RealtimeSubscribers.Dec()
}

// Join subscribes c to a doctor's room. Joining a room twice leaves a single
// membership.
func (h *Hub) Join(c *Client, doctorID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; !ok {
		return
	}
	room, ok := h.rooms[doctorID]
	if !ok {
		room = make(map[*Client]struct{})
		h.rooms[doctorID] = room
	}
	room[c] = struct{}{}
	c.rooms[doctorID] = struct{}{}
}

func (h *Hub) Leave(c *Client, doctorID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeFromRoom(c, doctorID)
}

func (h *Hub) removeFromRoom(c *Client, doctorID uuid.UUID) {
	delete(c.rooms, doctorID)
	room, ok := h.rooms[doctorID]
	if !ok {
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, doctorID)
	}
}

// Deliver enqueues an already encoded message for every client in the room
// and reports how many accepted it.
func (h *Hub) Deliver(doctorID uuid.UUID, data []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for c := range h.rooms[doctorID] {
		select {
		case c.Send <- data:
			delivered++
		default:
			h.metrics.RealtimeEventsDropped.Inc()
			h.logger.Debug().
				Str("client_id", c.ID).
				Str("doctor_id", doctorID.String()).
				Msg("client buffer full, dropping event")
		}
	}
	return delivered
}

// Publish makes the hub the engine's publisher on a single instance.
func (h *Hub) Publish(_ context.Context, doctorID uuid.UUID, events ...model.QueueEvent) {
	for _, event := range events {
		data, err := encode(doctorID, event)
		if err != nil {
			h.logger.Error().Err(err).Str("doctor_id", doctorID.String()).Msg("failed to encode queue event")
			continue
		}
		h.Deliver(doctorID, data)
		h.metrics.RealtimeEventsPublished.WithLabelValues(string(event.EventType())).Inc()
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) RoomCount(doctorID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[doctorID])
}

func encode(doctorID uuid.UUID, event model.QueueEvent) ([]byte, error) {
	env, err := model.NewEnvelope(doctorID.String(), event)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}
