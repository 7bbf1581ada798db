package realtime

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/jwalitptl/opd-queue/internal/config"
)

const (
	ActionJoin  = "joinDoctorRoom"
	ActionLeave = "leaveDoctorRoom"

	ControlAck   = "ack"
	ControlError = "error"
)

// ClientMessage is what a watcher sends over the socket.
type ClientMessage struct {
	Action   string `json:"action"`
	DoctorID string `json:"doctorId"`
}

// ControlMessage answers a ClientMessage. Queue events never use these types.
type ControlMessage struct {
	Type     string `json:"type"`
	Action   string `json:"action,omitempty"`
	DoctorID string `json:"doctorId,omitempty"`
	Message  string `json:"message,omitempty"`
}

type Handler struct {
	hub      *Hub
	cfg      config.RealtimeConfig
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

func NewHandler(hub *Hub, cfg config.RealtimeConfig, allowedOrigins []string, logger zerolog.Logger) *Handler {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4096
	}
	return &Handler{
		hub:    hub,
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/queue/ws", h.Connect)
}

// Connect upgrades the request and serves the socket until either side goes away.
func (h *Handler) Connect(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := NewClient(uuid.NewString(), h.cfg.SendBuffer)
	h.hub.Register(client)
	h.logger.Debug().Str("client_id", client.ID).Str("remote", c.ClientIP()).Msg("websocket client connected")

	go h.writePump(conn, client)
	go h.readPump(conn, client)
}

func (h *Handler) pongWait() time.Duration {
	return 2 * h.cfg.PingInterval
}

func (h *Handler) readPump(conn *websocket.Conn, client *Client) {
	defer func() {
		h.hub.Unregister(client)
		conn.Close()
		h.logger.Debug().Str("client_id", client.ID).Msg("websocket client disconnected")
	}()

	conn.SetReadLimit(h.cfg.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(h.pongWait()))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.pongWait()))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn().Err(err).Str("client_id", client.ID).Msg("websocket read error")
			}
			return
		}
		h.handleMessage(client, data)
	}
}

func (h *Handler) handleMessage(client *Client, data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.reply(client, ControlMessage{Type: ControlError, Message: "invalid message"})
		return
	}

	doctorID, err := uuid.Parse(msg.DoctorID)
	if err != nil {
		h.reply(client, ControlMessage{Type: ControlError, Action: msg.Action, Message: "invalid doctorId"})
		return
	}

	switch msg.Action {
	case ActionJoin:
		h.hub.Join(client, doctorID)
	case ActionLeave:
		h.hub.Leave(client, doctorID)
	default:
		h.reply(client, ControlMessage{Type: ControlError, Action: msg.Action, Message: "unknown action"})
		return
	}
	h.reply(client, ControlMessage{Type: ControlAck, Action: msg.Action, DoctorID: doctorID.String()})
}

// reply is only called from the read pump, before Unregister closes Send.
func (h *Handler) reply(client *Client, msg ControlMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case client.Send <- data:
	default:
		h.hub.metrics.RealtimeEventsDropped.Inc()
	}
}

func (h *Handler) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case data, ok := <-client.Send:
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		set[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
