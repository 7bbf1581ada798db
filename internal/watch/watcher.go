// Package watch follows one appointment the way a patient's screen does: it
// loads the appointment and its doctor's queue, listens for queue events and
// re-derives the patient view on every event and at least once a minute.
package watch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/jwalitptl/opd-queue/internal/model"
	"github.com/jwalitptl/opd-queue/internal/realtime"
	"github.com/jwalitptl/opd-queue/pkg/clinicday"
	"github.com/jwalitptl/opd-queue/pkg/livestatus"
	"github.com/jwalitptl/opd-queue/pkg/slottime"
)

// Config is read from QUEUEWATCH_* environment variables.
type Config struct {
	Server        string        `envconfig:"SERVER" default:"http://localhost:8080"`
	AppointmentID string        `envconfig:"APPOINTMENT_ID"`
	Timezone      string        `envconfig:"TIMEZONE" default:"Asia/Kolkata"`
	ReconnectWait time.Duration `envconfig:"RECONNECT_WAIT" default:"3s"`
	HTTPTimeout   time.Duration `envconfig:"HTTP_TIMEOUT" default:"10s"`
	LogLevel      string        `envconfig:"LOG_LEVEL" default:"info"`
}

type liveResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Appointment *model.Appointment   `json:"appointment"`
		Snapshot    *model.QueueSnapshot `json:"snapshot"`
	} `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type Watcher struct {
	server        *url.URL
	appointmentID uuid.UUID
	loc           *time.Location
	opts          livestatus.Options
	reconnectWait time.Duration

	client *http.Client
	dialer *websocket.Dialer
	logger zerolog.Logger
	now    func() time.Time

	// OnChange is called whenever the derived view changes.
	OnChange func(livestatus.View)

	appt *model.Appointment
	snap *model.QueueSnapshot
	last *livestatus.View
}

func New(cfg Config, logger zerolog.Logger) (*Watcher, error) {
	server, err := url.Parse(strings.TrimRight(cfg.Server, "/"))
	if err != nil || server.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", cfg.Server)
	}
	appointmentID, err := uuid.Parse(cfg.AppointmentID)
	if err != nil {
		return nil, fmt.Errorf("invalid appointment id %q: %w", cfg.AppointmentID, err)
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 3 * time.Second
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}

	return &Watcher{
		server:        server,
		appointmentID: appointmentID,
		loc:           loc,
		opts:          livestatus.DefaultOptions(),
		reconnectWait: cfg.ReconnectWait,
		client:        &http.Client{Timeout: cfg.HTTPTimeout},
		dialer:        websocket.DefaultDialer,
		logger:        logger,
		now:           time.Now,
		OnChange:      func(livestatus.View) {},
	}, nil
}

// Run follows the appointment until it reaches a terminal state or ctx ends.
// A dropped connection is re-established and the snapshot re-read, since
// events sent while disconnected are lost.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		err := w.session(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		var fatal *fatalError
		if errors.As(err, &fatal) {
			return fatal.err
		}

		w.logger.Warn().Err(err).Dur("retry_in", w.reconnectWait).Msg("connection lost")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.reconnectWait):
		}
	}
}

type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }

// session runs one connection. It returns nil once the view is terminal.
func (w *Watcher) session(ctx context.Context) error {
	if w.appt == nil {
		if err := w.refresh(ctx); err != nil {
			return err
		}
	}

	conn, err := w.connect(ctx, w.appt.DoctorID)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Joined first, so nothing published after this read is missed.
	if err := w.refresh(ctx); err != nil {
		return err
	}
	if w.evaluate().State.Terminal() {
		return nil
	}

	msgs := make(chan []byte)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case msgs <- data:
			case <-stop:
				return
			}
		}
	}()

	timer := time.NewTimer(w.last.RecheckAfter)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		case err := <-readErr:
			return err
		case data := <-msgs:
			refetch, err := w.Apply(data)
			if err != nil {
				w.logger.Debug().Err(err).Msg("ignoring message")
				continue
			}
			if refetch {
				if err := w.refresh(ctx); err != nil {
					return err
				}
			}
		case <-timer.C:
		}

		view := w.evaluate()
		if view.State.Terminal() {
			return nil
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(view.RecheckAfter)
	}
}

func (w *Watcher) connect(ctx context.Context, doctorID uuid.UUID) (*websocket.Conn, error) {
	wsURL := *w.server
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path += "/api/v1/queue/ws"

	conn, _, err := w.dialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", wsURL.String(), err)
	}

	join := realtime.ClientMessage{Action: realtime.ActionJoin, DoctorID: doctorID.String()}
	if err := conn.WriteJSON(join); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to join doctor room: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var ack realtime.ControlMessage
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return nil, fmt.Errorf("no join acknowledgement: %w", err)
	}
	if ack.Type != realtime.ControlAck {
		conn.Close()
		return nil, &fatalError{fmt.Errorf("join rejected: %s", ack.Message)}
	}
	_ = conn.SetReadDeadline(time.Time{})

	w.logger.Debug().Str("doctor_id", doctorID.String()).Msg("joined doctor room")
	return conn, nil
}

// refresh re-reads the appointment and the doctor's snapshot.
func (w *Watcher) refresh(ctx context.Context) error {
	endpoint := w.server.String() + "/api/v1/appointments/" + w.appointmentID.String() + "/live"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &fatalError{err}
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch appointment: %w", err)
	}
	defer resp.Body.Close()

	var body liveResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("failed to decode appointment response: %w", err)
	}
	if !body.Success || body.Data.Appointment == nil || body.Data.Snapshot == nil {
		msg := resp.Status
		if body.Error != nil {
			msg = body.Error.Message
		}
		err := fmt.Errorf("appointment lookup failed: %s", msg)
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusBadRequest {
			return &fatalError{err}
		}
		return err
	}

	w.appt = body.Data.Appointment
	w.snap = body.Data.Snapshot
	return nil
}

// Apply folds one socket message into the local snapshot. It reports whether
// the message concerned this appointment's own slot, in which case its status
// has to be read again.
func (w *Watcher) Apply(data []byte) (bool, error) {
	var env model.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return false, err
	}
	if w.appt == nil || w.snap == nil || env.DoctorID != w.appt.DoctorID.String() {
		return false, fmt.Errorf("message for another doctor")
	}
	event, err := env.Decode()
	if err != nil {
		return false, err
	}

	switch e := event.(type) {
	case model.QueueAdvanced:
		w.snap.CurrentSlotTime = e.CurrentSlotTime
		w.snap.AvgDuration = e.AvgDuration
		w.snap.LastCallTime = e.CalledAt
		w.snap.QueueDate = clinicday.Today(w.now(), w.loc)
	case model.SessionStarted:
		w.snap.SessionStarted = true
	case model.PatientSkipped:
		return slottime.Same(e.SlotTime, w.appt.SlotTime), nil
	case model.VisitCompleted:
		return slottime.Same(e.SlotTime, w.appt.SlotTime), nil
	case model.VisitCancelled:
		return slottime.Same(e.SlotTime, w.appt.SlotTime), nil
	}
	return false, nil
}

// evaluate derives the current view and reports it when it changed.
func (w *Watcher) evaluate() livestatus.View {
	view := livestatus.DeriveWith(livestatus.Input{
		AppointmentStatus: string(w.appt.Status),
		AppointmentDate:   w.appt.Date,
		SlotTime:          w.appt.SlotTime,
		QueueDate:         w.snap.QueueDate,
		CurrentSlotTime:   w.snap.CurrentSlotTime,
		SessionStarted:    w.snap.SessionStarted,
		AvgDuration:       w.snap.AvgDuration,
		Now:               w.now(),
		Location:          w.loc,
	}, w.opts)

	if w.last == nil || changed(*w.last, view) {
		w.OnChange(view)
	}
	w.last = &view
	return view
}

func changed(a, b livestatus.View) bool {
	return a.State != b.State ||
		a.Position != b.Position ||
		a.EstimatedWaitMinutes != b.EstimatedWaitMinutes ||
		a.CurrentSlotTime != b.CurrentSlotTime
}
