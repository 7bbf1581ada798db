package watch

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/opd-queue/internal/config"
	queuehandler "github.com/jwalitptl/opd-queue/internal/handler/queue"
	"github.com/jwalitptl/opd-queue/internal/model"
	"github.com/jwalitptl/opd-queue/internal/realtime"
	"github.com/jwalitptl/opd-queue/internal/repository/memory"
	"github.com/jwalitptl/opd-queue/internal/service/queue"
	"github.com/jwalitptl/opd-queue/pkg/clinicday"
	"github.com/jwalitptl/opd-queue/pkg/livestatus"
	"github.com/jwalitptl/opd-queue/pkg/metrics"
)

var (
	testNow = time.Date(2024, 3, 9, 9, 0, 0, 0, time.UTC)
	testDay = clinicday.Day{Year: 2024, Month: time.March, Day: 9}
)

func newTestWatcher(t *testing.T, server string, appointmentID uuid.UUID) *Watcher {
	t.Helper()
	w, err := New(Config{
		Server:        server,
		AppointmentID: appointmentID.String(),
		Timezone:      "UTC",
		ReconnectWait: 50 * time.Millisecond,
	}, zerolog.Nop())
	require.NoError(t, err)
	w.now = func() time.Time { return testNow }
	return w
}

func envelope(t *testing.T, doctorID uuid.UUID, event model.QueueEvent) []byte {
	t.Helper()
	env, err := model.NewEnvelope(doctorID.String(), event)
	require.NoError(t, err)
	data, err := json.Marshal(env)
	require.NoError(t, err)
	return data
}

func TestNew_RejectsBadConfig(t *testing.T) {
	_, err := New(Config{Server: "::", AppointmentID: uuid.NewString(), Timezone: "UTC"}, zerolog.Nop())
	assert.Error(t, err)

	_, err = New(Config{Server: "http://localhost:8080", AppointmentID: "nope", Timezone: "UTC"}, zerolog.Nop())
	assert.Error(t, err)

	_, err = New(Config{Server: "http://localhost:8080", AppointmentID: uuid.NewString(), Timezone: "Mars/Olympus"}, zerolog.Nop())
	assert.Error(t, err)
}

func TestApply(t *testing.T) {
	doctorID := uuid.New()
	w := newTestWatcher(t, "http://localhost:8080", uuid.New())
	w.appt = &model.Appointment{DoctorID: doctorID, Date: testDay, SlotTime: "10:30 AM", Status: model.AppointmentStatusPending}
	w.snap = &model.QueueSnapshot{DoctorID: doctorID}

	calledAt := testNow
	refetch, err := w.Apply(envelope(t, doctorID, model.QueueAdvanced{CurrentSlotTime: "9:15 AM", AvgDuration: 12, CalledAt: &calledAt}))
	require.NoError(t, err)
	assert.False(t, refetch)
	assert.Equal(t, "9:15 AM", w.snap.CurrentSlotTime)
	assert.Equal(t, 12.0, w.snap.AvgDuration)
	assert.Equal(t, &calledAt, w.snap.LastCallTime)
	assert.True(t, w.snap.QueueDate.Equal(testDay))

	_, err = w.Apply(envelope(t, doctorID, model.SessionStarted{}))
	require.NoError(t, err)
	assert.True(t, w.snap.SessionStarted)

	refetch, err = w.Apply(envelope(t, doctorID, model.PatientSkipped{SlotTime: "9:00 AM"}))
	require.NoError(t, err)
	assert.False(t, refetch)

	refetch, err = w.Apply(envelope(t, doctorID, model.VisitCancelled{SlotTime: "10:30 am"}))
	require.NoError(t, err)
	assert.True(t, refetch)

	_, err = w.Apply(envelope(t, uuid.New(), model.SessionStarted{}))
	assert.Error(t, err)

	_, err = w.Apply([]byte(`{"type":"ack","action":"joinDoctorRoom"}`))
	assert.Error(t, err)
}

func TestEvaluate_ReportsOnlyChanges(t *testing.T) {
	doctorID := uuid.New()
	w := newTestWatcher(t, "http://localhost:8080", uuid.New())
	w.appt = &model.Appointment{DoctorID: doctorID, Date: testDay, SlotTime: "10:30 AM", Status: model.AppointmentStatusPending}
	w.snap = &model.QueueSnapshot{DoctorID: doctorID, QueueDate: testDay, CurrentSlotTime: "9:00 AM", AvgDuration: 15}

	var seen []livestatus.View
	w.OnChange = func(v livestatus.View) { seen = append(seen, v) }

	w.evaluate()
	w.evaluate()
	require.Len(t, seen, 1)
	assert.Equal(t, livestatus.StateWaiting, seen[0].State)
	assert.Equal(t, 6, seen[0].Position)

	w.snap.CurrentSlotTime = "9:15 AM"
	w.evaluate()
	require.Len(t, seen, 2)
	assert.Equal(t, 5, seen[1].Position)
}

func TestRun_FollowsQueueUntilTerminal(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := memory.NewStore(15)
	doctor := &model.Doctor{Name: "Dr. Iyer", Active: true}
	require.NoError(t, store.Doctors().Create(ctx, doctor))
	for _, slot := range []string{"9:00 AM", "9:15 AM"} {
		require.NoError(t, store.Appointments().Create(ctx,
			&model.Appointment{DoctorID: doctor.ID, PatientID: uuid.New(), Date: testDay, SlotTime: slot}))
	}
	mine := &model.Appointment{DoctorID: doctor.ID, PatientID: uuid.New(), Date: testDay, SlotTime: "10:30 AM"}
	require.NoError(t, store.Appointments().Create(ctx, mine))

	hub := realtime.NewHub(metrics.NewTest(), zerolog.Nop())
	cfg := queue.DefaultConfig()
	cfg.StatusCacheTTL = 0
	svc := queue.NewService(store.QueueStates(), store.Appointments(), hub, cfg,
		queue.WithClock(func() time.Time { return testNow }))

	r := gin.New()
	api := r.Group("/api/v1")
	api.GET("/appointments/:appointmentId/live", queuehandler.NewHandler(svc).LiveView)
	realtime.NewHandler(hub, config.RealtimeConfig{SendBuffer: 16}, nil, zerolog.Nop()).RegisterRoutes(api)
	srv := httptest.NewServer(r)
	defer srv.Close()

	w := newTestWatcher(t, srv.URL, mine.ID)
	views := make(chan livestatus.View, 16)
	w.OnChange = func(v livestatus.View) { views <- v }

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	next := func() livestatus.View {
		select {
		case v := <-views:
			return v
		case <-ctx.Done():
			t.Fatal("watcher produced no view")
			return livestatus.View{}
		}
	}

	assert.Equal(t, livestatus.StateNotStarted, next().State)

	_, err := svc.Advance(ctx, doctor.ID)
	require.NoError(t, err)
	v := next()
	assert.Equal(t, livestatus.StateWaiting, v.State)
	assert.Equal(t, 6, v.Position)

	_, err = svc.Advance(ctx, doctor.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, next().Position)

	_, err = svc.CancelVisit(ctx, doctor.ID, mine.ID)
	require.NoError(t, err)
	assert.Equal(t, livestatus.StateCancelled, next().State)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("watcher did not stop on a terminal state")
	}
}

func TestRun_UnknownAppointmentIsFatal(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := memory.NewStore(15)
	svc := queue.NewService(store.QueueStates(), store.Appointments(), nil, queue.DefaultConfig())

	r := gin.New()
	r.GET("/api/v1/appointments/:appointmentId/live", queuehandler.NewHandler(svc).LiveView)
	srv := httptest.NewServer(r)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := newTestWatcher(t, srv.URL, uuid.New()).Run(ctx)
	assert.Error(t, err)
}
