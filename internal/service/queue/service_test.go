package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/opd-queue/internal/model"
	"github.com/jwalitptl/opd-queue/internal/repository"
	"github.com/jwalitptl/opd-queue/internal/repository/memory"
	"github.com/jwalitptl/opd-queue/pkg/clinicday"
	apperrors "github.com/jwalitptl/opd-queue/pkg/errors"
	"github.com/jwalitptl/opd-queue/pkg/livestatus"
	"github.com/jwalitptl/opd-queue/pkg/metrics"
	"github.com/jwalitptl/opd-queue/pkg/slottime"
)

var testDay = clinicday.Day{Year: 2024, Month: time.March, Day: 9}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(hour, minute int) *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 9, hour, minute, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type published struct {
	doctorID uuid.UUID
	event    model.QueueEvent
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(_ context.Context, doctorID uuid.UUID, events ...model.QueueEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range events {
		p.events = append(p.events, published{doctorID: doctorID, event: e})
	}
}

func (p *recordingPublisher) Events() []model.QueueEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.QueueEvent, len(p.events))
	for i, e := range p.events {
		out[i] = e.event
	}
	return out
}

func (p *recordingPublisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}

type fixture struct {
	store    *memory.Store
	svc      *Service
	pub      *recordingPublisher
	clock    *fakeClock
	metrics  *metrics.Metrics
	doctorID uuid.UUID
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	f := &fixture{
		store:   memory.NewStore(15),
		pub:     &recordingPublisher{},
		clock:   newClock(9, 0),
		metrics: metrics.NewTest(),
	}

	doctor := &model.Doctor{Name: "Dr. Mehta", Active: true}
	require.NoError(t, f.store.Doctors().Create(context.Background(), doctor))
	f.doctorID = doctor.ID

	cfg := DefaultConfig()
	cfg.StatusCacheTTL = 0
	opts = append([]Option{WithClock(f.clock.Now), WithMetrics(f.metrics)}, opts...)
	f.svc = NewService(f.store.QueueStates(), f.store.Appointments(), f.pub, cfg, opts...)
	return f
}

func (f *fixture) book(t *testing.T, slot string) *model.Appointment {
	t.Helper()
	return f.bookWithStatus(t, slot, model.AppointmentStatusPending)
}

func (f *fixture) bookWithStatus(t *testing.T, slot string, status model.AppointmentStatus) *model.Appointment {
	t.Helper()
	a := &model.Appointment{
		DoctorID:  f.doctorID,
		PatientID: uuid.New(),
		Date:      testDay,
		SlotTime:  slot,
		Status:    status,
	}
	require.NoError(t, f.store.Appointments().Create(context.Background(), a))
	return a
}

func (f *fixture) state(t *testing.T) *model.DoctorQueueState {
	t.Helper()
	s, err := f.store.QueueStates().Load(context.Background(), f.doctorID)
	require.NoError(t, err)
	return s
}

func (f *fixture) setCurrent(t *testing.T, slot string) {
	t.Helper()
	s := f.state(t)
	now := f.clock.Now()
	s.CurrentSlotTime = slot
	s.QueueDate = testDay
	s.LastCallTime = &now
	require.NoError(t, f.store.QueueStates().Commit(context.Background(), s))
}

func TestAdvance_ScenarioRecordsDurationSample(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.book(t, "9:00 AM")
	f.book(t, "9:30 AM")
	f.book(t, "10:00 AM")

	first, err := f.svc.Advance(ctx, f.doctorID)
	require.NoError(t, err)
	assert.Equal(t, "9:00 AM", first.CalledSlot)
	assert.Equal(t, 15.0, first.AvgDuration)
	assert.Empty(t, f.state(t).DurationHistory, "first call of the day takes no sample")

	f.clock.Advance(20 * time.Minute)

	second, err := f.svc.Advance(ctx, f.doctorID)
	require.NoError(t, err)
	assert.Equal(t, "9:30 AM", second.CalledSlot)
	assert.Equal(t, 20.0, second.AvgDuration)

	state := f.state(t)
	assert.Equal(t, model.DurationHistory{20}, state.DurationHistory)
	assert.Equal(t, "9:30 AM", state.CurrentSlotTime)
	assert.Equal(t, testDay, state.QueueDate)
	assert.Equal(t, f.clock.Now(), *state.LastCallTime)

	events := f.pub.Events()
	require.Len(t, events, 2)
	adv := events[1].(model.QueueAdvanced)
	assert.Equal(t, "9:30 AM", adv.CurrentSlotTime)
	assert.Equal(t, 20.0, adv.AvgDuration)
	assert.Equal(t, f.clock.Now(), *adv.CalledAt)

	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.QueueAdvances.WithLabelValues("called")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.QueueDurationSamples.WithLabelValues("true")))
}

func TestAdvance_DiscardsOutOfRangeSample(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.book(t, "9:00 AM")
	f.book(t, "9:30 AM")

	_, err := f.svc.Advance(ctx, f.doctorID)
	require.NoError(t, err)

	f.clock.Advance(3 * time.Hour)
	res, err := f.svc.Advance(ctx, f.doctorID)
	require.NoError(t, err)

	assert.Equal(t, "9:30 AM", res.CalledSlot)
	assert.Equal(t, 15.0, res.AvgDuration)
	assert.Empty(t, f.state(t).DurationHistory)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.QueueDurationSamples.WithLabelValues("false")))
}

func TestAdvance_NoCandidateLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.book(t, "9:00 AM")
	f.book(t, "9:30 AM")
	f.book(t, "10:00 AM")

	for i := 0; i < 3; i++ {
		_, err := f.svc.Advance(ctx, f.doctorID)
		require.NoError(t, err)
		f.clock.Advance(10 * time.Minute)
	}
	before := f.state(t)
	f.pub.Reset()

	_, err := f.svc.Advance(ctx, f.doctorID)
	assert.True(t, errors.Is(err, apperrors.ErrNoCandidate))

	after := f.state(t)
	assert.Equal(t, "10:00 AM", after.CurrentSlotTime)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.DurationHistory, after.DurationHistory, "the pending sample is discarded")
	assert.Empty(t, f.pub.Events())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.QueueAdvances.WithLabelValues("no_candidate")))
}

func TestAdvance_SkipsNonPendingAndMalformed(t *testing.T) {
	f := newFixture(t)
	f.bookWithStatus(t, "9:00 AM", model.AppointmentStatusCancelled)
	f.bookWithStatus(t, "9:15 AM", model.AppointmentStatusAbsent)
	f.bookWithStatus(t, "9:30 AM", model.AppointmentStatusCompleted)
	f.book(t, "not a time")
	f.book(t, "9:45 AM")

	res, err := f.svc.Advance(context.Background(), f.doctorID)
	require.NoError(t, err)
	assert.Equal(t, "9:45 AM", res.CalledSlot)
}

func TestAdvance_SelectsMinimumSlotAfterCurrent(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	statuses := []model.AppointmentStatus{
		model.AppointmentStatusPending, model.AppointmentStatusPending,
		model.AppointmentStatusCompleted, model.AppointmentStatusCancelled, model.AppointmentStatusAbsent,
	}

	for round := 0; round < 40; round++ {
		f := newFixture(t)

		minutes := rng.Perm(48)[:1+rng.Intn(12)]
		var pending []int
		for _, m := range minutes {
			slot := 8*60 + m*10
			status := statuses[rng.Intn(len(statuses))]
			f.bookWithStatus(t, slottime.Format(slot), status)
			if status == model.AppointmentStatusPending {
				pending = append(pending, slot)
			}
		}
		sort.Ints(pending)

		current := -1
		if rng.Intn(2) == 0 {
			current = 8*60 + minutes[rng.Intn(len(minutes))]*10
			f.setCurrent(t, slottime.Format(current))
		}

		want := -1
		for _, p := range pending {
			if p > current {
				want = p
				break
			}
		}

		res, err := f.svc.Advance(context.Background(), f.doctorID)
		if want == -1 {
			assert.True(t, errors.Is(err, apperrors.ErrNoCandidate), "round %d", round)
			continue
		}
		require.NoError(t, err, "round %d", round)
		assert.Equal(t, slottime.Format(want), res.CalledSlot, "round %d", round)
	}
}

func TestAdvance_StaleDayStartsFromFirstSlot(t *testing.T) {
	f := newFixture(t)
	f.book(t, "9:00 AM")
	f.book(t, "9:30 AM")

	s := f.state(t)
	yesterday := f.clock.Now().Add(-24 * time.Hour)
	s.CurrentSlotTime = "11:00 AM"
	s.QueueDate = clinicday.Of(yesterday, time.UTC)
	s.LastCallTime = &yesterday
	require.NoError(t, f.store.QueueStates().Commit(context.Background(), s))

	res, err := f.svc.Advance(context.Background(), f.doctorID)
	require.NoError(t, err)
	assert.Equal(t, "9:00 AM", res.CalledSlot)
	assert.Empty(t, f.state(t).DurationHistory, "yesterday's call is not a sample")
}

func TestAdvance_UnknownDoctor(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Advance(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestMarkAbsent_CurrentSlotAutoAdvances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.book(t, "9:00 AM")
	absent := f.book(t, "9:30 AM")
	f.book(t, "10:00 AM")
	f.setCurrent(t, "9:30 AM")
	historyBefore := f.state(t).DurationHistory

	f.clock.Advance(7 * time.Minute)
	res, err := f.svc.MarkAbsent(ctx, f.doctorID, absent.ID)
	require.NoError(t, err)

	assert.True(t, res.AutoAdvanced)
	assert.Equal(t, "10:00 AM", res.NewSlot)
	assert.Equal(t, "9:30 AM", res.SkippedSlot)

	events := f.pub.Events()
	require.Len(t, events, 2)
	assert.Equal(t, model.PatientSkipped{SlotTime: "9:30 AM"}, events[0])
	adv, ok := events[1].(model.QueueAdvanced)
	require.True(t, ok)
	assert.Equal(t, "10:00 AM", adv.CurrentSlotTime)

	state := f.state(t)
	assert.Equal(t, "10:00 AM", state.CurrentSlotTime)
	assert.Equal(t, historyBefore, state.DurationHistory, "absent visit contributes no sample")

	appt, err := f.store.Appointments().Get(ctx, absent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AppointmentStatusAbsent, appt.Status)
}

func TestMarkAbsent_CurrentSlotNoCandidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.book(t, "9:00 AM")
	last := f.book(t, "9:30 AM")
	f.setCurrent(t, "9:30 AM")

	res, err := f.svc.MarkAbsent(ctx, f.doctorID, last.ID)
	require.NoError(t, err)
	assert.False(t, res.AutoAdvanced)
	assert.True(t, res.QueueEmpty)

	state := f.state(t)
	assert.NotEqual(t, "9:30 AM", state.CurrentSlotTime)
	assert.Equal(t, "", state.CurrentSlotTime)
	assert.Equal(t, []model.QueueEvent{model.PatientSkipped{SlotTime: "9:30 AM"}}, f.pub.Events())

	// A later walk-in is picked up after the absent slot, not before it.
	f.book(t, "11:00 AM")
	next, err := f.svc.Advance(ctx, f.doctorID)
	require.NoError(t, err)
	assert.Equal(t, "11:00 AM", next.CalledSlot)
}

func TestMarkAbsent_NotServedSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.book(t, "9:00 AM")
	later := f.book(t, "10:00 AM")
	f.setCurrent(t, "9:00 AM")
	version := f.state(t).Version

	res, err := f.svc.MarkAbsent(ctx, f.doctorID, later.ID)
	require.NoError(t, err)
	assert.False(t, res.AutoAdvanced)
	assert.False(t, res.QueueEmpty)
	assert.Equal(t, "9:00 AM", f.state(t).CurrentSlotTime)
	// the version still moves so concurrent writers elsewhere re-read
	assert.Equal(t, version+1, f.state(t).Version)
	assert.Equal(t, []model.QueueEvent{model.PatientSkipped{SlotTime: "10:00 AM"}}, f.pub.Events())
}

func TestMarkAbsent_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.book(t, "10:00 AM")

	_, err := f.svc.MarkAbsent(ctx, f.doctorID, a.ID)
	require.NoError(t, err)
	f.pub.Reset()

	res, err := f.svc.MarkAbsent(ctx, f.doctorID, a.ID)
	require.NoError(t, err)
	assert.False(t, res.AutoAdvanced)
	assert.Empty(t, f.pub.Events())
}

func TestMarkAbsent_OtherDoctorIsNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other := &model.Doctor{Name: "Dr. Other"}
	require.NoError(t, f.store.Doctors().Create(ctx, other))
	a := &model.Appointment{DoctorID: other.ID, Date: testDay, SlotTime: "9:00 AM"}
	require.NoError(t, f.store.Appointments().Create(ctx, a))

	_, err := f.svc.MarkAbsent(ctx, f.doctorID, a.ID)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))

	_, err = f.svc.MarkAbsent(ctx, f.doctorID, uuid.New())
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))

	stored, err := f.store.Appointments().Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AppointmentStatusPending, stored.Status)
}

func TestMarkAbsent_TerminalStatus(t *testing.T) {
	f := newFixture(t)
	a := f.bookWithStatus(t, "9:00 AM", model.AppointmentStatusCompleted)

	_, err := f.svc.MarkAbsent(context.Background(), f.doctorID, a.ID)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidTransition))
}

func TestReset_KeepsHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.book(t, "9:00 AM")
	f.book(t, "9:30 AM")

	_, err := f.svc.Advance(ctx, f.doctorID)
	require.NoError(t, err)
	f.clock.Advance(25 * time.Minute)
	_, err = f.svc.Advance(ctx, f.doctorID)
	require.NoError(t, err)
	f.pub.Reset()

	require.NoError(t, f.svc.Reset(ctx, f.doctorID))

	state := f.state(t)
	assert.Equal(t, "", state.CurrentSlotTime)
	assert.Equal(t, model.DurationHistory{25}, state.DurationHistory)
	assert.Equal(t, 25.0, state.AvgDuration)
	assert.Equal(t, []model.QueueEvent{model.QueueAdvanced{CurrentSlotTime: "", AvgDuration: 25}}, f.pub.Events())
}

func TestStatus_DayRolloverIsReadOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.book(t, "9:00 AM")

	_, err := f.svc.Advance(ctx, f.doctorID)
	require.NoError(t, err)

	f.clock.Advance(12 * time.Minute)
	snap, err := f.svc.Status(ctx, f.doctorID)
	require.NoError(t, err)
	assert.Equal(t, "9:00 AM", snap.CurrentSlotTime)
	assert.Equal(t, 12, snap.ElapsedMinutes)

	version := f.state(t).Version
	f.clock.Advance(24 * time.Hour)

	snap, err = f.svc.Status(ctx, f.doctorID)
	require.NoError(t, err)
	assert.Equal(t, "", snap.CurrentSlotTime)
	assert.Equal(t, 0, snap.ElapsedMinutes)

	stored := f.state(t)
	assert.Equal(t, "9:00 AM", stored.CurrentSlotTime, "read must not rewrite the stored slot")
	assert.Equal(t, version, stored.Version)
}

func TestStatus_CacheInvalidatedOnCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.book(t, "9:00 AM")

	cfg := DefaultConfig()
	cfg.StatusCacheTTL = time.Hour
	svc := NewService(f.store.QueueStates(), f.store.Appointments(), f.pub, cfg, WithClock(f.clock.Now))

	snap, err := svc.Status(ctx, f.doctorID)
	require.NoError(t, err)
	assert.Equal(t, "", snap.CurrentSlotTime)

	// A write through another instance is not seen until the entry expires.
	f.setCurrent(t, "9:00 AM")
	snap, err = svc.Status(ctx, f.doctorID)
	require.NoError(t, err)
	assert.Equal(t, "", snap.CurrentSlotTime)

	require.NoError(t, svc.Reset(ctx, f.doctorID))
	_, err = svc.Advance(ctx, f.doctorID)
	require.NoError(t, err)

	snap, err = svc.Status(ctx, f.doctorID)
	require.NoError(t, err)
	assert.Equal(t, "9:00 AM", snap.CurrentSlotTime)
}

// lateReadStates runs afterLoad once, between a Load and whatever the caller
// does with the result.
type lateReadStates struct {
	repository.QueueStateRepository
	afterLoad func()
}

func (s *lateReadStates) Load(ctx context.Context, doctorID uuid.UUID) (*model.DoctorQueueState, error) {
	state, err := s.QueueStateRepository.Load(ctx, doctorID)
	if hook := s.afterLoad; hook != nil {
		s.afterLoad = nil
		hook()
	}
	return state, err
}

func TestStatus_SlowReadDoesNotRecacheOldState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.book(t, "9:00 AM")

	states := &lateReadStates{QueueStateRepository: f.store.QueueStates()}
	cfg := DefaultConfig()
	cfg.StatusCacheTTL = time.Hour
	svc := NewService(states, f.store.Appointments(), f.pub, cfg, WithClock(f.clock.Now))

	// The advance commits after Status loaded the state but before it caches
	// the snapshot.
	states.afterLoad = func() {
		_, err := svc.Advance(ctx, f.doctorID)
		require.NoError(t, err)
	}
	snap, err := svc.Status(ctx, f.doctorID)
	require.NoError(t, err)
	assert.Equal(t, "", snap.CurrentSlotTime)

	snap, err = svc.Status(ctx, f.doctorID)
	require.NoError(t, err)
	assert.Equal(t, "9:00 AM", snap.CurrentSlotTime)

	// The fresh read is cached again.
	f.setCurrent(t, "9:30 AM")
	snap, err = svc.Status(ctx, f.doctorID)
	require.NoError(t, err)
	assert.Equal(t, "9:00 AM", snap.CurrentSlotTime)
}

func TestStartSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.StartSession(ctx, f.doctorID))
	assert.Equal(t, []model.QueueEvent{model.SessionStarted{}}, f.pub.Events())

	snap, err := f.svc.Status(ctx, f.doctorID)
	require.NoError(t, err)
	assert.True(t, snap.SessionStarted)

	f.clock.Advance(24 * time.Hour)
	snap, err = f.svc.Status(ctx, f.doctorID)
	require.NoError(t, err)
	assert.False(t, snap.SessionStarted)
}

func TestCompleteAndCancelVisit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.book(t, "9:00 AM")
	b := f.book(t, "9:30 AM")

	res, err := f.svc.CompleteVisit(ctx, f.doctorID, a.ID)
	require.NoError(t, err)
	assert.True(t, res.Changed)

	res, err = f.svc.CancelVisit(ctx, f.doctorID, b.ID)
	require.NoError(t, err)
	assert.True(t, res.Changed)

	res, err = f.svc.CancelVisit(ctx, f.doctorID, b.ID)
	require.NoError(t, err)
	assert.False(t, res.Changed, "cancelling twice is a no-op")

	_, err = f.svc.CancelVisit(ctx, f.doctorID, a.ID)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidTransition))

	assert.Equal(t, []model.QueueEvent{
		model.VisitCompleted{SlotTime: "9:00 AM"},
		model.VisitCancelled{SlotTime: "9:30 AM"},
	}, f.pub.Events())
}

func TestAdvance_ConcurrentCallsNeverDoubleCallOrSkip(t *testing.T) {
	f := newFixture(t)
	slots := []string{"9:00 AM", "9:10 AM", "9:20 AM", "9:30 AM", "9:40 AM", "9:50 AM", "10:00 AM", "10:10 AM"}
	for _, s := range slots {
		f.book(t, s)
	}

	called := runConcurrentAdvances(t, []*Service{f.svc}, f.doctorID, 20)

	assert.Equal(t, slots, called)
}

func TestAdvance_ConcurrentAcrossInstancesUsesVersionCheck(t *testing.T) {
	f := newFixture(t)
	slots := []string{"9:00 AM", "9:10 AM", "9:20 AM", "9:30 AM", "9:40 AM", "9:50 AM"}
	for _, s := range slots {
		f.book(t, s)
	}

	// Separate services share the store but not the in-process lock, as two
	// API replicas would.
	cfg := DefaultConfig()
	cfg.StatusCacheTTL = 0
	cfg.CommitRetries = 100
	services := make([]*Service, 4)
	for i := range services {
		services[i] = NewService(f.store.QueueStates(), f.store.Appointments(), f.pub, cfg, WithClock(f.clock.Now))
	}

	called := runConcurrentAdvances(t, services, f.doctorID, 12)

	// Every successful call is the next slot in order: no duplicates, no gaps.
	assert.Equal(t, slots[:len(called)], called)
	assert.Equal(t, slots[len(slots)-1], f.state(t).CurrentSlotTime)
}

func runConcurrentAdvances(t *testing.T, services []*Service, doctorID uuid.UUID, callers int) []string {
	t.Helper()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		called []*AdvanceResult
		start  = make(chan struct{})
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		svc := services[i%len(services)]
		go func() {
			defer wg.Done()
			<-start
			res, err := svc.Advance(context.Background(), doctorID)
			if err != nil {
				assert.True(t, errors.Is(err, apperrors.ErrNoCandidate) || errors.Is(err, apperrors.ErrStaleWrite), err)
				return
			}
			mu.Lock()
			called = append(called, res)
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	sort.Slice(called, func(i, j int) bool {
		return slottime.Parse(called[i].CalledSlot) < slottime.Parse(called[j].CalledSlot)
	})
	out := make([]string, len(called))
	seen := map[string]bool{}
	for i, r := range called {
		assert.False(t, seen[r.CalledSlot], "slot %s called twice", r.CalledSlot)
		seen[r.CalledSlot] = true
		out[i] = r.CalledSlot
	}
	return out
}

// interleavedStates runs before ahead of the first Commit, standing in for a
// replica that writes between this service's Load and Commit.
type interleavedStates struct {
	repository.QueueStateRepository
	once   sync.Once
	before func()
}

func (s *interleavedStates) Commit(ctx context.Context, state *model.DoctorQueueState) error {
	s.once.Do(s.before)
	return s.QueueStateRepository.Commit(ctx, state)
}

func TestMarkAbsent_RetryAfterConcurrentAdvanceStillPublishesSkip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.book(t, "9:00 AM")
	absent := f.book(t, "9:30 AM")
	f.book(t, "10:00 AM")
	f.setCurrent(t, "9:30 AM")

	states := &interleavedStates{QueueStateRepository: f.store.QueueStates()}
	states.before = func() {
		_, err := f.svc.Advance(ctx, f.doctorID)
		require.NoError(t, err)
	}
	pub := &recordingPublisher{}
	replica := NewService(states, f.store.Appointments(), pub, DefaultConfig(), WithClock(f.clock.Now))

	res, err := replica.MarkAbsent(ctx, f.doctorID, absent.ID)
	require.NoError(t, err)

	// The other replica already moved past 9:30, so the retry only reports
	// the skip.
	assert.False(t, res.AutoAdvanced)
	assert.Equal(t, "9:30 AM", res.SkippedSlot)
	assert.Equal(t, []model.QueueEvent{model.PatientSkipped{SlotTime: "9:30 AM"}}, pub.Events())
	assert.Equal(t, "10:00 AM", f.state(t).CurrentSlotTime)

	stored, err := f.store.Appointments().Get(ctx, absent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AppointmentStatusAbsent, stored.Status)
}

func TestCancelVisit_RetryAfterConcurrentWriteStillPublishes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.book(t, "9:00 AM")
	cancelled := f.book(t, "9:30 AM")

	states := &interleavedStates{QueueStateRepository: f.store.QueueStates()}
	states.before = func() {
		_, err := f.svc.Advance(ctx, f.doctorID)
		require.NoError(t, err)
	}
	pub := &recordingPublisher{}
	replica := NewService(states, f.store.Appointments(), pub, DefaultConfig(), WithClock(f.clock.Now))

	res, err := replica.CancelVisit(ctx, f.doctorID, cancelled.ID)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, []model.QueueEvent{model.VisitCancelled{SlotTime: "9:30 AM"}}, pub.Events())
}

func TestAdvance_ReplicaCannotCallSlotClosedConcurrently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.book(t, "9:00 AM")
	gone := f.book(t, "9:30 AM")
	f.book(t, "10:00 AM")
	f.setCurrent(t, "9:00 AM")

	// The absence lands after the replica listed 9:30 as pending but before
	// it commits.
	states := &interleavedStates{QueueStateRepository: f.store.QueueStates()}
	states.before = func() {
		_, err := f.svc.MarkAbsent(ctx, f.doctorID, gone.ID)
		require.NoError(t, err)
	}
	replica := NewService(states, f.store.Appointments(), nil, DefaultConfig(), WithClock(f.clock.Now))

	res, err := replica.Advance(ctx, f.doctorID)
	require.NoError(t, err)
	assert.Equal(t, "10:00 AM", res.CalledSlot)
	assert.Equal(t, "10:00 AM", f.state(t).CurrentSlotTime)
}

func TestWriters_ConcurrentAdvanceAbsentAndReset(t *testing.T) {
	for _, replicas := range []int{1, 3} {
		replicas := replicas
		t.Run(fmt.Sprintf("replicas=%d", replicas), func(t *testing.T) {
			f := newFixture(t)
			var appts []*model.Appointment
			for m := 0; m < 10; m++ {
				appts = append(appts, f.book(t, slottime.Format(9*60+m*10)))
			}

			cfg := DefaultConfig()
			cfg.StatusCacheTTL = 0
			cfg.CommitRetries = 200
			services := []*Service{f.svc}
			for i := 1; i < replicas; i++ {
				services = append(services, NewService(f.store.QueueStates(), f.store.Appointments(), f.pub, cfg, WithClock(f.clock.Now)))
			}

			var (
				wg    sync.WaitGroup
				start = make(chan struct{})
			)
			run := func(i int, op func(svc *Service) error) {
				wg.Add(1)
				svc := services[i%len(services)]
				go func() {
					defer wg.Done()
					<-start
					if err := op(svc); err != nil {
						assert.True(t, errors.Is(err, apperrors.ErrNoCandidate), err)
					}
				}()
			}

			ctx := context.Background()
			for i, a := range appts {
				id := a.ID
				run(i, func(svc *Service) error {
					_, err := svc.Advance(ctx, f.doctorID)
					return err
				})
				run(i+1, func(svc *Service) error {
					_, err := svc.MarkAbsent(ctx, f.doctorID, id)
					return err
				})
				if i%4 == 0 {
					run(i+2, func(svc *Service) error { return svc.Reset(ctx, f.doctorID) })
				}
			}
			close(start)
			wg.Wait()

			skipped := map[string]int{}
			for _, e := range f.pub.Events() {
				if ps, ok := e.(model.PatientSkipped); ok {
					skipped[ps.SlotTime]++
				}
			}
			for _, a := range appts {
				assert.Equal(t, 1, skipped[a.SlotTime], "one skip event for %s", a.SlotTime)
				stored, err := f.store.Appointments().Get(ctx, a.ID)
				require.NoError(t, err)
				assert.Equal(t, model.AppointmentStatusAbsent, stored.Status)
			}
			// Everyone is absent, so nothing may be left as the served slot.
			assert.Equal(t, "", f.state(t).CurrentSlotTime)
		})
	}
}

type mockStateRepo struct {
	mock.Mock
}

func (m *mockStateRepo) Load(ctx context.Context, doctorID uuid.UUID) (*model.DoctorQueueState, error) {
	args := m.Called(ctx, doctorID)
	if s := args.Get(0); s != nil {
		return s.(*model.DoctorQueueState).Clone(), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockStateRepo) Commit(ctx context.Context, state *model.DoctorQueueState) error {
	return m.Called(ctx, state).Error(0)
}

func TestMutate_GivesUpAfterCommitRetries(t *testing.T) {
	store := memory.NewStore(15)
	doctor := &model.Doctor{Name: "Dr. Busy"}
	require.NoError(t, store.Doctors().Create(context.Background(), doctor))

	states := &mockStateRepo{}
	states.On("Load", mock.Anything, doctor.ID).Return(model.NewDoctorQueueState(doctor.ID, 15), nil)
	states.On("Commit", mock.Anything, mock.Anything).Return(apperrors.StaleWrite(nil))

	m := metrics.NewTest()
	cfg := DefaultConfig()
	cfg.CommitRetries = 3
	svc := NewService(states, store.Appointments(), nil, cfg, WithMetrics(m))

	err := svc.StartSession(context.Background(), doctor.ID)
	assert.True(t, errors.Is(err, apperrors.ErrStaleWrite))
	states.AssertNumberOfCalls(t, "Load", 3)
	states.AssertNumberOfCalls(t, "Commit", 3)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.QueueStaleWrites))
}

type notifyCall struct {
	doctorID uuid.UUID
	day      clinicday.Day
	slot     string
}

type chanNotifier chan notifyCall

func (c chanNotifier) NotifyUpcoming(_ context.Context, doctorID uuid.UUID, day clinicday.Day, slot string) {
	c <- notifyCall{doctorID, day, slot}
}

func TestAdvance_NotifiesUpcoming(t *testing.T) {
	calls := make(chanNotifier, 1)
	f := newFixture(t, WithNotifier(calls))
	f.book(t, "9:00 AM")

	_, err := f.svc.Advance(context.Background(), f.doctorID)
	require.NoError(t, err)

	select {
	case c := <-calls:
		assert.Equal(t, notifyCall{f.doctorID, testDay, "9:00 AM"}, c)
	case <-time.After(time.Second):
		t.Fatal("notifier was not called")
	}
}

func TestLiveView(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.book(t, "9:00 AM")
	mine := f.book(t, "10:00 AM")

	lv, err := f.svc.LiveView(ctx, mine.ID)
	require.NoError(t, err)
	assert.Equal(t, livestatus.StateNotStarted, lv.View.State)

	_, err = f.svc.Advance(ctx, f.doctorID)
	require.NoError(t, err)

	lv, err = f.svc.LiveView(ctx, mine.ID)
	require.NoError(t, err)
	assert.Equal(t, livestatus.StateWaiting, lv.View.State)
	assert.Equal(t, 4, lv.View.Position)
	assert.Equal(t, 60.0, lv.View.EstimatedWaitMinutes)

	_, err = f.svc.CancelVisit(ctx, f.doctorID, mine.ID)
	require.NoError(t, err)
	lv, err = f.svc.LiveView(ctx, mine.ID)
	require.NoError(t, err)
	assert.Equal(t, livestatus.StateCancelled, lv.View.State)
}
