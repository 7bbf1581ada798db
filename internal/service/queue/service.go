package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/jwalitptl/opd-queue/internal/model"
	"github.com/jwalitptl/opd-queue/internal/repository"
	"github.com/jwalitptl/opd-queue/pkg/clinicday"
	apperrors "github.com/jwalitptl/opd-queue/pkg/errors"
	"github.com/jwalitptl/opd-queue/pkg/livestatus"
	"github.com/jwalitptl/opd-queue/pkg/metrics"
	"github.com/jwalitptl/opd-queue/pkg/slottime"
)

type Config struct {
	Location *time.Location
	// CommitRetries bounds how often a read-modify-write is restarted after
	// losing a version race.
	CommitRetries  int
	StatusCacheTTL time.Duration
	Estimator      EstimatorConfig
	Live           livestatus.Options
}

func DefaultConfig() Config {
	return Config{
		Location:       time.UTC,
		CommitRetries:  3,
		StatusCacheTTL: 2 * time.Second,
		Estimator:      DefaultEstimatorConfig(),
		Live:           livestatus.DefaultOptions(),
	}
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithNotifier(n UpcomingNotifier) Option {
	return func(s *Service) { s.notifier = n }
}

// Service is the queue engine. Every write for a doctor runs under that
// doctor's lock and commits with a version check, so a writer in another
// process that got there first forces a full retry rather than being
// overwritten.
type Service struct {
	states       repository.QueueStateRepository
	appointments repository.AppointmentRepository
	publisher    Publisher
	notifier     UpcomingNotifier
	estimator    *Estimator
	locks        *keyedMutex
	snapshots    *cache.Cache
	snapshotsMu  sync.Mutex
	metrics      *metrics.Metrics
	logger       zerolog.Logger
	now          func() time.Time
	cfg          Config
}

func NewService(
	states repository.QueueStateRepository,
	appointments repository.AppointmentRepository,
	publisher Publisher,
	cfg Config,
	opts ...Option,
) *Service {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.CommitRetries < 1 {
		cfg.CommitRetries = 1
	}
	if cfg.Live.FarWait <= 0 || cfg.Live.TurnWindow <= 0 {
		cfg.Live = livestatus.DefaultOptions()
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}

	s := &Service{
		states:       states,
		appointments: appointments,
		publisher:    publisher,
		estimator:    NewEstimator(cfg.Estimator),
		locks:        newKeyedMutex(),
		logger:       zerolog.Nop(),
		now:          time.Now,
		cfg:          cfg,
	}
	if cfg.StatusCacheTTL > 0 {
		s.snapshots = cache.New(cfg.StatusCacheTTL, 2*cfg.StatusCacheTTL)
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.NewTest()
	}
	return s
}

type AdvanceResult struct {
	CalledSlot    string    `json:"calledSlot"`
	AvgDuration   float64   `json:"avgDuration"`
	CalledAt      time.Time `json:"calledAt"`
	AppointmentID uuid.UUID `json:"appointmentId"`
}

type AbsentResult struct {
	AutoAdvanced bool   `json:"autoAdvanced"`
	NewSlot      string `json:"newSlot,omitempty"`
	SkippedSlot  string `json:"skippedSlot"`
	// QueueEmpty is set when the absent patient was being served and nobody
	// is left to call.
	QueueEmpty bool `json:"queueEmpty"`
}

type VisitResult struct {
	AppointmentID uuid.UUID               `json:"appointmentId"`
	SlotTime      string                  `json:"slotTime"`
	Status        model.AppointmentStatus `json:"status"`
	Changed       bool                    `json:"changed"`
}

type LiveView struct {
	Appointment *model.Appointment   `json:"appointment"`
	Snapshot    *model.QueueSnapshot `json:"snapshot"`
	View        livestatus.View      `json:"view"`
}

type mutation struct {
	commit bool
	events []model.QueueEvent
}

type mutateFunc func(ctx context.Context, state *model.DoctorQueueState, now time.Time, today clinicday.Day) (mutation, error)

// mutate runs one read-modify-write for a doctor. A version conflict on the
// state or the appointment restarts fn from a fresh Load. Events are
// published before the lock is released so they leave in commit order.
func (s *Service) mutate(ctx context.Context, doctorID uuid.UUID, op string, fn mutateFunc) error {
	unlock := s.locks.Lock(doctorID)
	defer unlock()

	var lastErr error
	for attempt := 1; attempt <= s.cfg.CommitRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		state, err := s.states.Load(ctx, doctorID)
		if err != nil {
			return err
		}

		now := s.now()
		m, err := fn(ctx, state, now, clinicday.Today(now, s.cfg.Location))
		if err == nil && m.commit {
			err = s.states.Commit(ctx, state)
		}
		if err != nil {
			if !errors.Is(err, apperrors.ErrStaleWrite) {
				return err
			}
			lastErr = err
			s.metrics.QueueStaleWrites.Inc()
			s.logger.Warn().Err(err).Str("doctor_id", doctorID.String()).Str("op", op).
				Int("attempt", attempt).Msg("queue state changed concurrently, retrying")
			continue
		}

		if m.commit {
			s.invalidate(doctorID, state.Version)
			s.metrics.QueueAvgDuration.WithLabelValues(doctorID.String()).Set(state.AvgDuration)
		}
		if len(m.events) > 0 {
			// The state is already committed; a caller that went away must
			// not cut the events short.
			s.publisher.Publish(context.WithoutCancel(ctx), doctorID, m.events...)
		}
		return nil
	}

	return fmt.Errorf("%s: gave up after %d attempts: %w", op, s.cfg.CommitRetries, lastErr)
}

// Advance calls the next pending slot after the one being served. The time
// since the previous call is fed to the estimator first.
func (s *Service) Advance(ctx context.Context, doctorID uuid.UUID) (*AdvanceResult, error) {
	var (
		result *AdvanceResult
		today  clinicday.Day
	)

	err := s.mutate(ctx, doctorID, "advance", func(ctx context.Context, state *model.DoctorQueueState, now time.Time, day clinicday.Day) (mutation, error) {
		today = day
		active := state.ActiveOn(today)

		history := s.estimator.Load(state.DurationHistory)
		sampled, accepted := 0, false
		if active && state.CurrentSlotTime != "" && state.LastCallTime != nil {
			sampled = ElapsedMinutes(*state.LastCallTime, now)
			accepted = s.estimator.Observe(history, sampled)
		}

		after := -1
		if active {
			after = anchorMinutes(state)
		}

		next, err := s.nextPending(ctx, doctorID, today, after)
		if err != nil {
			return mutation{}, err
		}
		if next == nil {
			// The sample is dropped along with the rest of this attempt.
			return mutation{}, apperrors.NoCandidate()
		}

		if state.CurrentSlotTime != "" && active {
			s.metrics.QueueDurationSamples.WithLabelValues(strconv.FormatBool(accepted)).Inc()
			if !accepted {
				s.logger.Debug().Str("doctor_id", doctorID.String()).Int("minutes", sampled).Msg("duration sample discarded")
			}
		}

		calledAt := now
		state.CurrentSlotTime = next.SlotTime
		state.QueueDate = today
		state.LastCallTime = &calledAt
		state.DurationHistory = history.Values()
		state.AvgDuration = s.estimator.Average(history)
		state.ResumeAfter = ""

		result = &AdvanceResult{
			CalledSlot:    next.SlotTime,
			AvgDuration:   state.AvgDuration,
			CalledAt:      calledAt,
			AppointmentID: next.ID,
		}
		return mutation{
			commit: true,
			events: []model.QueueEvent{model.QueueAdvanced{
				CurrentSlotTime: next.SlotTime,
				AvgDuration:     state.AvgDuration,
				CalledAt:        &calledAt,
			}},
		}, nil
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrNoCandidate) {
			s.metrics.QueueAdvances.WithLabelValues("no_candidate").Inc()
		} else {
			s.metrics.QueueAdvances.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	s.metrics.QueueAdvances.WithLabelValues("called").Inc()
	s.logger.Info().Str("doctor_id", doctorID.String()).Str("slot", result.CalledSlot).
		Float64("avg_duration", result.AvgDuration).Msg("queue advanced")
	s.notifyUpcoming(ctx, doctorID, today, result.CalledSlot)
	return result, nil
}

// MarkAbsent moves the appointment to Absent. If it was the slot being served,
// the next pending slot is called without taking a duration sample.
func (s *Service) MarkAbsent(ctx context.Context, doctorID, appointmentID uuid.UUID) (*AbsentResult, error) {
	var (
		result *AbsentResult
		today  clinicday.Day
		// transitioned survives retries: once this call has moved the
		// appointment to Absent, a retry still owes the PatientSkipped event.
		transitioned bool
	)

	err := s.mutate(ctx, doctorID, "mark_absent", func(ctx context.Context, state *model.DoctorQueueState, now time.Time, day clinicday.Day) (mutation, error) {
		today = day
		appt, err := s.doctorAppointment(ctx, doctorID, appointmentID)
		if err != nil {
			return mutation{}, err
		}

		if appt.Status != model.AppointmentStatusAbsent {
			if !appt.Status.CanTransition(model.AppointmentStatusAbsent) {
				return mutation{}, apperrors.InvalidTransition(string(appt.Status), string(model.AppointmentStatusAbsent))
			}
			if err := s.appointments.UpdateStatus(ctx, appt.ID, appt.Status, model.AppointmentStatusAbsent); err != nil {
				return mutation{}, err
			}
			transitioned = true
		}
		alreadyAbsent := !transitioned

		result = &AbsentResult{SkippedSlot: appt.SlotTime}
		serving := state.ActiveOn(today) && appt.Date.Equal(today) && slottime.Same(state.CurrentSlotTime, appt.SlotTime)

		if !serving {
			if alreadyAbsent {
				return mutation{}, nil
			}
			// The commit only bumps the version, so an Advance elsewhere that
			// still saw this appointment as pending has to start over.
			return mutation{commit: true, events: []model.QueueEvent{model.PatientSkipped{SlotTime: appt.SlotTime}}}, nil
		}

		events := []model.QueueEvent{model.PatientSkipped{SlotTime: appt.SlotTime}}

		next, err := s.nextPending(ctx, doctorID, today, slottime.Parse(appt.SlotTime))
		if err != nil {
			return mutation{}, err
		}
		if next == nil {
			state.CurrentSlotTime = ""
			state.ResumeAfter = appt.SlotTime
			state.LastCallTime = nil
			result.QueueEmpty = true
			return mutation{commit: true, events: events}, nil
		}

		calledAt := now
		state.CurrentSlotTime = next.SlotTime
		state.QueueDate = today
		state.LastCallTime = &calledAt
		state.ResumeAfter = ""

		result.AutoAdvanced = true
		result.NewSlot = next.SlotTime
		events = append(events, model.QueueAdvanced{
			CurrentSlotTime: next.SlotTime,
			AvgDuration:     state.AvgDuration,
			CalledAt:        &calledAt,
		})
		return mutation{commit: true, events: events}, nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.QueueAbsences.WithLabelValues(strconv.FormatBool(result.AutoAdvanced)).Inc()
	s.logger.Info().Str("doctor_id", doctorID.String()).Str("slot", result.SkippedSlot).
		Bool("auto_advanced", result.AutoAdvanced).Str("new_slot", result.NewSlot).Msg("patient marked absent")
	if result.AutoAdvanced {
		s.notifyUpcoming(ctx, doctorID, today, result.NewSlot)
	}
	return result, nil
}

// Reset clears the served slot. The duration history and average are kept.
func (s *Service) Reset(ctx context.Context, doctorID uuid.UUID) error {
	var avg float64
	err := s.mutate(ctx, doctorID, "reset", func(_ context.Context, state *model.DoctorQueueState, _ time.Time, _ clinicday.Day) (mutation, error) {
		state.CurrentSlotTime = ""
		state.ResumeAfter = ""
		avg = state.AvgDuration
		return mutation{
			commit: true,
			events: []model.QueueEvent{model.QueueAdvanced{AvgDuration: avg}},
		}, nil
	})
	if err != nil {
		return err
	}

	s.logger.Info().Str("doctor_id", doctorID.String()).Msg("queue reset")
	return nil
}

// StartSession records that the doctor opened today's session.
func (s *Service) StartSession(ctx context.Context, doctorID uuid.UUID) error {
	err := s.mutate(ctx, doctorID, "start_session", func(_ context.Context, state *model.DoctorQueueState, _ time.Time, today clinicday.Day) (mutation, error) {
		state.SessionDate = today
		return mutation{commit: true, events: []model.QueueEvent{model.SessionStarted{}}}, nil
	})
	if err != nil {
		return err
	}

	s.logger.Info().Str("doctor_id", doctorID.String()).Msg("session started")
	return nil
}

// CompleteVisit marks a pending appointment completed.
func (s *Service) CompleteVisit(ctx context.Context, doctorID, appointmentID uuid.UUID) (*VisitResult, error) {
	return s.closeVisit(ctx, doctorID, appointmentID, model.AppointmentStatusCompleted, func(slot string) model.QueueEvent {
		return model.VisitCompleted{SlotTime: slot}
	})
}

// CancelVisit marks a pending appointment cancelled. Cancelling twice is a
// no-op.
func (s *Service) CancelVisit(ctx context.Context, doctorID, appointmentID uuid.UUID) (*VisitResult, error) {
	return s.closeVisit(ctx, doctorID, appointmentID, model.AppointmentStatusCancelled, func(slot string) model.QueueEvent {
		return model.VisitCancelled{SlotTime: slot}
	})
}

func (s *Service) closeVisit(
	ctx context.Context,
	doctorID, appointmentID uuid.UUID,
	to model.AppointmentStatus,
	event func(slot string) model.QueueEvent,
) (*VisitResult, error) {
	var (
		result       *VisitResult
		transitioned bool
	)

	err := s.mutate(ctx, doctorID, "close_visit", func(ctx context.Context, _ *model.DoctorQueueState, _ time.Time, _ clinicday.Day) (mutation, error) {
		appt, err := s.doctorAppointment(ctx, doctorID, appointmentID)
		if err != nil {
			return mutation{}, err
		}

		result = &VisitResult{AppointmentID: appt.ID, SlotTime: appt.SlotTime, Status: to}
		if appt.Status != to {
			if !appt.Status.CanTransition(to) {
				return mutation{}, apperrors.InvalidTransition(string(appt.Status), string(to))
			}
			if err := s.appointments.UpdateStatus(ctx, appt.ID, appt.Status, to); err != nil {
				return mutation{}, err
			}
			transitioned = true
		}
		if !transitioned {
			return mutation{}, nil
		}

		result.Changed = true
		// Committing bumps the version so a concurrent Advance re-reads the
		// pending set.
		return mutation{commit: true, events: []model.QueueEvent{event(appt.SlotTime)}}, nil
	})
	if err != nil {
		return nil, err
	}

	if result.Changed {
		s.metrics.QueueVisitUpdates.WithLabelValues(string(to)).Inc()
		s.logger.Info().Str("doctor_id", doctorID.String()).Str("slot", result.SlotTime).
			Str("status", string(to)).Msg("visit closed")
	}
	return result, nil
}

// Status reads the doctor's queue without taking the write lock. A state left
// over from an earlier day reports no current slot; the stored value is left
// alone.
func (s *Service) Status(ctx context.Context, doctorID uuid.UUID) (*model.QueueSnapshot, error) {
	if s.snapshots != nil {
		if cached, ok := s.snapshots.Get(doctorID.String()); ok {
			if entry := cached.(cachedSnapshot); entry.snap != nil {
				return copySnapshot(entry.snap), nil
			}
		}
	}

	state, err := s.states.Load(ctx, doctorID)
	if err != nil {
		return nil, err
	}

	snap := s.snapshot(state, s.now())
	s.remember(doctorID, state.Version, snap)
	return copySnapshot(snap), nil
}

// LiveView derives the patient-facing state for one appointment.
func (s *Service) LiveView(ctx context.Context, appointmentID uuid.UUID) (*LiveView, error) {
	appt, err := s.appointments.Get(ctx, appointmentID)
	if err != nil {
		return nil, err
	}

	snap, err := s.Status(ctx, appt.DoctorID)
	if err != nil {
		return nil, err
	}

	view := livestatus.DeriveWith(livestatus.Input{
		AppointmentStatus: string(appt.Status),
		AppointmentDate:   appt.Date,
		SlotTime:          appt.SlotTime,
		QueueDate:         snap.QueueDate,
		CurrentSlotTime:   snap.CurrentSlotTime,
		SessionStarted:    snap.SessionStarted,
		AvgDuration:       snap.AvgDuration,
		Now:               s.now(),
		Location:          s.cfg.Location,
	}, s.cfg.Live)

	return &LiveView{Appointment: appt, Snapshot: snap, View: view}, nil
}

func (s *Service) snapshot(state *model.DoctorQueueState, now time.Time) *model.QueueSnapshot {
	today := clinicday.Today(now, s.cfg.Location)
	active := state.ActiveOn(today)

	snap := &model.QueueSnapshot{
		DoctorID:        state.DoctorID,
		QueueDate:       state.QueueDate,
		AvgDuration:     state.AvgDuration,
		LastCallTime:    state.LastCallTime,
		DurationHistory: append([]int{}, state.DurationHistory...),
		SessionStarted:  state.SessionDate.Equal(today),
		AsOf:            now,
	}
	if active {
		snap.CurrentSlotTime = state.CurrentSlotTime
		if state.CurrentSlotTime != "" && state.LastCallTime != nil {
			if elapsed := int(now.Sub(*state.LastCallTime) / time.Minute); elapsed > 0 {
				snap.ElapsedMinutes = elapsed
			}
		}
	}
	return snap
}

// cachedSnapshot is a status cache entry. An entry without a snapshot only
// records the last version this instance committed.
type cachedSnapshot struct {
	version int64
	snap    *model.QueueSnapshot
}

// remember caches snap unless this instance has since committed a newer
// version than the one snap was built from.
func (s *Service) remember(doctorID uuid.UUID, version int64, snap *model.QueueSnapshot) {
	if s.snapshots == nil {
		return
	}
	s.snapshotsMu.Lock()
	defer s.snapshotsMu.Unlock()

	key := doctorID.String()
	if cached, ok := s.snapshots.Get(key); ok && cached.(cachedSnapshot).version > version {
		return
	}
	s.snapshots.SetDefault(key, cachedSnapshot{version: version, snap: snap})
}

// invalidate drops the cached snapshot after a commit. The committed version
// stays behind so a read that loaded the older state cannot put it back.
func (s *Service) invalidate(doctorID uuid.UUID, version int64) {
	if s.snapshots == nil {
		return
	}
	s.snapshotsMu.Lock()
	defer s.snapshotsMu.Unlock()
	s.snapshots.Set(doctorID.String(), cachedSnapshot{version: version}, cache.NoExpiration)
}

func (s *Service) notifyUpcoming(ctx context.Context, doctorID uuid.UUID, day clinicday.Day, slot string) {
	if s.notifier == nil {
		return
	}
	go s.notifier.NotifyUpcoming(context.WithoutCancel(ctx), doctorID, day, slot)
}

// doctorAppointment hides appointments of other doctors behind NotFound.
func (s *Service) doctorAppointment(ctx context.Context, doctorID, appointmentID uuid.UUID) (*model.Appointment, error) {
	appt, err := s.appointments.Get(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if appt.DoctorID != doctorID {
		return nil, apperrors.NotFound("appointment", nil)
	}
	return appt, nil
}

// nextPending returns the earliest pending appointment of the day whose slot
// is strictly after the given minute, or nil. Ties are broken by id.
func (s *Service) nextPending(ctx context.Context, doctorID uuid.UUID, day clinicday.Day, after int) (*model.Appointment, error) {
	pending, err := s.appointments.List(ctx, &model.AppointmentFilters{
		DoctorID: doctorID,
		Date:     day,
		Statuses: []model.AppointmentStatus{model.AppointmentStatusPending},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pending appointments: %w", err)
	}

	candidates := SortBySlot(pending, s.logger)
	for _, c := range candidates {
		if c.Status == model.AppointmentStatusPending && c.SlotMinutes() > after {
			return c, nil
		}
	}
	return nil, nil
}

// SortBySlot orders appointments by slot minute then id. Appointments with
// unparseable slot labels are left out.
func SortBySlot(appointments []*model.Appointment, logger zerolog.Logger) []*model.Appointment {
	out := make([]*model.Appointment, 0, len(appointments))
	for _, a := range appointments {
		if !slottime.Valid(a.SlotTime) {
			logger.Warn().Str("appointment_id", a.ID.String()).Str("slot", a.SlotTime).Msg("skipping appointment with malformed slot")
			continue
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool {
		mi, mj := out[i].SlotMinutes(), out[j].SlotMinutes()
		if mi != mj {
			return mi < mj
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// anchorMinutes is the minute Advance continues after: the served slot, or the
// slot that was dropped by an absence with nobody left behind it.
func anchorMinutes(state *model.DoctorQueueState) int {
	switch {
	case state.CurrentSlotTime != "":
		return slottime.Parse(state.CurrentSlotTime)
	case state.ResumeAfter != "":
		return slottime.Parse(state.ResumeAfter)
	default:
		return -1
	}
}

func copySnapshot(s *model.QueueSnapshot) *model.QueueSnapshot {
	c := *s
	c.DurationHistory = append([]int{}, s.DurationHistory...)
	return &c
}
