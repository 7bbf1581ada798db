package notification

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/jwalitptl/opd-queue/internal/email"
	"github.com/jwalitptl/opd-queue/internal/model"
	"github.com/jwalitptl/opd-queue/internal/repository"
	"github.com/jwalitptl/opd-queue/pkg/clinicday"
	"github.com/jwalitptl/opd-queue/pkg/slottime"
	"github.com/jwalitptl/opd-queue/pkg/worker"
)

// Dispatcher runs sends in the background. worker.Pool satisfies it.
type Dispatcher interface {
	Submit(job worker.Job) error
}

type Option func(*UpcomingNotifier)

// WithDispatcher hands each email to d instead of sending it inline.
func WithDispatcher(d Dispatcher) Option {
	return func(n *UpcomingNotifier) { n.dispatcher = d }
}

// UpcomingNotifier emails patients whose slot is within the turn window of
// the slot just called. Each appointment is emailed at most once per day.
type UpcomingNotifier struct {
	appointments repository.AppointmentRepository
	doctors      repository.DoctorRepository
	emailSvc     email.Service
	dispatcher   Dispatcher
	window       int
	sent         *cache.Cache
	logger       zerolog.Logger
}

func NewUpcomingNotifier(
	appointments repository.AppointmentRepository,
	doctors repository.DoctorRepository,
	emailSvc email.Service,
	windowMinutes int,
	logger zerolog.Logger,
	opts ...Option,
) *UpcomingNotifier {
	if windowMinutes <= 0 {
		windowMinutes = 15
	}
	n := &UpcomingNotifier{
		appointments: appointments,
		doctors:      doctors,
		emailSvc:     emailSvc,
		window:       windowMinutes,
		sent:         cache.New(24*time.Hour, time.Hour),
		logger:       logger,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *UpcomingNotifier) NotifyUpcoming(ctx context.Context, doctorID uuid.UUID, day clinicday.Day, calledSlot string) {
	called, err := slottime.ParseStrict(calledSlot)
	if err != nil {
		return
	}

	pending, err := n.appointments.List(ctx, &model.AppointmentFilters{
		DoctorID: doctorID,
		Date:     day,
		Statuses: []model.AppointmentStatus{model.AppointmentStatusPending},
	})
	if err != nil {
		n.logger.Error().Err(err).Str("doctor_id", doctorID.String()).Msg("failed to list upcoming appointments")
		return
	}

	var doctor *model.Doctor
	for _, appt := range pending {
		minutes, err := slottime.ParseStrict(appt.SlotTime)
		if err != nil || minutes <= called || minutes > called+n.window || appt.PatientEmail == "" {
			continue
		}

		key := appt.ID.String() + "/" + day.String()
		// Add fails when the key exists, which claims the send for this call.
		if err := n.sent.Add(key, struct{}{}, cache.DefaultExpiration); err != nil {
			continue
		}

		if doctor == nil {
			if doctor, err = n.doctors.Get(ctx, doctorID); err != nil {
				n.sent.Delete(key)
				n.logger.Error().Err(err).Str("doctor_id", doctorID.String()).Msg("failed to load doctor")
				return
			}
		}

		n.send(ctx, key, appt, doctor.Name)
	}
}

func (n *UpcomingNotifier) send(ctx context.Context, key string, appt *model.Appointment, doctorName string) {
	to, patient, slot := appt.PatientEmail, appt.PatientName, appt.SlotTime
	log := n.logger.With().Str("appointment_id", appt.ID.String()).Logger()

	run := func(ctx context.Context) error {
		return n.emailSvc.SendUpcomingTurn(ctx, to, patient, doctorName, slot)
	}
	// A failed send is forgotten so the next advance tries again.
	fail := func(err error) {
		n.sent.Delete(key)
		log.Warn().Err(err).Msg("failed to send upcoming turn email")
	}

	if n.dispatcher == nil {
		if err := run(ctx); err != nil {
			fail(err)
		}
		return
	}

	err := n.dispatcher.Submit(worker.Job{Name: "upcoming_turn_email", Run: run, OnFailure: fail})
	if err != nil {
		fail(err)
	}
}
