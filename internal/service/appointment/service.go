package appointment

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jwalitptl/opd-queue/internal/model"
	"github.com/jwalitptl/opd-queue/internal/repository"
	"github.com/jwalitptl/opd-queue/pkg/clinicday"
	apperrors "github.com/jwalitptl/opd-queue/pkg/errors"
	"github.com/jwalitptl/opd-queue/pkg/slottime"
)

// Service books appointments and registers doctors. It stands in for the
// scheduling system that owns appointments; the queue only reads them.
type Service struct {
	doctors      repository.DoctorRepository
	appointments repository.AppointmentRepository
	loc          *time.Location
	now          func() time.Time
	logger       zerolog.Logger
}

func NewService(
	doctors repository.DoctorRepository,
	appointments repository.AppointmentRepository,
	loc *time.Location,
	logger zerolog.Logger,
) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		doctors:      doctors,
		appointments: appointments,
		loc:          loc,
		now:          time.Now,
		logger:       logger,
	}
}

func (s *Service) CreateDoctor(ctx context.Context, req *model.CreateDoctorRequest) (*model.Doctor, error) {
	doctor := &model.Doctor{Name: req.Name, Email: req.Email, Active: true}
	if err := s.doctors.Create(ctx, doctor); err != nil {
		return nil, err
	}
	s.logger.Info().Str("doctor_id", doctor.ID.String()).Msg("doctor registered")
	return doctor, nil
}

func (s *Service) GetDoctor(ctx context.Context, id uuid.UUID) (*model.Doctor, error) {
	return s.doctors.Get(ctx, id)
}

func (s *Service) ListDoctors(ctx context.Context) ([]*model.Doctor, error) {
	return s.doctors.List(ctx)
}

// Book creates a pending appointment. The slot label is stored in its
// canonical form so every label of the same minute compares equal.
func (s *Service) Book(ctx context.Context, doctorID uuid.UUID, req *model.CreateAppointmentRequest) (*model.Appointment, error) {
	doctor, err := s.doctors.Get(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	if !doctor.Active {
		return nil, apperrors.BadRequest("doctor is not taking appointments", nil)
	}

	patientID, err := uuid.Parse(req.PatientID)
	if err != nil {
		return nil, apperrors.BadRequest("invalid patient id", err)
	}
	day, err := clinicday.Parse(req.Date)
	if err != nil {
		return nil, apperrors.BadRequest("date must be YYYY-MM-DD", err)
	}
	if day.Before(clinicday.Today(s.now(), s.loc)) {
		return nil, apperrors.BadRequest("appointment cannot be booked in the past", nil)
	}
	if !slottime.Valid(req.SlotTime) {
		return nil, apperrors.BadRequest(fmt.Sprintf("invalid slot time %q", req.SlotTime), slottime.ErrMalformed)
	}

	appt := &model.Appointment{
		DoctorID:     doctorID,
		PatientID:    patientID,
		PatientName:  req.PatientName,
		PatientEmail: req.PatientEmail,
		Date:         day,
		SlotTime:     slottime.Normalize(req.SlotTime),
		Status:       model.AppointmentStatusPending,
	}
	if err := s.appointments.Create(ctx, appt); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("doctor_id", doctorID.String()).
		Str("appointment_id", appt.ID.String()).
		Str("date", day.String()).
		Str("slot", appt.SlotTime).
		Msg("appointment booked")
	return appt, nil
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*model.Appointment, error) {
	return s.appointments.Get(ctx, id)
}

// ListAppointments returns a doctor's appointments for one day in slot order.
// An empty date means today in the clinic's time zone.
func (s *Service) ListAppointments(ctx context.Context, doctorID uuid.UUID, date string, status string) ([]*model.Appointment, error) {
	if _, err := s.doctors.Get(ctx, doctorID); err != nil {
		return nil, err
	}

	filters := &model.AppointmentFilters{DoctorID: doctorID, Date: clinicday.Today(s.now(), s.loc)}
	if date != "" {
		day, err := clinicday.Parse(date)
		if err != nil {
			return nil, apperrors.BadRequest("date must be YYYY-MM-DD", err)
		}
		filters.Date = day
	}
	if status != "" {
		st := model.AppointmentStatus(status)
		if !st.Valid() {
			return nil, apperrors.BadRequest(fmt.Sprintf("unknown status %q", status), nil)
		}
		filters.Statuses = []model.AppointmentStatus{st}
	}

	appointments, err := s.appointments.List(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("failed to list appointments: %w", err)
	}
	sort.SliceStable(appointments, func(i, j int) bool {
		return slottime.Parse(appointments[i].SlotTime) < slottime.Parse(appointments[j].SlotTime)
	})
	return appointments, nil
}
