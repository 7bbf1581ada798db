// Package memory is an in-process store for development mode and tests. It
// implements the same contracts as the Postgres repositories, including the
// version check on queue state commits.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/opd-queue/internal/model"
	"github.com/jwalitptl/opd-queue/internal/repository"
	apperrors "github.com/jwalitptl/opd-queue/pkg/errors"
)

type Store struct {
	mu           sync.RWMutex
	defaultAvg   float64
	doctors      map[uuid.UUID]*model.Doctor
	appointments map[uuid.UUID]*model.Appointment
	states       map[uuid.UUID]*model.DoctorQueueState
}

func NewStore(defaultAvg float64) *Store {
	return &Store{
		defaultAvg:   defaultAvg,
		doctors:      make(map[uuid.UUID]*model.Doctor),
		appointments: make(map[uuid.UUID]*model.Appointment),
		states:       make(map[uuid.UUID]*model.DoctorQueueState),
	}
}

func (s *Store) Doctors() repository.DoctorRepository           { return doctorRepo{s} }
func (s *Store) Appointments() repository.AppointmentRepository { return appointmentRepo{s} }
func (s *Store) QueueStates() repository.QueueStateRepository   { return queueStateRepo{s} }

func (s *Store) Ping(context.Context) error { return nil }

type doctorRepo struct{ s *Store }

func (r doctorRepo) Create(_ context.Context, doctor *model.Doctor) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if doctor.ID == uuid.Nil {
		doctor.ID = uuid.New()
	}
	if _, exists := r.s.doctors[doctor.ID]; exists {
		return apperrors.BadRequest("doctor already exists", nil)
	}
	doctor.CreatedAt = time.Now().UTC()
	doctor.UpdatedAt = doctor.CreatedAt

	c := *doctor
	r.s.doctors[doctor.ID] = &c
	return nil
}

func (r doctorRepo) Get(_ context.Context, id uuid.UUID) (*model.Doctor, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	d, ok := r.s.doctors[id]
	if !ok {
		return nil, apperrors.NotFound("doctor", nil)
	}
	c := *d
	return &c, nil
}

func (r doctorRepo) List(context.Context) ([]*model.Doctor, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]*model.Doctor, 0, len(r.s.doctors))
	for _, d := range r.s.doctors {
		c := *d
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type appointmentRepo struct{ s *Store }

func (r appointmentRepo) Create(_ context.Context, appointment *model.Appointment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.doctors[appointment.DoctorID]; !ok {
		return apperrors.NotFound("doctor", nil)
	}
	for _, a := range r.s.appointments {
		if a.DoctorID == appointment.DoctorID && a.Date == appointment.Date && a.SlotTime == appointment.SlotTime {
			return apperrors.BadRequest(fmt.Sprintf("slot %s is already booked", appointment.SlotTime), nil)
		}
	}

	if appointment.ID == uuid.Nil {
		appointment.ID = uuid.New()
	}
	if appointment.Status == "" {
		appointment.Status = model.AppointmentStatusPending
	}
	appointment.CreatedAt = time.Now().UTC()
	appointment.UpdatedAt = appointment.CreatedAt

	c := *appointment
	r.s.appointments[appointment.ID] = &c
	return nil
}

func (r appointmentRepo) Get(_ context.Context, id uuid.UUID) (*model.Appointment, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	a, ok := r.s.appointments[id]
	if !ok {
		return nil, apperrors.NotFound("appointment", nil)
	}
	c := *a
	return &c, nil
}

func (r appointmentRepo) List(_ context.Context, filters *model.AppointmentFilters) ([]*model.Appointment, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := []*model.Appointment{}
	for _, a := range r.s.appointments {
		if filters != nil && !matches(a, filters) {
			continue
		}
		c := *a
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func matches(a *model.Appointment, f *model.AppointmentFilters) bool {
	if f.DoctorID != uuid.Nil && a.DoctorID != f.DoctorID {
		return false
	}
	if !f.Date.IsZero() && a.Date != f.Date {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if a.Status == s {
			return true
		}
	}
	return false
}

func (r appointmentRepo) UpdateStatus(_ context.Context, id uuid.UUID, from, to model.AppointmentStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	a, ok := r.s.appointments[id]
	if !ok {
		return apperrors.NotFound("appointment", nil)
	}
	if a.Status != from {
		return apperrors.StaleWrite(fmt.Errorf("appointment %s is %s, not %s", id, a.Status, from))
	}
	a.Status = to
	a.UpdatedAt = time.Now().UTC()
	return nil
}

type queueStateRepo struct{ s *Store }

func (r queueStateRepo) Load(_ context.Context, doctorID uuid.UUID) (*model.DoctorQueueState, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.doctors[doctorID]; !ok {
		return nil, apperrors.NotFound("doctor", nil)
	}
	state, ok := r.s.states[doctorID]
	if !ok {
		state = model.NewDoctorQueueState(doctorID, r.s.defaultAvg)
		state.UpdatedAt = time.Now().UTC()
		r.s.states[doctorID] = state
	}
	return state.Clone(), nil
}

func (r queueStateRepo) Commit(_ context.Context, state *model.DoctorQueueState) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	stored, ok := r.s.states[state.DoctorID]
	if !ok {
		return apperrors.NotFound("doctor", nil)
	}
	if stored.Version != state.Version {
		return apperrors.StaleWrite(fmt.Errorf("doctor %s queue state version %d was superseded by %d",
			state.DoctorID, state.Version, stored.Version))
	}

	state.Version++
	state.UpdatedAt = time.Now().UTC()
	r.s.states[state.DoctorID] = state.Clone()
	return nil
}
