package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/jwalitptl/opd-queue/internal/model"
)

// All repository interfaces in one file
type (
	// AppointmentRepository is the external appointment store. The queue only
	// reads appointments and moves their status.
	AppointmentRepository interface {
		Create(ctx context.Context, appointment *model.Appointment) error
		Get(ctx context.Context, id uuid.UUID) (*model.Appointment, error)
		List(ctx context.Context, filters *model.AppointmentFilters) ([]*model.Appointment, error)
		// UpdateStatus moves the appointment from one status to another and
		// fails with errors.ErrStaleWrite if its status is no longer from.
		UpdateStatus(ctx context.Context, id uuid.UUID, from, to model.AppointmentStatus) error
	}

	DoctorRepository interface {
		Create(ctx context.Context, doctor *model.Doctor) error
		Get(ctx context.Context, id uuid.UUID) (*model.Doctor, error)
		List(ctx context.Context) ([]*model.Doctor, error)
	}

	// QueueStateRepository persists DoctorQueueState with optimistic concurrency.
	QueueStateRepository interface {
		// Load returns the doctor's state, creating the default one the first
		// time a registered doctor is seen. Unknown doctors are NotFound.
		Load(ctx context.Context, doctorID uuid.UUID) (*model.DoctorQueueState, error)
		// Commit stores state if the stored version still equals state.Version
		// and then increments state.Version. Otherwise it returns
		// errors.ErrStaleWrite and stores nothing.
		Commit(ctx context.Context, state *model.DoctorQueueState) error
	}

	// Pinger reports store health for readiness checks.
	Pinger interface {
		Ping(ctx context.Context) error
	}
)
