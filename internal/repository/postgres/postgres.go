package postgres

import (
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/opd-queue/internal/repository"
)

type appointmentRepository struct {
	BaseRepository
}

type doctorRepository struct {
	BaseRepository
	defaultAvg float64
}

type queueStateRepository struct {
	BaseRepository
	defaultAvg float64
}

func NewAppointmentRepository(db *sqlx.DB) repository.AppointmentRepository {
	return &appointmentRepository{BaseRepository: NewBaseRepository(db)}
}

// NewDoctorRepository starts each new doctor's queue with defaultAvg as the
// duration estimate.
func NewDoctorRepository(db *sqlx.DB, defaultAvg float64) repository.DoctorRepository {
	return &doctorRepository{BaseRepository: NewBaseRepository(db), defaultAvg: defaultAvg}
}

// NewQueueStateRepository uses defaultAvg for doctors whose state row is
// created on first load.
func NewQueueStateRepository(db *sqlx.DB, defaultAvg float64) repository.QueueStateRepository {
	return &queueStateRepository{BaseRepository: NewBaseRepository(db), defaultAvg: defaultAvg}
}
