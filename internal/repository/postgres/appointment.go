package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/jwalitptl/opd-queue/internal/model"
	apperrors "github.com/jwalitptl/opd-queue/pkg/errors"
)

const appointmentColumns = `id, doctor_id, patient_id, patient_name, patient_email,
		appointment_date, slot_time, status, created_at, updated_at`

func (r *appointmentRepository) Create(ctx context.Context, appointment *model.Appointment) error {
	query := `
		INSERT INTO appointments (` + appointmentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	if appointment.ID == uuid.Nil {
		appointment.ID = uuid.New()
	}
	if appointment.Status == "" {
		appointment.Status = model.AppointmentStatusPending
	}
	appointment.CreatedAt = time.Now().UTC()
	appointment.UpdatedAt = appointment.CreatedAt

	_, err := r.db.ExecContext(ctx, query,
		appointment.ID,
		appointment.DoctorID,
		appointment.PatientID,
		appointment.PatientName,
		appointment.PatientEmail,
		appointment.Date,
		appointment.SlotTime,
		appointment.Status,
		appointment.CreatedAt,
		appointment.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.BadRequest(fmt.Sprintf("slot %s is already booked", appointment.SlotTime), err)
		}
		return fmt.Errorf("failed to create appointment: %w", err)
	}
	return nil
}

func (r *appointmentRepository) Get(ctx context.Context, id uuid.UUID) (*model.Appointment, error) {
	query := `SELECT ` + appointmentColumns + ` FROM appointments WHERE id = $1`

	var appointment model.Appointment
	if err := r.db.GetContext(ctx, &appointment, query, id); err != nil {
		return nil, wrapNotFound(err, "appointment", "get appointment")
	}
	return &appointment, nil
}

func (r *appointmentRepository) List(ctx context.Context, filters *model.AppointmentFilters) ([]*model.Appointment, error) {
	var (
		conds []string
		args  []interface{}
	)
	if filters != nil {
		if filters.DoctorID != uuid.Nil {
			args = append(args, filters.DoctorID)
			conds = append(conds, fmt.Sprintf("doctor_id = $%d", len(args)))
		}
		if !filters.Date.IsZero() {
			args = append(args, filters.Date)
			conds = append(conds, fmt.Sprintf("appointment_date = $%d", len(args)))
		}
		if len(filters.Statuses) > 0 {
			statuses := make([]string, len(filters.Statuses))
			for i, s := range filters.Statuses {
				statuses[i] = string(s)
			}
			args = append(args, pq.Array(statuses))
			conds = append(conds, fmt.Sprintf("status = ANY($%d)", len(args)))
		}
	}

	query := `SELECT ` + appointmentColumns + ` FROM appointments`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY appointment_date, id"

	appointments := []*model.Appointment{}
	if err := r.db.SelectContext(ctx, &appointments, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list appointments: %w", err)
	}
	return appointments, nil
}

func (r *appointmentRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to model.AppointmentStatus) error {
	query := `
		UPDATE appointments
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4
	`
	result, err := r.db.ExecContext(ctx, query, to, time.Now().UTC(), id, from)
	if err != nil {
		return fmt.Errorf("failed to update appointment status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows > 0 {
		return nil
	}

	// Either the appointment is gone or somebody else moved it first.
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return apperrors.StaleWrite(fmt.Errorf("appointment %s is no longer %s", id, from))
}
