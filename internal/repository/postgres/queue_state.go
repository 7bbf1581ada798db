package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/opd-queue/internal/model"
	apperrors "github.com/jwalitptl/opd-queue/pkg/errors"
)

// insertDefaultState adds the starting row for a registered doctor. It does
// nothing if the doctor is unknown or already has one.
const insertDefaultState = `
	INSERT INTO doctor_queue_state (doctor_id, duration_history, avg_duration, version, updated_at)
	SELECT id, '[]', $2, 0, $3 FROM doctors WHERE id = $1
	ON CONFLICT (doctor_id) DO NOTHING
`

func (r *queueStateRepository) Load(ctx context.Context, doctorID uuid.UUID) (*model.DoctorQueueState, error) {
	state, err := r.get(ctx, doctorID)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to load queue state: %w", err)
	}

	// Doctors inserted without going through Create get their row here.
	if _, err := r.db.ExecContext(ctx, insertDefaultState, doctorID, r.defaultAvg, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("failed to initialise queue state: %w", err)
	}
	state, err = r.get(ctx, doctorID)
	if err != nil {
		return nil, wrapNotFound(err, "doctor", "load queue state")
	}
	return state, nil
}

func (r *queueStateRepository) get(ctx context.Context, doctorID uuid.UUID) (*model.DoctorQueueState, error) {
	query := `
		SELECT doctor_id, current_slot_time, queue_date, last_call_time, duration_history,
			   avg_duration, resume_after, session_date, version, updated_at
		FROM doctor_queue_state
		WHERE doctor_id = $1
	`
	var state model.DoctorQueueState
	if err := r.db.GetContext(ctx, &state, query, doctorID); err != nil {
		return nil, err
	}
	return &state, nil
}

func (r *queueStateRepository) Commit(ctx context.Context, state *model.DoctorQueueState) error {
	query := `
		UPDATE doctor_queue_state
		SET current_slot_time = $1, queue_date = $2, last_call_time = $3, duration_history = $4,
			avg_duration = $5, resume_after = $6, session_date = $7, updated_at = $8,
			version = version + 1
		WHERE doctor_id = $9 AND version = $10
	`
	updatedAt := time.Now().UTC()

	result, err := r.db.ExecContext(ctx, query,
		state.CurrentSlotTime,
		state.QueueDate,
		state.LastCallTime,
		state.DurationHistory,
		state.AvgDuration,
		state.ResumeAfter,
		state.SessionDate,
		updatedAt,
		state.DoctorID,
		state.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to commit queue state: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return apperrors.StaleWrite(fmt.Errorf("doctor %s queue state version %d was superseded", state.DoctorID, state.Version))
	}

	state.Version++
	state.UpdatedAt = updatedAt
	return nil
}
