package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/opd-queue/internal/model"
)

// Create stores the doctor together with its starting queue state.
func (r *doctorRepository) Create(ctx context.Context, doctor *model.Doctor) error {
	query := `
		INSERT INTO doctors (id, name, email, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if doctor.ID == uuid.Nil {
		doctor.ID = uuid.New()
	}
	doctor.CreatedAt = time.Now().UTC()
	doctor.UpdatedAt = doctor.CreatedAt

	return r.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, query,
			doctor.ID, doctor.Name, doctor.Email, doctor.Active, doctor.CreatedAt, doctor.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create doctor: %w", err)
		}
		if _, err := tx.ExecContext(ctx, insertDefaultState, doctor.ID, r.defaultAvg, doctor.CreatedAt); err != nil {
			return fmt.Errorf("failed to initialise queue state: %w", err)
		}
		return nil
	})
}

func (r *doctorRepository) Get(ctx context.Context, id uuid.UUID) (*model.Doctor, error) {
	query := `SELECT id, name, email, active, created_at, updated_at FROM doctors WHERE id = $1`

	var doctor model.Doctor
	if err := r.db.GetContext(ctx, &doctor, query, id); err != nil {
		return nil, wrapNotFound(err, "doctor", "get doctor")
	}
	return &doctor, nil
}

func (r *doctorRepository) List(ctx context.Context) ([]*model.Doctor, error) {
	query := `SELECT id, name, email, active, created_at, updated_at FROM doctors ORDER BY name`

	doctors := []*model.Doctor{}
	if err := r.db.SelectContext(ctx, &doctors, query); err != nil {
		return nil, fmt.Errorf("failed to list doctors: %w", err)
	}
	return doctors, nil
}
