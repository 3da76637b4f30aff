package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/enrollsync/internal/domain/model"
)

// SyncRunRepository — прогоны rehydration (rehydration_runs).
type SyncRunRepository interface {
	// Create записывает завершённый прогон.
	Create(ctx context.Context, run *model.SyncRun) error
	// Latest возвращает прогон с наибольшим started_at.
	// ErrNotFound, если прогонов не было.
	Latest(ctx context.Context) (*model.SyncRun, error)
}

type syncRunRepo struct {
	db DBTX
}

// NewSyncRunRepository создаёт репозиторий прогонов.
func NewSyncRunRepository(db DBTX) SyncRunRepository {
	return &syncRunRepo{db: db}
}

func (r *syncRunRepo) Create(ctx context.Context, run *model.SyncRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}

	query := `
		INSERT INTO rehydration_runs (id, started_at, status, duration_ms, enrollment_count, error)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.db.Exec(ctx, query,
		run.ID, run.StartedAt, run.Status, run.DurationMs, run.EnrollmentCount, run.Error,
	)
	if err != nil {
		return fmt.Errorf("ошибка записи прогона: %w", err)
	}
	return nil
}

func (r *syncRunRepo) Latest(ctx context.Context) (*model.SyncRun, error) {
	query := `
		SELECT id, started_at, status, duration_ms, enrollment_count, error
		FROM rehydration_runs
		ORDER BY started_at DESC
		LIMIT 1`

	run := &model.SyncRun{}
	err := r.db.QueryRow(ctx, query).Scan(
		&run.ID, &run.StartedAt, &run.Status, &run.DurationMs, &run.EnrollmentCount, &run.Error,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения последнего прогона: %w", err)
	}
	return run, nil
}
