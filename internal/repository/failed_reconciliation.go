package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/bigkaa/enrollsync/internal/domain/model"
)

// FailedReconciliationRepository — журнал неудачных активаций (failed_enrollments).
// Только добавление: записи не изменяются и не удаляются.
type FailedReconciliationRepository interface {
	// Create добавляет запись в журнал.
	Create(ctx context.Context, f *model.FailedReconciliation) error
	// ListByEnrollmentUID возвращает записи зачисления в порядке добавления.
	ListByEnrollmentUID(ctx context.Context, enrollmentUID string) ([]*model.FailedReconciliation, error)
}

type failedReconciliationRepo struct {
	db DBTX
}

// NewFailedReconciliationRepository создаёт репозиторий журнала неудач.
func NewFailedReconciliationRepository(db DBTX) FailedReconciliationRepository {
	return &failedReconciliationRepo{db: db}
}

func (r *failedReconciliationRepo) Create(ctx context.Context, f *model.FailedReconciliation) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	details := f.Details
	if len(details) == 0 {
		details = []byte("{}")
	}

	query := `
		INSERT INTO failed_enrollments (id, user_id, enrollment_uid, error, error_details)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`

	err := r.db.QueryRow(ctx, query,
		f.ID, f.UserID, f.EnrollmentUID, f.Error, string(details),
	).Scan(&f.CreatedAt)
	if err != nil {
		return fmt.Errorf("ошибка записи в журнал неудач: %w", err)
	}
	return nil
}

func (r *failedReconciliationRepo) ListByEnrollmentUID(ctx context.Context, enrollmentUID string) ([]*model.FailedReconciliation, error) {
	query := `
		SELECT id, user_id, enrollment_uid, error, error_details, created_at
		FROM failed_enrollments
		WHERE enrollment_uid = $1
		ORDER BY created_at, id`

	rows, err := r.db.Query(ctx, query, enrollmentUID)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения журнала неудач: %w", err)
	}
	defer rows.Close()

	var result []*model.FailedReconciliation
	for rows.Next() {
		f := &model.FailedReconciliation{}
		var details []byte
		if err := rows.Scan(&f.ID, &f.UserID, &f.EnrollmentUID, &f.Error, &details, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("ошибка сканирования записи журнала: %w", err)
		}
		f.Details = details
		result = append(result, f)
	}
	return result, rows.Err()
}
