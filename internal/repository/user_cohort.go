package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/enrollsync/internal/domain/model"
)

// UserCohortRepository — членство пользователей в наборах (user_cohorts + cohorts).
type UserCohortRepository interface {
	// GetByID возвращает членство по UUID.
	GetByID(ctx context.Context, id string) (*model.UserCohort, error)
	// GetActiveByUserID возвращает последнее по времени создания членство пользователя.
	GetActiveByUserID(ctx context.Context, userID string) (*model.UserCohort, error)
}

type userCohortRepo struct {
	db DBTX
}

// NewUserCohortRepository создаёт репозиторий членства в наборах.
func NewUserCohortRepository(db DBTX) UserCohortRepository {
	return &userCohortRepo{db: db}
}

func (r *userCohortRepo) GetByID(ctx context.Context, id string) (*model.UserCohort, error) {
	query := `
		SELECT uc.id, uc.user_id, uc.cohort_id, c.name, uc.created_at
		FROM user_cohorts uc
		JOIN cohorts c ON c.id = uc.cohort_id
		WHERE uc.id = $1`

	return r.scanOne(ctx, query, id)
}

func (r *userCohortRepo) GetActiveByUserID(ctx context.Context, userID string) (*model.UserCohort, error) {
	query := `
		SELECT uc.id, uc.user_id, uc.cohort_id, c.name, uc.created_at
		FROM user_cohorts uc
		JOIN cohorts c ON c.id = uc.cohort_id
		WHERE uc.user_id = $1
		ORDER BY uc.created_at DESC
		LIMIT 1`

	return r.scanOne(ctx, query, userID)
}

func (r *userCohortRepo) scanOne(ctx context.Context, query string, arg string) (*model.UserCohort, error) {
	uc := &model.UserCohort{}
	err := r.db.QueryRow(ctx, query, arg).Scan(
		&uc.ID, &uc.UserID, &uc.CohortID, &uc.CohortName, &uc.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения членства в наборе: %w", err)
	}
	return uc, nil
}
