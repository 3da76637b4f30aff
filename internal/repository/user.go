package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/enrollsync/internal/domain/model"
)

// UserRepository — доступ к таблицам users и profiles.
type UserRepository interface {
	// GetByID возвращает пользователя по UUID.
	GetByID(ctx context.Context, id string) (*model.User, error)
	// GetByEmail возвращает пользователя по email без учёта регистра.
	GetByEmail(ctx context.Context, email string) (*model.User, error)
	// ListByEmails загружает пользователей по набору email (без учёта регистра).
	ListByEmails(ctx context.Context, emails []string) ([]*model.User, error)
	// BindRemoteID сохраняет идентификатор LMS, только если он ещё не задан.
	// Возвращает false, если привязка уже существовала.
	BindRemoteID(ctx context.Context, userID, remoteUserID string) (bool, error)
	// GetProfile возвращает анкету пользователя.
	GetProfile(ctx context.Context, userID string) (*model.Profile, error)
}

type userRepo struct {
	db DBTX
}

// NewUserRepository создаёт репозиторий пользователей.
func NewUserRepository(db DBTX) UserRepository {
	return &userRepo{db: db}
}

const userColumns = `id, email, first_name, middle_name, last_name, role, remote_user_id, created_at, updated_at`

func scanUser(row pgx.Row) (*model.User, error) {
	u := &model.User{}
	err := row.Scan(
		&u.ID, &u.Email, &u.FirstName, &u.MiddleName, &u.LastName,
		&u.Role, &u.RemoteUserID, &u.CreatedAt, &u.UpdatedAt,
	)
	return u, err
}

func (r *userRepo) GetByID(ctx context.Context, id string) (*model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	u, err := scanUser(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения пользователя: %w", err)
	}
	return u, nil
}

func (r *userRepo) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE lower(email) = lower($1)`

	u, err := scanUser(r.db.QueryRow(ctx, query, strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения пользователя по email: %w", err)
	}
	return u, nil
}

func (r *userRepo) ListByEmails(ctx context.Context, emails []string) ([]*model.User, error) {
	if len(emails) == 0 {
		return nil, nil
	}

	lowered := make([]string, 0, len(emails))
	for _, e := range emails {
		if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
			lowered = append(lowered, e)
		}
	}

	query := `SELECT ` + userColumns + ` FROM users WHERE lower(email) = ANY($1)`

	rows, err := r.db.Query(ctx, query, lowered)
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки пользователей по email: %w", err)
	}
	defer rows.Close()

	var result []*model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования пользователя: %w", err)
		}
		result = append(result, u)
	}
	return result, rows.Err()
}

func (r *userRepo) BindRemoteID(ctx context.Context, userID, remoteUserID string) (bool, error) {
	query := `
		UPDATE users
		SET remote_user_id = $2, updated_at = now()
		WHERE id = $1 AND remote_user_id IS NULL`

	tag, err := r.db.Exec(ctx, query, userID, remoteUserID)
	if err != nil {
		return false, fmt.Errorf("ошибка привязки remote_user_id: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *userRepo) GetProfile(ctx context.Context, userID string) (*model.Profile, error) {
	query := `
		SELECT user_id, age_range, state_of_residence, education_level
		FROM profiles
		WHERE user_id = $1`

	p := &model.Profile{}
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&p.UserID, &p.AgeRange, &p.StateOfResidence, &p.EducationLevel,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения анкеты: %w", err)
	}
	return p, nil
}
