package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/enrollsync/internal/domain/model"
)

// EnrollmentRepository — доступ к таблице enrollments.
// Записи никогда не удаляются этим слоем.
type EnrollmentRepository interface {
	// GetByUID возвращает зачисление по локальному UID.
	GetByUID(ctx context.Context, uid string) (*model.Enrollment, error)
	// GetByRemoteID возвращает зачисление по идентификатору LMS.
	GetByRemoteID(ctx context.Context, remoteID string) (*model.Enrollment, error)
	// FindByMembershipAndCourse ищет зачисление членства на курс.
	FindByMembershipAndCourse(ctx context.Context, userCohortID, courseID string) (*model.Enrollment, error)
	// CreatePending создаёт неактивированное зачисление членства на курс, если
	// у членства ещё нет зачисления на этот курс. Иначе возвращает последнее
	// существующее и false. UID назначается, если пуст.
	CreatePending(ctx context.Context, e *model.Enrollment) (*model.Enrollment, bool, error)
	// UpsertByRemoteID приводит зачисление с идентификатором LMS к состоянию st.
	// Если записи с таким идентификатором нет, подхватывается локальная запись
	// того же членства и курса без идентификатора, иначе создаётся новая.
	UpsertByRemoteID(ctx context.Context, st *model.EnrollmentState) (*model.Enrollment, error)
	// ApplyActivation записывает результат успешной активации по UID.
	ApplyActivation(ctx context.Context, uid string, st *model.EnrollmentState) (*model.Enrollment, error)
	// MarkEnrolled выставляет enrolled=true и activated_at по UID.
	MarkEnrolled(ctx context.Context, uid string, activatedAt time.Time) (*model.Enrollment, error)
	// ListStalled возвращает неактивированные зачисления, созданные после since,
	// от старых к новым.
	ListStalled(ctx context.Context, since time.Time, limit int) ([]*model.Enrollment, error)
	// List возвращает зачисления по фильтру статуса.
	List(ctx context.Context, filter model.EnrollmentFilter) ([]*model.Enrollment, error)
	// Counts возвращает агрегаты total / active / completed.
	Counts(ctx context.Context) (*model.EnrollmentCounts, error)
}

type enrollmentRepo struct {
	db DBTX
}

// NewEnrollmentRepository создаёт репозиторий зачислений.
func NewEnrollmentRepository(db DBTX) EnrollmentRepository {
	return &enrollmentRepo{db: db}
}

const enrollmentColumns = `uid, id, user_cohort_id, course_id, course_name, enrolled,
	activated_at, started_at, completed_at, completed, expired, is_free_trial,
	percentage_completed, expiry_date, created_at, updated_at`

func scanEnrollment(row pgx.Row) (*model.Enrollment, error) {
	e := &model.Enrollment{}
	err := row.Scan(
		&e.UID, &e.ID, &e.UserCohortID, &e.CourseID, &e.CourseName, &e.Enrolled,
		&e.ActivatedAt, &e.StartedAt, &e.CompletedAt, &e.Completed, &e.Expired, &e.IsFreeTrial,
		&e.PercentageCompleted, &e.ExpiryDate, &e.CreatedAt, &e.UpdatedAt,
	)
	return e, err
}

func (r *enrollmentRepo) getOne(ctx context.Context, query string, args ...any) (*model.Enrollment, error) {
	e, err := scanEnrollment(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения зачисления: %w", err)
	}
	return e, nil
}

func (r *enrollmentRepo) GetByUID(ctx context.Context, uid string) (*model.Enrollment, error) {
	return r.getOne(ctx, `SELECT `+enrollmentColumns+` FROM enrollments WHERE uid = $1`, uid)
}

func (r *enrollmentRepo) GetByRemoteID(ctx context.Context, remoteID string) (*model.Enrollment, error) {
	return r.getOne(ctx, `SELECT `+enrollmentColumns+` FROM enrollments WHERE id = $1`, remoteID)
}

func (r *enrollmentRepo) FindByMembershipAndCourse(ctx context.Context, userCohortID, courseID string) (*model.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + `
		FROM enrollments
		WHERE user_cohort_id = $1 AND course_id = $2
		ORDER BY created_at DESC
		LIMIT 1`
	return r.getOne(ctx, query, userCohortID, courseID)
}

func (r *enrollmentRepo) CreatePending(ctx context.Context, e *model.Enrollment) (*model.Enrollment, bool, error) {
	if e.UID == "" {
		e.UID = uuid.NewString()
	}

	// NOT EXISTS отсекает уже сохранённые записи, уникальный частичный индекс
	// idx_enrollments_pending_course отсекает параллельную вставку
	insert := `
		INSERT INTO enrollments (uid, user_cohort_id, course_id, course_name)
		SELECT $1::uuid, $2::uuid, $3::text, $4::text
		WHERE NOT EXISTS (
			SELECT 1 FROM enrollments WHERE user_cohort_id = $2::uuid AND course_id = $3::text
		)
		ON CONFLICT (user_cohort_id, course_id) WHERE id IS NULL DO NOTHING
		RETURNING ` + enrollmentColumns

	created, err := scanEnrollment(r.db.QueryRow(ctx, insert,
		e.UID, e.UserCohortID, e.CourseID, e.CourseName,
	))
	if err == nil {
		*e = *created
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		if isUniqueViolation(err) {
			return nil, false, fmt.Errorf("%w: зачисление %s уже существует", ErrConflict, e.UID)
		}
		return nil, false, fmt.Errorf("ошибка создания зачисления: %w", err)
	}

	existing, err := r.FindByMembershipAndCourse(ctx, e.UserCohortID, e.CourseID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *enrollmentRepo) UpsertByRemoteID(ctx context.Context, st *model.EnrollmentState) (*model.Enrollment, error) {
	if st.RemoteID == "" {
		return nil, fmt.Errorf("upsert зачисления: пустой идентификатор LMS")
	}

	// 1. Запись с этим идентификатором уже есть
	update := `
		UPDATE enrollments SET
			course_id = $2, course_name = $3,
			enrolled = enrolled OR $4,
			activated_at = COALESCE($5, activated_at),
			started_at = $6, completed_at = $7, completed = $8, expired = $9,
			is_free_trial = $10, percentage_completed = $11, expiry_date = $12,
			updated_at = $13
		WHERE id = $1
		RETURNING ` + enrollmentColumns

	e, err := scanEnrollment(r.db.QueryRow(ctx, update, st.RemoteID,
		st.CourseID, st.CourseName, st.Enrolled, st.ActivatedAt,
		st.StartedAt, st.CompletedAt, st.Completed, st.Expired,
		st.IsFreeTrial, st.PercentageCompleted, st.ExpiryDate, st.UpdatedAt,
	))
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("ошибка обновления зачисления %s: %w", st.RemoteID, err)
	}

	// 2. Локальная запись того же членства и курса, созданная до активации
	adopt := `
		UPDATE enrollments SET
			id = $1, course_name = $3,
			enrolled = enrolled OR $4,
			activated_at = COALESCE($5, activated_at),
			started_at = $6, completed_at = $7, completed = $8, expired = $9,
			is_free_trial = $10, percentage_completed = $11, expiry_date = $12,
			updated_at = $13
		WHERE uid = (
			SELECT uid FROM enrollments
			WHERE user_cohort_id = $14 AND course_id = $2 AND id IS NULL
			ORDER BY created_at
			LIMIT 1
		)
		RETURNING ` + enrollmentColumns

	e, err = scanEnrollment(r.db.QueryRow(ctx, adopt, st.RemoteID,
		st.CourseID, st.CourseName, st.Enrolled, st.ActivatedAt,
		st.StartedAt, st.CompletedAt, st.Completed, st.Expired,
		st.IsFreeTrial, st.PercentageCompleted, st.ExpiryDate, st.UpdatedAt,
		st.UserCohortID,
	))
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("ошибка привязки зачисления %s: %w", st.RemoteID, err)
	}

	// 3. Новая запись; конфликт по id означает параллельную вставку
	insert := `
		INSERT INTO enrollments (uid, id, user_cohort_id, course_id, course_name,
			enrolled, activated_at, started_at, completed_at, completed, expired,
			is_free_trial, percentage_completed, expiry_date, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			course_id = EXCLUDED.course_id, course_name = EXCLUDED.course_name,
			enrolled = enrollments.enrolled OR EXCLUDED.enrolled,
			activated_at = COALESCE(EXCLUDED.activated_at, enrollments.activated_at),
			started_at = EXCLUDED.started_at, completed_at = EXCLUDED.completed_at,
			completed = EXCLUDED.completed, expired = EXCLUDED.expired,
			is_free_trial = EXCLUDED.is_free_trial,
			percentage_completed = EXCLUDED.percentage_completed,
			expiry_date = EXCLUDED.expiry_date, updated_at = EXCLUDED.updated_at
		RETURNING ` + enrollmentColumns

	e, err = scanEnrollment(r.db.QueryRow(ctx, insert,
		uuid.NewString(), st.RemoteID, st.UserCohortID, st.CourseID, st.CourseName,
		st.Enrolled, st.ActivatedAt, st.StartedAt, st.CompletedAt, st.Completed, st.Expired,
		st.IsFreeTrial, st.PercentageCompleted, st.ExpiryDate, st.UpdatedAt,
	))
	if err != nil {
		return nil, fmt.Errorf("ошибка вставки зачисления %s: %w", st.RemoteID, err)
	}
	return e, nil
}

func (r *enrollmentRepo) ApplyActivation(ctx context.Context, uid string, st *model.EnrollmentState) (*model.Enrollment, error) {
	query := `
		UPDATE enrollments SET
			id = COALESCE(id, NULLIF($2, '')),
			enrolled = true,
			activated_at = COALESCE($3, activated_at, now()),
			started_at = $4, completed_at = $5, completed = $6, expired = $7,
			is_free_trial = $8, percentage_completed = $9, expiry_date = $10,
			updated_at = now()
		WHERE uid = $1
		RETURNING ` + enrollmentColumns

	e, err := scanEnrollment(r.db.QueryRow(ctx, query, uid,
		st.RemoteID, st.ActivatedAt, st.StartedAt, st.CompletedAt, st.Completed,
		st.Expired, st.IsFreeTrial, st.PercentageCompleted, st.ExpiryDate,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: идентификатор LMS %s занят другим зачислением", ErrConflict, st.RemoteID)
		}
		return nil, fmt.Errorf("ошибка записи активации %s: %w", uid, err)
	}
	return e, nil
}

func (r *enrollmentRepo) MarkEnrolled(ctx context.Context, uid string, activatedAt time.Time) (*model.Enrollment, error) {
	query := `
		UPDATE enrollments
		SET enrolled = true, activated_at = $2, updated_at = now()
		WHERE uid = $1
		RETURNING ` + enrollmentColumns

	e, err := scanEnrollment(r.db.QueryRow(ctx, query, uid, activatedAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка отметки активации %s: %w", uid, err)
	}
	return e, nil
}

func (r *enrollmentRepo) ListStalled(ctx context.Context, since time.Time, limit int) ([]*model.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + `
		FROM enrollments
		WHERE enrolled = false AND activated_at IS NULL AND created_at >= $1
		ORDER BY created_at ASC
		LIMIT $2`

	return r.list(ctx, query, since, limit)
}

func (r *enrollmentRepo) List(ctx context.Context, filter model.EnrollmentFilter) ([]*model.Enrollment, error) {
	where := ""
	switch filter.Status {
	case model.EnrollmentStatusActive:
		where = "WHERE enrolled = true AND completed = false AND expired = false"
	case model.EnrollmentStatusCompleted:
		where = "WHERE completed = true"
	case model.EnrollmentStatusExpired:
		where = "WHERE expired = true"
	}

	query := fmt.Sprintf(`SELECT %s
		FROM enrollments
		%s
		ORDER BY updated_at DESC
		LIMIT $1 OFFSET $2`, enrollmentColumns, where)

	return r.list(ctx, query, filter.Limit, filter.Offset)
}

func (r *enrollmentRepo) list(ctx context.Context, query string, args ...any) ([]*model.Enrollment, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка зачислений: %w", err)
	}
	defer rows.Close()

	var result []*model.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования зачисления: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (r *enrollmentRepo) Counts(ctx context.Context) (*model.EnrollmentCounts, error) {
	query := `
		SELECT
			count(*),
			count(*) FILTER (WHERE enrolled AND NOT completed AND NOT expired),
			count(*) FILTER (WHERE completed)
		FROM enrollments`

	c := &model.EnrollmentCounts{}
	if err := r.db.QueryRow(ctx, query).Scan(&c.Total, &c.Active, &c.Completed); err != nil {
		return nil, fmt.Errorf("ошибка подсчёта зачислений: %w", err)
	}
	return c, nil
}
