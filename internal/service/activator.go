package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bigkaa/enrollsync/internal/domain/model"
	"github.com/bigkaa/enrollsync/internal/lms"
	"github.com/bigkaa/enrollsync/internal/repository"
)

// NormalizePercentage приводит прогресс LMS к диапазону 0..1:
// значения не больше 1 остаются как есть, большие делятся на 100.
// Значения больше 100 не ограничиваются (150 → 1.5).
func NormalizePercentage(v float64) float64 {
	if v > 1 {
		return v / 100
	}
	return v
}

// stateFromRemote строит состояние зачисления из записи LMS.
// Завершённое зачисление всегда имеет прогресс 1.
func stateFromRemote(rec *lms.Enrollment, userCohortID string, now time.Time) *model.EnrollmentState {
	st := &model.EnrollmentState{
		RemoteID:            rec.ID.String(),
		UserCohortID:        userCohortID,
		CourseID:            rec.CourseID.String(),
		CourseName:          rec.CourseName,
		Enrolled:            true,
		ActivatedAt:         rec.ActivatedAt,
		StartedAt:           rec.StartedAt,
		CompletedAt:         rec.CompletedAt,
		Completed:           rec.Completed,
		Expired:             rec.Expired,
		IsFreeTrial:         rec.IsFreeTrial,
		PercentageCompleted: NormalizePercentage(float64(rec.PercentageCompleted)),
		ExpiryDate:          rec.ExpiryDate,
		UpdatedAt:           now,
	}
	if rec.Completed {
		st.PercentageCompleted = 1
	}
	if rec.UpdatedAt != nil {
		st.UpdatedAt = rec.UpdatedAt.UTC()
	}
	return st
}

// Activator активирует зачисление в LMS и переносит результат в локальную запись.
// Для одного uid вызовы должны быть сериализованы вызывающим.
type Activator struct {
	remote      LMSEnrollments
	enrollments repository.EnrollmentRepository
	now         func() time.Time
	logger      *slog.Logger
}

// NewActivator создаёт Activator.
func NewActivator(remote LMSEnrollments, enrollments repository.EnrollmentRepository, logger *slog.Logger) *Activator {
	return &Activator{
		remote:      remote,
		enrollments: enrollments,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger.With(slog.String("component", "activator")),
	}
}

// Activate выполняет POST /enrollments для пользователя remoteUserID.
// Ответ already_enrolled считается успехом: запись помечается активированной
// без данных о прогрессе.
func (a *Activator) Activate(ctx context.Context, e *model.Enrollment, remoteUserID string) (*model.Enrollment, error) {
	now := a.now()

	rec, err := a.remote.CreateEnrollment(ctx, lms.CreateEnrollmentRequest{
		CourseID:    e.CourseID,
		UserID:      remoteUserID,
		ActivatedAt: now.Format(time.RFC3339),
	})
	if err != nil {
		if lms.IsAlreadyEnrolled(err) {
			a.logger.Info("Пользователь уже зачислен в LMS, отмечаем локально",
				slog.String("uid", e.UID),
				slog.String("course_id", e.CourseID),
			)
			updated, markErr := a.enrollments.MarkEnrolled(ctx, e.UID, now)
			if markErr != nil {
				return nil, markErr
			}
			activationsTotal.WithLabelValues("already_enrolled").Inc()
			return updated, nil
		}

		activationsTotal.WithLabelValues("failed").Inc()
		actErr := &ActivationError{EnrollmentUID: e.UID, Cause: err}
		var apiErr *lms.APIError
		if errors.As(err, &apiErr) {
			actErr.Status = apiErr.Status
			actErr.Body = apiErr.Body
		}
		return nil, actErr
	}

	st := stateFromRemote(rec, e.UserCohortID, now)
	if st.ActivatedAt == nil {
		st.ActivatedAt = &now
	}

	updated, err := a.enrollments.ApplyActivation(ctx, e.UID, st)
	if errors.Is(err, repository.ErrConflict) {
		// Идентификатор LMS уже принадлежит другой локальной записи
		a.logger.Warn("Идентификатор зачисления LMS занят, сохраняем без него",
			slog.String("uid", e.UID),
			slog.String("remote_id", st.RemoteID),
		)
		st.RemoteID = ""
		updated, err = a.enrollments.ApplyActivation(ctx, e.UID, st)
	}
	if err != nil {
		return nil, err
	}

	activationsTotal.WithLabelValues("created").Inc()
	a.logger.Info("Зачисление активировано",
		slog.String("uid", e.UID),
		slog.String("course_id", e.CourseID),
		slog.String("remote_id", rec.ID.String()),
	)
	return updated, nil
}
