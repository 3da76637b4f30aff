package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/bigkaa/enrollsync/internal/domain/model"
	"github.com/bigkaa/enrollsync/internal/domain/rbac"
	"github.com/bigkaa/enrollsync/internal/lms"
	"github.com/bigkaa/enrollsync/internal/repository"
)

// itemOutcome — итог сверки одной записи LMS.
type itemOutcome int

const (
	outcomeProcessed itemOutcome = iota
	outcomeInvalid
	outcomeNoUser
	outcomeRoleMismatch
	outcomeNoCohort
	outcomeCompletedSkipped
	outcomeError
)

func (o itemOutcome) String() string {
	switch o {
	case outcomeProcessed:
		return "processed"
	case outcomeInvalid:
		return "invalid"
	case outcomeNoUser:
		return "no_user"
	case outcomeRoleMismatch:
		return "role_mismatch"
	case outcomeNoCohort:
		return "no_cohort"
	case outcomeCompletedSkipped:
		return "completed_skipped"
	default:
		return "error"
	}
}

// errPercentageMismatch — сохранённый прогресс не совпал с вычисленным.
var errPercentageMismatch = errors.New("сохранённый прогресс не совпадает с вычисленным")

// reconcileOptions — параметры сверки одной записи.
type reconcileOptions struct {
	// verifyRetries — повторов записи при ошибке проверки
	verifyRetries int
	// verifyBackoff — шаг паузы: backoff*n перед n-м повтором
	verifyBackoff time.Duration
	// noDowngrade — не перезаписывать завершённое локально зачисление незавершённым
	noDowngrade bool
}

// reconciler переносит состояние записи LMS в локальное зачисление.
type reconciler struct {
	cohorts     repository.UserCohortRepository
	enrollments repository.EnrollmentRepository
	now         func() time.Time
	logger      *slog.Logger
}

// reconcile обрабатывает одну запись LMS для найденного локального пользователя.
func (r *reconciler) reconcile(ctx context.Context, rec *lms.Enrollment, user *model.User, opts reconcileOptions) (itemOutcome, error) {
	if !rbac.IsApplicant(user.Role) {
		return outcomeRoleMismatch, nil
	}

	membership, err := r.cohorts.GetActiveByUserID(ctx, user.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return outcomeNoCohort, nil
		}
		return outcomeError, fmt.Errorf("членство пользователя %s: %w", user.ID, err)
	}

	existing, err := r.enrollments.GetByRemoteID(ctx, rec.ID.String())
	switch {
	case err == nil:
		if existing.Completed && rec.Completed {
			return outcomeCompletedSkipped, nil
		}
		if opts.noDowngrade && existing.Completed && !rec.Completed {
			return outcomeCompletedSkipped, nil
		}
	case !errors.Is(err, repository.ErrNotFound):
		return outcomeError, fmt.Errorf("поиск зачисления %s: %w", rec.ID, err)
	}

	st := stateFromRemote(rec, membership.ID, r.now())

	for attempt := 0; ; attempt++ {
		err = r.writeAndVerify(ctx, st)
		if err == nil {
			return outcomeProcessed, nil
		}
		if attempt >= opts.verifyRetries {
			return outcomeError, err
		}

		wait := opts.verifyBackoff * time.Duration(attempt+1)
		r.logger.Warn("Повтор записи зачисления",
			slog.String("remote_id", st.RemoteID),
			slog.Int("attempt", attempt+1),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
		if err := sleepCtx(ctx, wait); err != nil {
			return outcomeError, err
		}
	}
}

// writeAndVerify выполняет upsert и перечитывает запись для проверки прогресса.
func (r *reconciler) writeAndVerify(ctx context.Context, st *model.EnrollmentState) error {
	written, err := r.enrollments.UpsertByRemoteID(ctx, st)
	if err != nil {
		return err
	}

	stored, err := r.enrollments.GetByUID(ctx, written.UID)
	if err != nil {
		return fmt.Errorf("перечитывание зачисления %s: %w", written.UID, err)
	}

	if math.Abs(stored.PercentageCompleted-st.PercentageCompleted) > 1e-9 {
		return fmt.Errorf("%w: %v != %v", errPercentageMismatch, stored.PercentageCompleted, st.PercentageCompleted)
	}
	return nil
}

// sleepCtx ждёт d или отмены ctx.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
