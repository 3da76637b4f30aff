package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/bigkaa/enrollsync/internal/domain/model"
	"github.com/bigkaa/enrollsync/internal/repository"
)

// EligibilityFunc — политика допуска к зачислению. nil-ошибка — допущен.
// profile может быть nil, если анкеты нет.
type EligibilityFunc func(ctx context.Context, user *model.User, profile *model.Profile) error

// AllowAll допускает всех пользователей.
func AllowAll(context.Context, *model.User, *model.Profile) error { return nil }

// RetryRequest — запрос ручной повторной активации.
// Либо UID существующего зачисления, либо email и курс для создания нового.
type RetryRequest struct {
	UID          string
	UserEmail    string
	CourseID     string
	CourseName   string
	UserCohortID string
}

// RetryResult — итог ручной повторной активации.
type RetryResult struct {
	Message    string            `json:"message"`
	Enrollment *model.Enrollment `json:"-"`
	UID        string            `json:"uid"`
	Created    bool              `json:"created"`
}

// SweepConfig — параметры автоматического sweep.
type SweepConfig struct {
	// Window — окно давности created_at
	Window time.Duration
	// Limit — максимум зачислений за один sweep
	Limit int
	// Pacing — пауза между зачислениями
	Pacing time.Duration
	// MaxResults — сколько детальных результатов возвращать
	MaxResults int
}

// DefaultSweepConfig возвращает параметры по умолчанию.
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		Window:     7 * 24 * time.Hour,
		Limit:      50,
		Pacing:     time.Second,
		MaxResults: 10,
	}
}

// RetryService — ручная повторная активация и автоматический sweep зависших зачислений.
type RetryService struct {
	users       repository.UserRepository
	cohorts     repository.UserCohortRepository
	enrollments repository.EnrollmentRepository
	pipeline    *EnrollmentPipeline
	eligible    EligibilityFunc
	cfg         SweepConfig
	logger      *slog.Logger

	// group сериализует активацию одного uid
	group singleflight.Group
}

// NewRetryService создаёт RetryService. eligible == nil — AllowAll.
func NewRetryService(
	users repository.UserRepository,
	cohorts repository.UserCohortRepository,
	enrollments repository.EnrollmentRepository,
	pipeline *EnrollmentPipeline,
	eligible EligibilityFunc,
	cfg SweepConfig,
	logger *slog.Logger,
) *RetryService {
	if eligible == nil {
		eligible = AllowAll
	}
	return &RetryService{
		users:       users,
		cohorts:     cohorts,
		enrollments: enrollments,
		pipeline:    pipeline,
		eligible:    eligible,
		cfg:         cfg,
		logger:      logger.With(slog.String("component", "retry")),
	}
}

// Retry повторяет активацию существующего зачисления (UID) или создаёт
// зачисление для email и курса и активирует его.
func (s *RetryService) Retry(ctx context.Context, req RetryRequest) (*RetryResult, error) {
	if req.UID != "" {
		e, err := s.enrollments.GetByUID(ctx, req.UID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, fmt.Errorf("зачисление %s: %w", req.UID, ErrNotFound)
			}
			return nil, err
		}
		return s.retryExisting(ctx, e, false)
	}

	if strings.TrimSpace(req.UserEmail) == "" || strings.TrimSpace(req.CourseID) == "" {
		return nil, fmt.Errorf("%w: нужен uid или user_email и course_id", ErrValidation)
	}

	e, created, err := s.createEnrollment(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.retryExisting(ctx, e, created)
}

// createEnrollment находит или создаёт неактивированное зачисление членства на курс.
func (s *RetryService) createEnrollment(ctx context.Context, req RetryRequest) (*model.Enrollment, bool, error) {
	user, err := s.users.GetByEmail(ctx, req.UserEmail)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, false, fmt.Errorf("пользователь %s: %w", req.UserEmail, ErrNotFound)
		}
		return nil, false, err
	}

	var membership *model.UserCohort
	if req.UserCohortID != "" {
		membership, err = s.cohorts.GetByID(ctx, req.UserCohortID)
		if err == nil && membership.UserID != user.ID {
			return nil, false, fmt.Errorf("%w: членство %s принадлежит другому пользователю", ErrValidation, req.UserCohortID)
		}
	} else {
		membership, err = s.cohorts.GetActiveByUserID(ctx, user.ID)
	}
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, false, fmt.Errorf("членство пользователя %s: %w", req.UserEmail, ErrNotFound)
		}
		return nil, false, err
	}

	profile, err := s.users.GetProfile(ctx, user.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, false, err
	}
	if err := s.eligible(ctx, user, profile); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrNotEligible, err)
	}

	existing, err := s.enrollments.FindByMembershipAndCourse(ctx, membership.ID, req.CourseID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, err
	}

	// Параллельный запрос мог создать запись после поиска: CreatePending вернёт её
	e, created, err := s.enrollments.CreatePending(ctx, &model.Enrollment{
		UserCohortID: membership.ID,
		CourseID:     req.CourseID,
		CourseName:   req.CourseName,
	})
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, false, fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return nil, false, err
	}
	if !created {
		return e, false, nil
	}

	s.logger.Info("Создано зачисление для повторной активации",
		slog.String("uid", e.UID),
		slog.String("email", user.Email),
		slog.String("course_id", e.CourseID),
	)
	return e, true, nil
}

// retryExisting активирует зачисление, если оно ещё не активно.
func (s *RetryService) retryExisting(ctx context.Context, e *model.Enrollment, created bool) (*RetryResult, error) {
	if e.Enrolled && e.ActivatedAt != nil {
		return &RetryResult{
			Message:    "Зачисление уже активно",
			Enrollment: e,
			UID:        e.UID,
			Created:    created,
		}, nil
	}

	res, err := s.activateOnce(ctx, e)
	if err != nil {
		return nil, err
	}
	return &RetryResult{
		Message:    "Зачисление активировано",
		Enrollment: res.Enrollment,
		UID:        e.UID,
		Created:    created,
	}, nil
}

// activationTimeout ограничивает общую активацию, не привязанную к вызывающему.
const activationTimeout = 2 * time.Minute

// activateOnce объединяет параллельные активации одного uid в один вызов.
// Общий вызов не зависит от отмены ctx первого вызывающего: отключившийся
// клиент получает ctx.Err(), остальные дожидаются результата.
func (s *RetryService) activateOnce(ctx context.Context, e *model.Enrollment) (*PipelineResult, error) {
	ch := s.group.DoChan(e.UID, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), activationTimeout)
		defer cancel()
		return s.pipeline.Process(callCtx, e)
	})

	select {
	case r := <-ch:
		res, _ := r.Val.(*PipelineResult)
		return res, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Sweep повторяет активацию зависших зачислений за окно Window:
// последовательно, от старых к новым, с паузой Pacing между зачислениями.
func (s *RetryService) Sweep(ctx context.Context) (*model.SweepResult, error) {
	since := time.Now().UTC().Add(-s.cfg.Window)

	stalled, err := s.enrollments.ListStalled(ctx, since, s.cfg.Limit)
	if err != nil {
		return nil, fmt.Errorf("получение зависших зачислений: %w", err)
	}

	s.logger.Info("Sweep зависших зачислений запущен",
		slog.Int("count", len(stalled)),
		slog.Time("since", since),
	)

	result := &model.SweepResult{
		Total:   len(stalled),
		Results: make([]model.SweepItemResult, 0, min(len(stalled), s.cfg.MaxResults)),
	}

	for i, e := range stalled {
		if i > 0 {
			if err := sleepCtx(ctx, s.cfg.Pacing); err != nil {
				s.logger.Warn("Sweep прерван", slog.String("error", err.Error()))
				break
			}
		}

		item := model.SweepItemResult{UID: e.UID}
		res, err := s.activateOnce(ctx, e)
		if res != nil && res.User != nil {
			item.Email = res.User.Email
		}
		if err != nil {
			result.Failed++
			item.Error = err.Error()
			sweepItemsTotal.WithLabelValues("failed").Inc()
		} else {
			result.Successful++
			item.Success = true
			item.Message = "Зачисление активировано"
			sweepItemsTotal.WithLabelValues("success").Inc()
		}

		if len(result.Results) < s.cfg.MaxResults {
			result.Results = append(result.Results, item)
		}
	}

	result.Message = fmt.Sprintf("Sweep завершён: успешно %d, с ошибкой %d из %d",
		result.Successful, result.Failed, result.Total)

	s.logger.Info("Sweep зависших зачислений завершён",
		slog.Int("total", result.Total),
		slog.Int("successful", result.Successful),
		slog.Int("failed", result.Failed),
	)
	return result, nil
}
