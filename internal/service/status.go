package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bigkaa/enrollsync/internal/domain/model"
	"github.com/bigkaa/enrollsync/internal/repository"
)

// Ограничения списка зачислений.
const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// StatusReporter — снимок состояния синхронизации, без кэширования.
type StatusReporter struct {
	runs        repository.SyncRunRepository
	enrollments repository.EnrollmentRepository
}

// NewStatusReporter создаёт StatusReporter.
func NewStatusReporter(runs repository.SyncRunRepository, enrollments repository.EnrollmentRepository) *StatusReporter {
	return &StatusReporter{runs: runs, enrollments: enrollments}
}

// Status возвращает последний прогон и текущие счётчики зачислений.
func (s *StatusReporter) Status(ctx context.Context) (*model.SyncStatus, error) {
	status := &model.SyncStatus{}

	run, err := s.runs.Latest(ctx)
	switch {
	case err == nil:
		status.LastSync = &model.LastSync{
			Date:     run.StartedAt,
			Status:   run.Status,
			Duration: run.DurationMs,
			Error:    run.Error,
			Count:    run.EnrollmentCount,
		}
	case !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("получение последнего прогона: %w", err)
	}

	counts, err := s.enrollments.Counts(ctx)
	if err != nil {
		return nil, err
	}
	status.Enrollments = *counts
	return status, nil
}

// ListEnrollments возвращает зачисления по фильтру статуса.
func (s *StatusReporter) ListEnrollments(ctx context.Context, filter model.EnrollmentFilter) ([]*model.Enrollment, error) {
	switch filter.Status {
	case "", model.EnrollmentStatusActive, model.EnrollmentStatusCompleted, model.EnrollmentStatusExpired:
	default:
		return nil, fmt.Errorf("%w: неизвестный статус %q", ErrValidation, filter.Status)
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.enrollments.List(ctx, filter)
}
