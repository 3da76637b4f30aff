package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bigkaa/enrollsync/internal/domain/model"
	"github.com/bigkaa/enrollsync/internal/lms"
	"github.com/bigkaa/enrollsync/internal/repository"
)

// failureDetails — JSON-детали записи журнала неудач.
type failureDetails struct {
	Message  string          `json:"message"`
	Status   int             `json:"status,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
}

// FailureLedger — журнал неудачных активаций. Только добавление, без дедупликации.
type FailureLedger struct {
	repo   repository.FailedReconciliationRepository
	logger *slog.Logger
}

// NewFailureLedger создаёт FailureLedger.
func NewFailureLedger(repo repository.FailedReconciliationRepository, logger *slog.Logger) *FailureLedger {
	return &FailureLedger{
		repo:   repo,
		logger: logger.With(slog.String("component", "failure_ledger")),
	}
}

// Record добавляет запись о неудаче. Статус и тело ответа LMS
// извлекаются из cause, если это ошибка LMS.
func (l *FailureLedger) Record(ctx context.Context, userID, enrollmentUID, message string, cause error) error {
	details := failureDetails{Message: message}
	if cause != nil {
		details.Message = cause.Error()
	}

	var (
		actErr *ActivationError
		apiErr *lms.APIError
	)
	switch {
	case errors.As(cause, &actErr) && actErr.Status != 0:
		details.Status = actErr.Status
		details.Response = rawJSON(actErr.Body)
	case errors.As(cause, &apiErr):
		details.Status = apiErr.Status
		details.Response = rawJSON(apiErr.Body)
	}

	payload, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("сериализация деталей неудачи: %w", err)
	}

	if err := l.repo.Create(ctx, &model.FailedReconciliation{
		UserID:        userID,
		EnrollmentUID: enrollmentUID,
		Error:         message,
		Details:       payload,
	}); err != nil {
		return err
	}

	ledgerEntriesTotal.Inc()
	l.logger.Warn("Неудача активации записана в журнал",
		slog.String("user_id", userID),
		slog.String("uid", enrollmentUID),
		slog.String("error", details.Message),
	)
	return nil
}

// rawJSON возвращает тело как JSON, не-JSON тело — как строку.
func rawJSON(body []byte) json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	if json.Valid(body) {
		return body
	}
	s, _ := json.Marshal(string(body))
	return s
}
