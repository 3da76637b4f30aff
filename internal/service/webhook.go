package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bigkaa/enrollsync/internal/dedup"
	"github.com/bigkaa/enrollsync/internal/domain/model"
	"github.com/bigkaa/enrollsync/internal/lms"
	"github.com/bigkaa/enrollsync/internal/repository"
)

// SignatureHeader — заголовок с HMAC-SHA256 тела webhook.
const SignatureHeader = "X-Thinkific-Hmac-Sha256"

// VerifySignature проверяет HMAC-SHA256 тела. Подпись принимается в hex или base64.
func VerifySignature(secret string, body []byte, signature string) bool {
	signature = strings.TrimSpace(signature)
	if secret == "" || signature == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	if got, err := hex.DecodeString(signature); err == nil && hmac.Equal(got, expected) {
		return true
	}
	if got, err := base64.StdEncoding.DecodeString(signature); err == nil && hmac.Equal(got, expected) {
		return true
	}
	return false
}

// WebhookEvent — тело webhook LMS.
type WebhookEvent struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	CreatedAt string         `json:"created_at"`
	Data      lms.Enrollment `json:"data"`
}

// WebhookResult — итог обработки события.
type WebhookResult struct {
	EventID string `json:"event_id"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

// Статус повторно полученного события.
const webhookStatusDuplicate = "duplicate"

// WebhookService обрабатывает события зачислений LMS.
type WebhookService struct {
	remote  LMSEnrollments
	users   repository.UserRepository
	events  repository.WebhookEventRepository
	store   dedup.Store
	rec     *reconciler
	retries int
	backoff time.Duration
	logger  *slog.Logger
}

// NewWebhookService создаёт WebhookService.
func NewWebhookService(
	remote LMSEnrollments,
	users repository.UserRepository,
	cohorts repository.UserCohortRepository,
	enrollments repository.EnrollmentRepository,
	events repository.WebhookEventRepository,
	store dedup.Store,
	cfg RehydrationConfig,
	logger *slog.Logger,
) *WebhookService {
	logger = logger.With(slog.String("component", "webhook"))
	return &WebhookService{
		remote: remote,
		users:  users,
		events: events,
		store:  store,
		rec: &reconciler{
			cohorts:     cohorts,
			enrollments: enrollments,
			now:         func() time.Time { return time.Now().UTC() },
			logger:      logger,
		},
		retries: cfg.VerifyRetries,
		backoff: cfg.VerifyBackoff,
		logger:  logger,
	}
}

// Handle разбирает и обрабатывает событие. Повторное событие не обрабатывается.
// Ошибка обработки фиксируется в статусе события, а не возвращается.
func (s *WebhookService) Handle(ctx context.Context, body []byte) (*WebhookResult, error) {
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("%w: некорректный JSON события: %v", ErrValidation, err)
	}
	if ev.ID == "" || ev.Type == "" {
		return nil, fmt.Errorf("%w: событие без id или type", ErrValidation)
	}

	res := &WebhookResult{EventID: ev.ID}

	fresh, err := s.store.MarkIfNew(ctx, ev.ID)
	if err != nil {
		// Дедупликация продолжается по таблице webhook_events
		s.logger.Warn("Ошибка хранилища дедупликации", slog.String("error", err.Error()))
	} else if !fresh {
		res.Status = webhookStatusDuplicate
		webhookEventsTotal.WithLabelValues(res.Status).Inc()
		return res, nil
	}

	inserted, err := s.events.Insert(ctx, &model.WebhookEvent{
		EventID:   ev.ID,
		EventType: ev.Type,
		Status:    model.WebhookStatusReceived,
	})
	if err != nil {
		// Событие не сохранено: повторная доставка должна быть обработана
		if fresh {
			s.forget(ctx, ev.ID)
		}
		return nil, err
	}
	if !inserted {
		res.Status = webhookStatusDuplicate
		webhookEventsTotal.WithLabelValues(res.Status).Inc()
		return res, nil
	}

	res.Status, res.Reason = s.process(ctx, &ev)

	var errText *string
	if res.Status == model.WebhookStatusFailed {
		errText = &res.Reason
	}
	if err := s.events.Finish(ctx, ev.ID, res.Status, errText); err != nil {
		s.logger.Error("Ошибка фиксации статуса события",
			slog.String("event_id", ev.ID),
			slog.String("error", err.Error()),
		)
	}

	webhookEventsTotal.WithLabelValues(res.Status).Inc()
	s.logger.Info("Событие webhook обработано",
		slog.String("event_id", ev.ID),
		slog.String("type", ev.Type),
		slog.String("status", res.Status),
		slog.String("reason", res.Reason),
	)
	return res, nil
}

// forget снимает отметку дедупликации независимо от отмены ctx.
func (s *WebhookService) forget(ctx context.Context, eventID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.store.Forget(ctx, eventID); err != nil {
		s.logger.Error("Ошибка снятия отметки дедупликации",
			slog.String("event_id", eventID),
			slog.String("error", err.Error()),
		)
	}
}

// process сверяет зачисление события. Актуальная запись берётся из LMS,
// тело события используется, если LMS недоступна.
func (s *WebhookService) process(ctx context.Context, ev *WebhookEvent) (string, string) {
	switch ev.Type {
	case model.EventEnrollmentCreated, model.EventEnrollmentProgress, model.EventEnrollmentCompleted:
	default:
		return model.WebhookStatusSkipped, "неизвестный тип события"
	}
	if ev.Data.ID == "" {
		return model.WebhookStatusSkipped, "событие без идентификатора зачисления"
	}

	rec := &ev.Data
	if fetched, err := s.remote.GetEnrollment(ctx, ev.Data.ID.String()); err == nil {
		rec = fetched
	} else {
		s.logger.Warn("Не удалось получить зачисление из LMS, используется тело события",
			slog.String("remote_id", ev.Data.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	if ev.Type == model.EventEnrollmentCompleted {
		rec.Completed = true
	}

	if rec.UserEmail == "" {
		return model.WebhookStatusSkipped, "нет email пользователя"
	}
	user, err := s.users.GetByEmail(ctx, rec.UserEmail)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.WebhookStatusSkipped, "локальный пользователь не найден"
		}
		return model.WebhookStatusFailed, err.Error()
	}

	outcome, err := s.rec.reconcile(ctx, rec, user, reconcileOptions{
		verifyRetries: s.retries,
		verifyBackoff: s.backoff,
		noDowngrade:   true,
	})
	switch {
	case err != nil:
		return model.WebhookStatusFailed, err.Error()
	case outcome == outcomeProcessed:
		return model.WebhookStatusProcessed, ""
	default:
		return model.WebhookStatusSkipped, outcome.String()
	}
}
