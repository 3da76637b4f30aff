// handler.go — основной обработчик API.
// Объединяет доменные обработчики и делегирует запросы в сервисный слой.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/bigkaa/enrollsync/internal/domain/model"
	"github.com/bigkaa/enrollsync/internal/service"
)

// Rehydrator — прогон rehydration (service.RehydrationRunner).
type Rehydrator interface {
	Run(ctx context.Context) (*model.RehydrationOutcome, error)
}

// StatusProvider — снимок синхронизации и список зачислений (service.StatusReporter).
type StatusProvider interface {
	Status(ctx context.Context) (*model.SyncStatus, error)
	ListEnrollments(ctx context.Context, filter model.EnrollmentFilter) ([]*model.Enrollment, error)
}

// EnrollmentRetrier — ручная активация и sweep (service.RetryService).
type EnrollmentRetrier interface {
	Retry(ctx context.Context, req service.RetryRequest) (*service.RetryResult, error)
	Sweep(ctx context.Context) (*model.SweepResult, error)
}

// WebhookProcessor — обработка событий LMS (service.WebhookService).
type WebhookProcessor interface {
	Handle(ctx context.Context, body []byte) (*service.WebhookResult, error)
}

// Options — зависимости APIHandler.
type Options struct {
	Health        *HealthHandler
	Rehydrator    Rehydrator
	Status        StatusProvider
	Retrier       EnrollmentRetrier
	Webhooks      WebhookProcessor
	WebhookSecret string
	// DevMode — подробные сообщения об ошибках в ответах
	DevMode bool
}

// APIHandler — основной обработчик API.
type APIHandler struct {
	health        *HealthHandler
	rehydrator    Rehydrator
	status        StatusProvider
	retrier       EnrollmentRetrier
	webhooks      WebhookProcessor
	webhookSecret string
	devMode       bool
	validate      *validator.Validate
	logger        *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
func NewAPIHandler(opts Options, logger *slog.Logger) *APIHandler {
	v := validator.New(validator.WithRequiredStructEnabled())
	// В сообщениях об ошибках — имена полей из JSON
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	return &APIHandler{
		health:        opts.Health,
		rehydrator:    opts.Rehydrator,
		status:        opts.Status,
		retrier:       opts.Retrier,
		webhooks:      opts.Webhooks,
		webhookSecret: opts.WebhookSecret,
		devMode:       opts.DevMode,
		validate:      v,
		logger:        logger.With(slog.String("component", "api_handler")),
	}
}

// HealthLive — liveness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthLive(w http.ResponseWriter, r *http.Request) {
	h.health.HealthLive(w, r)
}

// HealthReady — readiness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	h.health.HealthReady(w, r)
}

// GetMetrics — Prometheus метрики (делегируется в HealthHandler).
func (h *APIHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.health.GetMetrics(w, r)
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// maxBodySize — ограничение размера тела запроса.
const maxBodySize = 1 << 20

// decodeAndValidate читает JSON-тело в dst и проверяет теги validate.
func (h *APIHandler) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("некорректный JSON: %w", err)
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("поле %s не прошло проверку %s", fe.Field(), fe.Tag())
		}
		return err
	}
	return nil
}

// errorMessage возвращает текст ошибки в dev-режиме и общий текст иначе.
func (h *APIHandler) errorMessage(general string, err error) string {
	if h.devMode && err != nil {
		return general + ": " + err.Error()
	}
	return general
}
