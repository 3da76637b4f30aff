// enrollments.go — обработчики /api/v1/enrollments endpoints.
// Список зачислений, ручная повторная активация и sweep зависших зачислений.
package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	apierrors "github.com/bigkaa/enrollsync/internal/api/errors"
	"github.com/bigkaa/enrollsync/internal/domain/model"
	"github.com/bigkaa/enrollsync/internal/service"
)

// retryRequestBody — тело POST /api/v1/enrollments/retry.
// Либо uid существующего зачисления, либо user_email и course_id.
type retryRequestBody struct {
	UID          string `json:"uid" validate:"omitempty,max=64"`
	UserEmail    string `json:"user_email" validate:"required_without=UID,omitempty,email,max=320"`
	CourseID     string `json:"course_id" validate:"required_without=UID,omitempty,max=64"`
	CourseName   string `json:"course_name" validate:"omitempty,max=255"`
	UserCohortID string `json:"user_cohort_id" validate:"omitempty,uuid"`
}

// enrollmentResponse — зачисление в ответах API.
type enrollmentResponse struct {
	UID                 string     `json:"uid"`
	ID                  *string    `json:"id"`
	UserCohortID        string     `json:"user_cohort_id"`
	CourseID            string     `json:"course_id"`
	CourseName          string     `json:"course_name"`
	Enrolled            bool       `json:"enrolled"`
	Completed           bool       `json:"completed"`
	Expired             bool       `json:"expired"`
	IsFreeTrial         bool       `json:"is_free_trial"`
	PercentageCompleted float64    `json:"percentage_completed"`
	ActivatedAt         *time.Time `json:"activated_at"`
	StartedAt           *time.Time `json:"started_at"`
	CompletedAt         *time.Time `json:"completed_at"`
	ExpiryDate          *time.Time `json:"expiry_date"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// enrollmentListResponse — ответ GET /api/v1/enrollments.
type enrollmentListResponse struct {
	Items  []enrollmentResponse `json:"items"`
	Limit  int                  `json:"limit"`
	Offset int                  `json:"offset"`
}

// retryResponse — ответ POST /api/v1/enrollments/retry.
type retryResponse struct {
	Message    string              `json:"message"`
	UID        string              `json:"uid"`
	Created    bool                `json:"created"`
	Enrollment *enrollmentResponse `json:"enrollment,omitempty"`
}

// ListEnrollments — GET /api/v1/enrollments.
// Доступ: admin, superadmin или support.
func (h *APIHandler) ListEnrollments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.EnrollmentFilter{Status: q.Get("status")}

	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		apierrors.ValidationError(w, "Некорректный параметр limit")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		apierrors.ValidationError(w, "Некорректный параметр offset")
		return
	}

	items, err := h.status.ListEnrollments(r.Context(), filter)
	if err != nil {
		if errors.Is(err, service.ErrValidation) {
			apierrors.ValidationError(w, err.Error())
			return
		}
		h.logger.Error("Ошибка получения списка зачислений", "error", err)
		apierrors.InternalError(w, "Ошибка получения списка зачислений")
		return
	}

	resp := enrollmentListResponse{
		Items:  make([]enrollmentResponse, len(items)),
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}
	for i, e := range items {
		resp.Items[i] = mapEnrollment(e)
	}
	writeJSON(w, http.StatusOK, resp)
}

// RetryEnrollment — POST /api/v1/enrollments/retry.
// Доступ: admin, superadmin или support.
func (h *APIHandler) RetryEnrollment(w http.ResponseWriter, r *http.Request) {
	var body retryRequestBody
	if err := h.decodeAndValidate(w, r, &body); err != nil {
		apierrors.ValidationError(w, "Некорректный запрос: "+err.Error())
		return
	}

	res, err := h.retrier.Retry(r.Context(), service.RetryRequest{
		UID:          body.UID,
		UserEmail:    body.UserEmail,
		CourseID:     body.CourseID,
		CourseName:   body.CourseName,
		UserCohortID: body.UserCohortID,
	})
	if err != nil {
		h.writeRetryError(w, err)
		return
	}

	resp := retryResponse{Message: res.Message, UID: res.UID, Created: res.Created}
	if res.Enrollment != nil {
		e := mapEnrollment(res.Enrollment)
		resp.Enrollment = &e
	}
	writeJSON(w, http.StatusOK, resp)
}

// AutoRetry — POST /api/v1/enrollments/auto-retry.
// Доступ: admin или superadmin.
func (h *APIHandler) AutoRetry(w http.ResponseWriter, r *http.Request) {
	res, err := h.retrier.Sweep(r.Context())
	if err != nil {
		h.logger.Error("Ошибка sweep зависших зачислений", "error", err)
		apierrors.InternalError(w, h.errorMessage("Ошибка sweep зависших зачислений", err))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// writeRetryError маппит ошибки RetryService в HTTP-ответы.
func (h *APIHandler) writeRetryError(w http.ResponseWriter, err error) {
	var (
		idErr  *service.RemoteIdentityError
		actErr *service.ActivationError
	)
	switch {
	case errors.Is(err, service.ErrValidation):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, err.Error())
	case errors.Is(err, service.ErrConflict):
		apierrors.Conflict(w, err.Error())
	case errors.Is(err, service.ErrNotEligible):
		apierrors.NotEligible(w, err.Error())
	case errors.As(err, &idErr):
		apierrors.LMSUnavailable(w, "Не удалось получить пользователя LMS: "+idErr.Cause.Error())
	case errors.As(err, &actErr):
		apierrors.LMSUnavailable(w, "LMS отклонила активацию: "+actErr.Cause.Error())
	default:
		h.logger.Error("Ошибка повторной активации", "error", err)
		apierrors.InternalError(w, h.errorMessage("Ошибка повторной активации", err))
	}
}

// intParam разбирает необязательный целочисленный параметр.
func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

// mapEnrollment конвертирует доменную модель в ответ API.
func mapEnrollment(e *model.Enrollment) enrollmentResponse {
	return enrollmentResponse{
		UID:                 e.UID,
		ID:                  e.ID,
		UserCohortID:        e.UserCohortID,
		CourseID:            e.CourseID,
		CourseName:          e.CourseName,
		Enrolled:            e.Enrolled,
		Completed:           e.Completed,
		Expired:             e.Expired,
		IsFreeTrial:         e.IsFreeTrial,
		PercentageCompleted: e.PercentageCompleted,
		ActivatedAt:         e.ActivatedAt,
		StartedAt:           e.StartedAt,
		CompletedAt:         e.CompletedAt,
		ExpiryDate:          e.ExpiryDate,
		CreatedAt:           e.CreatedAt,
		UpdatedAt:           e.UpdatedAt,
	}
}
