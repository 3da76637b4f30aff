package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bigkaa/enrollsync/internal/domain/model"
	"github.com/bigkaa/enrollsync/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// --- Фейки сервисного слоя ---

type fakeRehydrator struct {
	out *model.RehydrationOutcome
	err error
}

func (f *fakeRehydrator) Run(context.Context) (*model.RehydrationOutcome, error) {
	return f.out, f.err
}

type fakeStatus struct {
	status     *model.SyncStatus
	err        error
	items      []*model.Enrollment
	lastFilter model.EnrollmentFilter
}

func (f *fakeStatus) Status(context.Context) (*model.SyncStatus, error) { return f.status, f.err }

func (f *fakeStatus) ListEnrollments(_ context.Context, filter model.EnrollmentFilter) ([]*model.Enrollment, error) {
	f.lastFilter = filter
	if filter.Status == "paused" {
		return nil, fmt.Errorf("%w: неизвестный статус", service.ErrValidation)
	}
	return f.items, f.err
}

type fakeRetrier struct {
	res     *service.RetryResult
	err     error
	lastReq service.RetryRequest
	sweep   *model.SweepResult
}

func (f *fakeRetrier) Retry(_ context.Context, req service.RetryRequest) (*service.RetryResult, error) {
	f.lastReq = req
	return f.res, f.err
}

func (f *fakeRetrier) Sweep(context.Context) (*model.SweepResult, error) { return f.sweep, f.err }

type fakeWebhooks struct {
	res   *service.WebhookResult
	err   error
	calls int
}

func (f *fakeWebhooks) Handle(context.Context, []byte) (*service.WebhookResult, error) {
	f.calls++
	return f.res, f.err
}

type staticChecker struct{ status, msg string }

func (c staticChecker) CheckReady() (string, string) { return c.status, c.msg }

func newTestHandler(opts Options) *APIHandler {
	if opts.Health == nil {
		opts.Health = NewHealthHandler(staticChecker{"ok", ""}, staticChecker{"ok", ""})
	}
	return NewAPIHandler(opts, testLogger())
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("тело ответа не JSON: %v", err)
	}
	return body
}

// --- Rehydrate ---

func TestRehydrate(t *testing.T) {
	tests := []struct {
		name       string
		runner     *fakeRehydrator
		wantStatus int
		check      func(t *testing.T, body map[string]any)
	}{
		{
			name: "успех",
			runner: &fakeRehydrator{out: &model.RehydrationOutcome{
				Message: "ok", Count: 3, Stats: model.RehydrationStats{Processed: 3, NoUserFound: 1, Skipped: 1},
			}},
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body map[string]any) {
				if body["count"] != float64(3) {
					t.Errorf("count = %v, ожидали 3", body["count"])
				}
				stats, _ := body["stats"].(map[string]any)
				if stats["noUserFound"] != float64(1) {
					t.Errorf("stats.noUserFound = %v, ожидали 1", stats["noUserFound"])
				}
			},
		},
		{
			name:       "блокировка",
			runner:     &fakeRehydrator{err: service.ErrAlreadyRunning},
			wantStatus: http.StatusConflict,
			check: func(t *testing.T, body map[string]any) {
				if body["status"] != "already_running" || body["error"] != true {
					t.Errorf("тело = %v", body)
				}
			},
		},
		{
			name:       "ошибка прогона",
			runner:     &fakeRehydrator{err: &service.RunFailedError{Duration: 1234, Cause: errors.New("lms: статус 503")}},
			wantStatus: http.StatusInternalServerError,
			check: func(t *testing.T, body map[string]any) {
				if body["status"] != "failed" || body["error"] != true {
					t.Errorf("тело = %v", body)
				}
				if body["duration"] != float64(1234) {
					t.Errorf("duration = %v, ожидали 1234", body["duration"])
				}
				if strings.Contains(body["message"].(string), "503") {
					t.Error("детали ошибки не раскрываются вне dev-режима")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(Options{Rehydrator: tt.runner})
			rec := httptest.NewRecorder()
			h.Rehydrate(rec, httptest.NewRequest(http.MethodPost, "/api/v1/rehydrate", nil))

			if rec.Code != tt.wantStatus {
				t.Fatalf("статус = %d, ожидали %d", rec.Code, tt.wantStatus)
			}
			tt.check(t, decodeBody(t, rec))
		})
	}
}

func TestRehydrate_DevModeMessage(t *testing.T) {
	h := newTestHandler(Options{
		Rehydrator: &fakeRehydrator{err: &service.RunFailedError{Cause: errors.New("lms: статус 503")}},
		DevMode:    true,
	})
	rec := httptest.NewRecorder()
	h.Rehydrate(rec, httptest.NewRequest(http.MethodGet, "/api/v1/rehydrate", nil))

	body := decodeBody(t, rec)
	if !strings.Contains(body["message"].(string), "503") {
		t.Errorf("message = %v, ожидали детали ошибки", body["message"])
	}
}

// --- Status ---

func TestSyncStatus(t *testing.T) {
	h := newTestHandler(Options{Status: &fakeStatus{status: &model.SyncStatus{
		Enrollments: model.EnrollmentCounts{Total: 5, Active: 2, Completed: 1},
	}}})

	rec := httptest.NewRecorder()
	h.SyncStatus(rec, httptest.NewRequest(http.MethodGet, "/api/v1/rehydrate/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("статус = %d, ожидали 200", rec.Code)
	}

	body := decodeBody(t, rec)
	if body["lastSync"] != nil {
		t.Errorf("lastSync = %v, ожидали null", body["lastSync"])
	}
	counts, _ := body["enrollments"].(map[string]any)
	if counts["total"] != float64(5) {
		t.Errorf("enrollments.total = %v, ожидали 5", counts["total"])
	}
}

func TestListEnrollments(t *testing.T) {
	remoteID := "42"
	status := &fakeStatus{items: []*model.Enrollment{{UID: "u-1", ID: &remoteID, CourseID: "c-1", Enrolled: true}}}
	h := newTestHandler(Options{Status: status})

	rec := httptest.NewRecorder()
	h.ListEnrollments(rec, httptest.NewRequest(http.MethodGet, "/api/v1/enrollments?status=active&limit=20&offset=40", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("статус = %d, ожидали 200", rec.Code)
	}
	if status.lastFilter != (model.EnrollmentFilter{Status: "active", Limit: 20, Offset: 40}) {
		t.Errorf("фильтр = %+v", status.lastFilter)
	}

	var resp enrollmentListResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Items) != 1 || resp.Items[0].UID != "u-1" || *resp.Items[0].ID != "42" {
		t.Errorf("items = %+v", resp.Items)
	}
}

func TestListEnrollments_BadParams(t *testing.T) {
	h := newTestHandler(Options{Status: &fakeStatus{}})

	for _, url := range []string{
		"/api/v1/enrollments?limit=abc",
		"/api/v1/enrollments?offset=x",
		"/api/v1/enrollments?status=paused",
	} {
		rec := httptest.NewRecorder()
		h.ListEnrollments(rec, httptest.NewRequest(http.MethodGet, url, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: статус = %d, ожидали 400", url, rec.Code)
		}
	}
}

// --- Retry ---

func TestRetryEnrollment_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"не JSON", `{`},
		{"пустой объект", `{}`},
		{"только email", `{"user_email":"a@example.com"}`},
		{"некорректный email", `{"user_email":"not-an-email","course_id":"c-1"}`},
		{"некорректное членство", `{"uid":"u-1","user_cohort_id":"123"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			retrier := &fakeRetrier{}
			h := newTestHandler(Options{Retrier: retrier})
			rec := httptest.NewRecorder()
			h.RetryEnrollment(rec, httptest.NewRequest(http.MethodPost, "/api/v1/enrollments/retry", strings.NewReader(tt.body)))

			if rec.Code != http.StatusBadRequest {
				t.Errorf("статус = %d, ожидали 400, тело: %s", rec.Code, rec.Body.String())
			}
			if retrier.lastReq != (service.RetryRequest{}) {
				t.Error("сервис не должен вызываться")
			}
		})
	}
}

func TestRetryEnrollment_Success(t *testing.T) {
	retrier := &fakeRetrier{res: &service.RetryResult{
		Message: "Зачисление активировано", UID: "u-1", Created: true,
		Enrollment: &model.Enrollment{UID: "u-1", Enrolled: true},
	}}
	h := newTestHandler(Options{Retrier: retrier})

	body := `{"user_email":"a@example.com","course_id":"c-1","course_name":"Go"}`
	rec := httptest.NewRecorder()
	h.RetryEnrollment(rec, httptest.NewRequest(http.MethodPost, "/api/v1/enrollments/retry", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("статус = %d, ожидали 200, тело: %s", rec.Code, rec.Body.String())
	}
	if retrier.lastReq.UserEmail != "a@example.com" || retrier.lastReq.CourseName != "Go" {
		t.Errorf("запрос = %+v", retrier.lastReq)
	}

	var resp retryResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Created || resp.Enrollment == nil || !resp.Enrollment.Enrolled {
		t.Errorf("ответ = %+v", resp)
	}
}

func TestRetryEnrollment_Errors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantErr  string
	}{
		{"не найдено", fmt.Errorf("зачисление: %w", service.ErrNotFound), http.StatusNotFound, "NOT_FOUND"},
		{"не допущен", fmt.Errorf("%w: анкета", service.ErrNotEligible), http.StatusUnprocessableEntity, "NOT_ELIGIBLE"},
		{"валидация", fmt.Errorf("%w: членство", service.ErrValidation), http.StatusBadRequest, "VALIDATION_ERROR"},
		{"конфликт", fmt.Errorf("%w: uid занят", service.ErrConflict), http.StatusConflict, "CONFLICT"},
		{"пользователь LMS", &service.RemoteIdentityError{Email: "a@example.com", Cause: errors.New("timeout")}, http.StatusBadGateway, "LMS_UNAVAILABLE"},
		{"активация", &service.ActivationError{EnrollmentUID: "u-1", Status: 422, Cause: errors.New("closed")}, http.StatusBadGateway, "LMS_UNAVAILABLE"},
		{"прочее", errors.New("db down"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(Options{Retrier: &fakeRetrier{err: tt.err}})
			rec := httptest.NewRecorder()
			h.RetryEnrollment(rec, httptest.NewRequest(http.MethodPost, "/api/v1/enrollments/retry", strings.NewReader(`{"uid":"u-1"}`)))

			if rec.Code != tt.wantCode {
				t.Fatalf("статус = %d, ожидали %d", rec.Code, tt.wantCode)
			}
			body := decodeBody(t, rec)
			errBody, _ := body["error"].(map[string]any)
			if errBody["code"] != tt.wantErr {
				t.Errorf("code = %v, ожидали %s", errBody["code"], tt.wantErr)
			}
		})
	}
}

func TestAutoRetry(t *testing.T) {
	h := newTestHandler(Options{Retrier: &fakeRetrier{sweep: &model.SweepResult{
		Message: "done", Total: 3, Successful: 2, Failed: 1,
		Results: []model.SweepItemResult{{UID: "u-1", Success: true}},
	}}})

	rec := httptest.NewRecorder()
	h.AutoRetry(rec, httptest.NewRequest(http.MethodPost, "/api/v1/enrollments/auto-retry", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("статус = %d, ожидали 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["total"] != float64(3) || body["failed"] != float64(1) {
		t.Errorf("тело = %v", body)
	}
}

// --- Webhook ---

func signHex(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestReceiveWebhook(t *testing.T) {
	const secret = "whsec"
	const payload = `{"id":"evt-1","type":"enrollment.created","data":{"id":"1"}}`

	tests := []struct {
		name      string
		signature string
		result    *service.WebhookResult
		err       error
		wantCode  int
		wantCalls int
	}{
		{"без подписи", "", nil, nil, http.StatusUnauthorized, 0},
		{"неверная подпись", signHex("other", payload), nil, nil, http.StatusUnauthorized, 0},
		{"обработано", signHex(secret, payload), &service.WebhookResult{EventID: "evt-1", Status: "processed"}, nil, http.StatusOK, 1},
		{"ошибка обработки в статусе", signHex(secret, payload), &service.WebhookResult{EventID: "evt-1", Status: "failed", Reason: "x"}, nil, http.StatusOK, 1},
		{"некорректное событие", signHex(secret, payload), nil, fmt.Errorf("%w: без id", service.ErrValidation), http.StatusBadRequest, 1},
		{"ошибка хранилища", signHex(secret, payload), nil, errors.New("db down"), http.StatusInternalServerError, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wh := &fakeWebhooks{res: tt.result, err: tt.err}
			h := newTestHandler(Options{Webhooks: wh, WebhookSecret: secret})

			req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/enrollment", strings.NewReader(payload))
			if tt.signature != "" {
				req.Header.Set(service.SignatureHeader, tt.signature)
			}
			rec := httptest.NewRecorder()
			h.ReceiveWebhook(rec, req)

			if rec.Code != tt.wantCode {
				t.Errorf("статус = %d, ожидали %d", rec.Code, tt.wantCode)
			}
			if wh.calls != tt.wantCalls {
				t.Errorf("вызовов Handle = %d, ожидали %d", wh.calls, tt.wantCalls)
			}
		})
	}
}

// --- Health ---

func TestHealthReady(t *testing.T) {
	tests := []struct {
		name       string
		pg, lms    ReadinessChecker
		wantCode   int
		wantStatus string
	}{
		{"всё доступно", staticChecker{"ok", ""}, staticChecker{"ok", ""}, http.StatusOK, "ok"},
		{"LMS недоступна", staticChecker{"ok", ""}, staticChecker{"fail", "timeout"}, http.StatusOK, "degraded"},
		{"PostgreSQL недоступен", staticChecker{"fail", "refused"}, staticChecker{"ok", ""}, http.StatusServiceUnavailable, "fail"},
		{"не инициализирован", nil, nil, http.StatusServiceUnavailable, "fail"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.pg, tt.lms)
			rec := httptest.NewRecorder()
			h.HealthReady(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("статус = %d, ожидали %d", rec.Code, tt.wantCode)
			}
			body := decodeBody(t, rec)
			if body["status"] != tt.wantStatus {
				t.Errorf("status = %v, ожидали %s", body["status"], tt.wantStatus)
			}
		})
	}
}

func TestHealthLive(t *testing.T) {
	h := NewHealthHandler(nil, nil)
	rec := httptest.NewRecorder()
	h.HealthLive(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("статус = %d, ожидали 200", rec.Code)
	}
	if body := decodeBody(t, rec); body["service"] != "enrollsync" {
		t.Errorf("service = %v", body["service"])
	}
}

func TestReadinessFunc(t *testing.T) {
	var c ReadinessChecker = ReadinessFunc(func() (string, string) { return "degraded", "медленно" })
	if status, msg := c.CheckReady(); status != "degraded" || msg != "медленно" {
		t.Errorf("CheckReady() = %q, %q", status, msg)
	}
}
