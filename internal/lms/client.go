// Пакет lms — HTTP-клиент публичного API LMS (Thinkific).
// Аутентификация заголовками X-Auth-API-Key и X-Auth-Subdomain,
// ограничение частоты запросов (token bucket) и повтор при 429.
// Операции: CreateUser, FindUserByEmail, AddUserToGroup, CreateEnrollment,
// ListEnrollments, GetEnrollment.
package lms

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

// Значения по умолчанию.
const (
	DefaultRateLimit    = 100 // запросов в минуту
	DefaultTimeout      = 30 * time.Second
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = 2 * time.Second
)

// Options — параметры клиента LMS.
type Options struct {
	BaseURL   string
	APIKey    string
	Subdomain string
	// RateLimit — запросов в минуту (0 — DefaultRateLimit)
	RateLimit int
	// Timeout — таймаут одного HTTP-запроса
	Timeout time.Duration
	// MaxRetries — повторов при 429
	MaxRetries int
	// RetryBackoff — шаг паузы между повторами: backoff*(n+1)
	RetryBackoff time.Duration
	// HTTPClient — базовый HTTP-клиент (nil — стандартный)
	HTTPClient *http.Client
}

// Client — клиент LMS. Безопасен для конкурентного использования.
type Client struct {
	rc      *resty.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New создаёт клиент LMS.
func New(opts Options, logger *slog.Logger) *Client {
	if opts.RateLimit <= 0 {
		opts.RateLimit = DefaultRateLimit
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}

	var rc *resty.Client
	if opts.HTTPClient != nil {
		rc = resty.NewWithClient(opts.HTTPClient)
	} else {
		rc = resty.New()
	}

	c := &Client{
		rc:      rc,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RateLimit)), opts.RateLimit),
		logger:  logger.With(slog.String("component", "lms_client")),
	}

	backoff := opts.RetryBackoff
	rc.SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(opts.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeader("X-Auth-API-Key", opts.APIKey).
		SetHeader("X-Auth-Subdomain", opts.Subdomain).
		SetRetryCount(opts.MaxRetries).
		SetRetryWaitTime(backoff).
		SetRetryMaxWaitTime(backoff * time.Duration(opts.MaxRetries+1)).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err == nil && r.StatusCode() == http.StatusTooManyRequests
		}).
		SetRetryAfter(func(_ *resty.Client, r *resty.Response) (time.Duration, error) {
			wait := backoff * time.Duration(r.Request.Attempt)
			c.logger.Warn("LMS ограничила частоту запросов, повтор",
				slog.String("url", r.Request.URL),
				slog.Int("attempt", r.Request.Attempt),
				slog.Duration("wait", wait),
			)
			return wait, nil
		}).
		OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
			return c.limiter.Wait(r.Context())
		}).
		OnAfterResponse(func(_ *resty.Client, r *resty.Response) error {
			lmsRequestsTotal.WithLabelValues(r.Request.Method, strconv.Itoa(r.StatusCode())).Inc()
			lmsRequestDuration.WithLabelValues(r.Request.Method).Observe(r.Time().Seconds())
			return nil
		})

	return c
}

// do выполняет запрос и декодирует 2xx-ответ в result.
// Статус не 2xx возвращается как *APIError.
func (c *Client) do(ctx context.Context, method, path string, body, result any) (int, error) {
	req := c.rc.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return 0, fmt.Errorf("lms: %s %s: %w", method, path, err)
	}

	if resp.IsError() {
		return resp.StatusCode(), newAPIError(resp.StatusCode(), resp.Body())
	}

	if result != nil && len(resp.Body()) > 0 {
		if err := json.Unmarshal(resp.Body(), result); err != nil {
			return resp.StatusCode(), fmt.Errorf("lms: декодирование ответа %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode(), nil
}

// CreateUser создаёт пользователя LMS. Конфликт (422) возвращается как *APIError.
func (c *Client) CreateUser(ctx context.Context, in CreateUserRequest) (*User, error) {
	var u User
	if _, err := c.do(ctx, http.MethodPost, "/users", in, &u); err != nil {
		return nil, err
	}
	if u.ID == "" {
		return nil, fmt.Errorf("lms: ответ POST /users без id")
	}
	c.logger.Info("Пользователь LMS создан",
		slog.String("email", in.Email),
		slog.String("remote_user_id", u.ID.String()),
	)
	return &u, nil
}

// FindUserByEmail ищет пользователя LMS по email. nil, nil — не найден.
func (c *Client) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	var page userPage
	resp, err := c.rc.R().
		SetContext(ctx).
		SetQueryParam("query[email]", email).
		Get("/users")
	if err != nil {
		return nil, fmt.Errorf("lms: GET /users: %w", err)
	}
	if resp.IsError() {
		return nil, newAPIError(resp.StatusCode(), resp.Body())
	}
	if err := json.Unmarshal(resp.Body(), &page); err != nil {
		return nil, fmt.Errorf("lms: декодирование списка пользователей: %w", err)
	}
	if len(page.Items) == 0 || page.Items[0].ID == "" {
		return nil, nil
	}
	return &page.Items[0], nil
}

// AddUserToGroup добавляет пользователя в группу LMS по имени группы.
func (c *Client) AddUserToGroup(ctx context.Context, remoteUserID, groupName string) error {
	_, err := c.do(ctx, http.MethodPost, "/group_users", GroupUserRequest{
		GroupNames: []string{groupName},
		UserID:     remoteUserID,
	}, nil)
	return err
}

// CreateEnrollment активирует зачисление пользователя на курс.
// При уже существующем зачислении LMS отвечает 400 с кодом already_enrolled.
func (c *Client) CreateEnrollment(ctx context.Context, in CreateEnrollmentRequest) (*Enrollment, error) {
	var e Enrollment
	status, err := c.do(ctx, http.MethodPost, "/enrollments", in, &e)
	if err != nil {
		return nil, err
	}
	if status != http.StatusCreated {
		c.logger.Warn("Неожиданный статус активации зачисления",
			slog.Int("status", status),
			slog.String("course_id", in.CourseID),
		)
	}
	return &e, nil
}

// ListEnrollments возвращает страницу зачислений LMS, начиная с самых свежих.
func (c *Client) ListEnrollments(ctx context.Context, page, limit int) (*EnrollmentPage, error) {
	resp, err := c.rc.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"page":  strconv.Itoa(page),
			"limit": strconv.Itoa(limit),
			"sort":  "updated_at:desc",
		}).
		Get("/enrollments")
	if err != nil {
		return nil, fmt.Errorf("lms: GET /enrollments: %w", err)
	}
	if resp.IsError() {
		return nil, newAPIError(resp.StatusCode(), resp.Body())
	}

	var p EnrollmentPage
	if err := json.Unmarshal(resp.Body(), &p); err != nil {
		return nil, fmt.Errorf("lms: декодирование списка зачислений: %w", err)
	}
	return &p, nil
}

// GetEnrollment возвращает зачисление LMS по идентификатору.
func (c *Client) GetEnrollment(ctx context.Context, id string) (*Enrollment, error) {
	var e Enrollment
	if _, err := c.do(ctx, http.MethodGet, "/enrollments/"+id, nil, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// CheckReady проверяет доступность LMS минимальным запросом списка зачислений.
// Возвращает ("ok"|"fail", сообщение).
func (c *Client) CheckReady(ctx context.Context) (string, string) {
	if _, err := c.ListEnrollments(ctx, 1, 1); err != nil {
		return "fail", err.Error()
	}
	return "ok", "LMS доступна"
}
