package lms

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Коды ошибок LMS, на которые опирается логика синхронизации.
const (
	CodeAlreadyEnrolled = "already_enrolled"
)

// ErrorItem — элемент списка errors в ответе LMS.
type ErrorItem struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// APIError — ответ LMS со статусом не 2xx.
type APIError struct {
	// Status — HTTP-статус ответа
	Status int
	// Body — сырое тело ответа
	Body []byte
	// Items — разобранный список errors (если LMS вернула массив)
	Items []ErrorItem
	// Message — поле error/message ответа
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("lms: статус %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("lms: статус %d: %s", e.Status, truncate(e.Body, 256))
}

// HasCode проверяет наличие кода в списке errors.
func (e *APIError) HasCode(code string) bool {
	for _, it := range e.Items {
		if it.Code == code {
			return true
		}
	}
	return false
}

// newAPIError разбирает тело ответа LMS.
// Поле errors бывает массивом объектов или объектом {поле: [сообщения]}.
func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status, Body: body}

	var envelope struct {
		Errors  json.RawMessage `json:"errors"`
		Error   string          `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return apiErr
	}

	apiErr.Message = envelope.Error
	if apiErr.Message == "" {
		apiErr.Message = envelope.Message
	}

	raw := bytes.TrimSpace(envelope.Errors)
	if len(raw) > 0 && raw[0] == '[' {
		_ = json.Unmarshal(raw, &apiErr.Items)
	}
	if len(raw) > 0 && raw[0] == '{' {
		var fields map[string][]string
		if json.Unmarshal(raw, &fields) == nil {
			for field, msgs := range fields {
				for _, m := range msgs {
					apiErr.Items = append(apiErr.Items, ErrorItem{Code: field, Message: m})
				}
			}
		}
	}
	return apiErr
}

// IsConflict — пользователь или ресурс уже существует (422 или 409).
func IsConflict(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusUnprocessableEntity || apiErr.Status == http.StatusConflict
	}
	return false
}

// IsAlreadyEnrolled — LMS сообщила, что пользователь уже зачислен на курс.
func IsAlreadyEnrolled(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.HasCode(CodeAlreadyEnrolled)
	}
	return false
}

// IsNotFound — объект LMS не найден.
func IsNotFound(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusNotFound
	}
	return false
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
