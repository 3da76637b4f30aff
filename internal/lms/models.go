package lms

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ID — идентификатор объекта LMS. В JSON приходит числом или строкой,
// хранится как непрозрачная строка, чтобы не терять точность больших чисел.
type ID string

// UnmarshalJSON принимает число, строку или null.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("lms: некорректный идентификатор %s: %w", data, err)
	}
	*id = ID(n.String())
	return nil
}

// String возвращает идентификатор как строку.
func (id ID) String() string { return string(id) }

// Number — число, которое LMS может прислать строкой ("55.0") или null.
type Number float64

// UnmarshalJSON принимает число, строку, пустую строку или null.
func (n *Number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*n = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*n = 0
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("lms: некорректное число %q: %w", s, err)
		}
		*n = Number(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*n = Number(f)
	return nil
}

// User — пользователь LMS.
type User struct {
	ID        ID     `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// CreateUserRequest — тело POST /users.
type CreateUserRequest struct {
	Email                      string `json:"email"`
	FirstName                  string `json:"first_name"`
	LastName                   string `json:"last_name"`
	SkipCustomFieldsValidation bool   `json:"skip_custom_fields_validation"`
	SendWelcomeEmail           bool   `json:"send_welcome_email"`
}

// Enrollment — зачисление LMS (элемент GET /enrollments, ответ POST /enrollments).
type Enrollment struct {
	ID                  ID         `json:"id"`
	UserID              ID         `json:"user_id"`
	UserEmail           string     `json:"user_email"`
	UserName            string     `json:"user_name"`
	CourseID            ID         `json:"course_id"`
	CourseName          string     `json:"course_name"`
	PercentageCompleted Number     `json:"percentage_completed"`
	Completed           bool       `json:"completed"`
	Expired             bool       `json:"expired"`
	IsFreeTrial         bool       `json:"is_free_trial"`
	ActivatedAt         *time.Time `json:"activated_at"`
	StartedAt           *time.Time `json:"started_at"`
	CompletedAt         *time.Time `json:"completed_at"`
	ExpiryDate          *time.Time `json:"expiry_date"`
	UpdatedAt           *time.Time `json:"updated_at"`
}

// CreateEnrollmentRequest — тело POST /enrollments.
type CreateEnrollmentRequest struct {
	CourseID    string `json:"course_id"`
	UserID      string `json:"user_id"`
	ActivatedAt string `json:"activated_at"`
}

// GroupUserRequest — тело POST /group_users.
type GroupUserRequest struct {
	GroupNames []string `json:"group_names"`
	UserID     string   `json:"user_id"`
}

// Pagination — метаданные пагинации LMS.
type Pagination struct {
	CurrentPage  int `json:"current_page"`
	PerPage      int `json:"per_page"`
	TotalEntries int `json:"total_entries"`
	TotalPages   int `json:"total_pages"`
}

// EnrollmentPage — страница ответа GET /enrollments.
type EnrollmentPage struct {
	Items []Enrollment `json:"items"`
	Meta  struct {
		Pagination Pagination `json:"pagination"`
	} `json:"meta"`
}

type userPage struct {
	Items []User `json:"items"`
}
