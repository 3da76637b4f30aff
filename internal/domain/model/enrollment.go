package model

import (
	"encoding/json"
	"time"
)

// Enrollment — зачисление пользователя на курс LMS.
// Хранится в таблице enrollments. Ядро синхронизации никогда не удаляет записи.
type Enrollment struct {
	// ID — идентификатор зачисления в LMS (nil, пока не известен)
	ID *string
	// UID — локальный UUID, назначается при создании записи
	UID string
	// UserCohortID — UUID членства в наборе
	UserCohortID string
	// CourseID — идентификатор курса в LMS
	CourseID string
	// CourseName — название курса
	CourseName string
	// Enrolled — активировано ли зачисление в LMS
	Enrolled bool
	// ActivatedAt — время активации
	ActivatedAt *time.Time
	// StartedAt — время начала обучения
	StartedAt *time.Time
	// CompletedAt — время завершения курса
	CompletedAt *time.Time
	// Completed — курс пройден
	Completed bool
	// Expired — доступ истёк
	Expired bool
	// IsFreeTrial — пробный доступ
	IsFreeTrial bool
	// PercentageCompleted — прогресс в диапазоне 0..1
	PercentageCompleted float64
	// ExpiryDate — дата окончания доступа
	ExpiryDate *time.Time
	// CreatedAt — время создания записи
	CreatedAt time.Time
	// UpdatedAt — время последнего обновления
	UpdatedAt time.Time
}

// IsActive — зачисление активно: активировано, не завершено и не истекло.
func (e *Enrollment) IsActive() bool {
	return e.Enrolled && !e.Completed && !e.Expired
}

// EffectivePercentage возвращает прогресс для сверки:
// для завершённого курса всегда 1.
func (e *Enrollment) EffectivePercentage() float64 {
	if e.Completed {
		return 1
	}
	return e.PercentageCompleted
}

// EnrollmentState — изменяемые поля зачисления, приходящие из LMS.
// Используется для upsert по идентификатору LMS.
type EnrollmentState struct {
	RemoteID            string
	UserCohortID        string
	CourseID            string
	CourseName          string
	Enrolled            bool
	ActivatedAt         *time.Time
	StartedAt           *time.Time
	CompletedAt         *time.Time
	Completed           bool
	Expired             bool
	IsFreeTrial         bool
	PercentageCompleted float64
	ExpiryDate          *time.Time
	UpdatedAt           time.Time
}

// FailedReconciliation — запись журнала неудачных активаций.
// Хранится в таблице failed_enrollments, только добавляется.
type FailedReconciliation struct {
	// ID — UUID записи
	ID string
	// UserID — UUID пользователя
	UserID string
	// EnrollmentUID — UID зачисления
	EnrollmentUID string
	// Error — краткое описание ошибки
	Error string
	// Details — JSON с сообщением и телом ответа LMS
	Details json.RawMessage
	// CreatedAt — время записи
	CreatedAt time.Time
}

// EnrollmentCounts — агрегированные счётчики зачислений.
type EnrollmentCounts struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
}

// EnrollmentFilter — фильтр списка зачислений.
type EnrollmentFilter struct {
	// Status — active, completed, expired или пусто
	Status string
	Limit  int
	Offset int
}

// Статусы фильтра списка зачислений.
const (
	EnrollmentStatusActive    = "active"
	EnrollmentStatusCompleted = "completed"
	EnrollmentStatusExpired   = "expired"
)
