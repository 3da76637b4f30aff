// Пакет model — доменные модели enrollsync.
package model

import "time"

// User — локальная учётная запись заявителя или сотрудника.
// Хранится в таблице users.
type User struct {
	// ID — UUID пользователя
	ID string
	// Email — уникален без учёта регистра
	Email string
	// FirstName — имя
	FirstName string
	// MiddleName — отчество (опционально)
	MiddleName *string
	// LastName — фамилия
	LastName string
	// Role — роль (applicant, admin, superadmin, support, mobilizer, guest)
	Role string
	// RemoteUserID — идентификатор пользователя в LMS.
	// Устанавливается один раз и далее не меняется.
	RemoteUserID *string
	// CreatedAt — время создания записи
	CreatedAt time.Time
	// UpdatedAt — время последнего обновления
	UpdatedAt time.Time
}

// Profile — анкетные данные пользователя (один к одному с User).
// Ядро синхронизации не интерпретирует поля, они передаются в политику допуска.
type Profile struct {
	UserID           string
	AgeRange         *string
	StateOfResidence *string
	EducationLevel   *string
}

// Cohort — набор (поток) программы.
// Name совпадает с именем группы в LMS.
type Cohort struct {
	ID     string
	Name   string
	Active bool
}

// UserCohort — членство пользователя в наборе.
// Активным считается последнее по времени создания.
type UserCohort struct {
	// ID — UUID членства
	ID string
	// UserID — UUID пользователя
	UserID string
	// CohortID — UUID набора
	CohortID string
	// CohortName — имя набора (JOIN cohorts)
	CohortName string
	// CreatedAt — время создания членства
	CreatedAt time.Time
}
