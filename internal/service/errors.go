// errors.go — ошибки бизнес-логики сервисного слоя.
package service

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound — ресурс не найден.
	ErrNotFound = errors.New("ресурс не найден")
	// ErrValidation — ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
	// ErrAlreadyRunning — прогон rehydration уже выполняется или был недавно.
	ErrAlreadyRunning = errors.New("rehydration уже выполняется")
	// ErrConflict — запись уже существует.
	ErrConflict = errors.New("конфликт записи")
	// ErrNotEligible — пользователь не проходит политику допуска.
	ErrNotEligible = errors.New("пользователь не допущен к зачислению")
)

// RemoteIdentityError — не удалось получить или создать пользователя LMS.
type RemoteIdentityError struct {
	Email string
	Cause error
}

func (e *RemoteIdentityError) Error() string {
	return fmt.Sprintf("пользователь LMS для %s не получен: %v", e.Email, e.Cause)
}

func (e *RemoteIdentityError) Unwrap() error { return e.Cause }

// ActivationError — LMS отклонила активацию зачисления.
type ActivationError struct {
	EnrollmentUID string
	// Status — HTTP-статус ответа LMS (0, если ответа не было)
	Status int
	// Body — сырое тело ответа LMS
	Body  []byte
	Cause error
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("активация зачисления %s не удалась: %v", e.EnrollmentUID, e.Cause)
}

func (e *ActivationError) Unwrap() error { return e.Cause }

// RunFailedError — прогон rehydration завершился ошибкой уровня прогона.
type RunFailedError struct {
	// Duration — длительность прогона в миллисекундах
	Duration int64
	Cause    error
}

func (e *RunFailedError) Error() string {
	return fmt.Sprintf("rehydration завершился ошибкой: %v", e.Cause)
}

func (e *RunFailedError) Unwrap() error { return e.Cause }
