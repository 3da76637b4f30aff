package model

import "time"

// Статусы прогона rehydration.
const (
	SyncRunCompleted = "completed"
	SyncRunFailed    = "failed"
)

// SyncRun — запись об одном прогоне rehydration.
// Хранится в таблице rehydration_runs; последняя запись служит блокировкой.
type SyncRun struct {
	// ID — UUID записи
	ID string
	// StartedAt — время начала прогона
	StartedAt time.Time
	// Status — completed или failed
	Status string
	// DurationMs — длительность в миллисекундах
	DurationMs int64
	// EnrollmentCount — количество затронутых зачислений
	EnrollmentCount int
	// Error — текст ошибки для failed
	Error *string
}

// RehydrationStats — счётчики одного прогона.
type RehydrationStats struct {
	Processed        int   `json:"processed"`
	Skipped          int   `json:"skipped"`
	RoleMismatch     int   `json:"roleMismatch"`
	NoCohort         int   `json:"noCohort"`
	ErrorCount       int   `json:"errorCount"`
	CompletedSkipped int   `json:"completedSkipped"`
	NoUserFound      int   `json:"noUserFound"`
	Duration         int64 `json:"duration"`
}

// RehydrationOutcome — результат прогона rehydration.
type RehydrationOutcome struct {
	// Message — итоговое сообщение
	Message string `json:"message"`
	// Count — количество записанных зачислений
	Count int `json:"count"`
	// Stats — детальные счётчики
	Stats RehydrationStats `json:"stats"`
	// BudgetExhausted — прогон остановлен по бюджету времени
	BudgetExhausted bool `json:"budgetExhausted,omitempty"`
}

// SweepItemResult — результат повторной активации одного зачисления.
type SweepItemResult struct {
	UID     string `json:"uid"`
	Email   string `json:"email,omitempty"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SweepResult — результат sweep: агрегаты и первые детальные результаты.
type SweepResult struct {
	Message    string            `json:"message"`
	Total      int               `json:"total"`
	Successful int               `json:"successful"`
	Failed     int               `json:"failed"`
	Results    []SweepItemResult `json:"results"`
}

// LastSync — сведения о последнем прогоне для отчёта о статусе.
type LastSync struct {
	Date     time.Time `json:"date"`
	Status   string    `json:"status"`
	Duration int64     `json:"duration"`
	Error    *string   `json:"error"`
	Count    int       `json:"count"`
}

// SyncStatus — снимок состояния синхронизации.
type SyncStatus struct {
	// LastSync — nil, если прогонов ещё не было
	LastSync    *LastSync        `json:"lastSync"`
	Enrollments EnrollmentCounts `json:"enrollments"`
}
