package model

import "time"

// Типы событий webhook LMS.
const (
	EventEnrollmentCreated   = "enrollment.created"
	EventEnrollmentProgress  = "enrollment.progress"
	EventEnrollmentCompleted = "enrollment.completed"
)

// Статусы обработки события webhook.
const (
	WebhookStatusReceived  = "received"
	WebhookStatusProcessed = "processed"
	WebhookStatusSkipped   = "skipped"
	WebhookStatusFailed    = "failed"
)

// WebhookEvent — принятое событие webhook.
// Хранится в таблице webhook_events (event_id уникален).
type WebhookEvent struct {
	EventID     string
	EventType   string
	Status      string
	Error       *string
	ReceivedAt  time.Time
	ProcessedAt *time.Time
}
