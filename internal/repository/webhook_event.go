package repository

import (
	"context"
	"fmt"

	"github.com/bigkaa/enrollsync/internal/domain/model"
)

// WebhookEventRepository — принятые события webhook (webhook_events).
type WebhookEventRepository interface {
	// Insert сохраняет событие. Возвращает false, если event_id уже известен.
	Insert(ctx context.Context, ev *model.WebhookEvent) (bool, error)
	// Finish фиксирует итог обработки события.
	Finish(ctx context.Context, eventID, status string, errText *string) error
}

type webhookEventRepo struct {
	db DBTX
}

// NewWebhookEventRepository создаёт репозиторий событий webhook.
func NewWebhookEventRepository(db DBTX) WebhookEventRepository {
	return &webhookEventRepo{db: db}
}

func (r *webhookEventRepo) Insert(ctx context.Context, ev *model.WebhookEvent) (bool, error) {
	query := `
		INSERT INTO webhook_events (event_id, event_type, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO NOTHING`

	tag, err := r.db.Exec(ctx, query, ev.EventID, ev.EventType, ev.Status)
	if err != nil {
		return false, fmt.Errorf("ошибка записи события webhook: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *webhookEventRepo) Finish(ctx context.Context, eventID, status string, errText *string) error {
	query := `
		UPDATE webhook_events
		SET status = $2, error = $3, processed_at = now()
		WHERE event_id = $1`

	tag, err := r.db.Exec(ctx, query, eventID, status, errText)
	if err != nil {
		return fmt.Errorf("ошибка обновления события webhook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
