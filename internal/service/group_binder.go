package service

import (
	"context"
	"log/slog"
)

// GroupBinder добавляет пользователя LMS в группу его набора.
// Ошибки не возвращаются: привязка к группе не влияет на зачисление.
type GroupBinder interface {
	BindToGroup(ctx context.Context, remoteUserID, groupName string)
}

// LMSGroupBinder — GroupBinder поверх POST /group_users.
type LMSGroupBinder struct {
	remote LMSGroups
	logger *slog.Logger
}

// NewLMSGroupBinder создаёт LMSGroupBinder.
func NewLMSGroupBinder(remote LMSGroups, logger *slog.Logger) *LMSGroupBinder {
	return &LMSGroupBinder{
		remote: remote,
		logger: logger.With(slog.String("component", "group_binder")),
	}
}

// BindToGroup добавляет пользователя в группу; ошибки только логируются.
func (b *LMSGroupBinder) BindToGroup(ctx context.Context, remoteUserID, groupName string) {
	if remoteUserID == "" || groupName == "" {
		b.logger.Warn("Привязка к группе пропущена: нет пользователя или группы",
			slog.String("remote_user_id", remoteUserID),
			slog.String("group", groupName),
		)
		return
	}

	if err := b.remote.AddUserToGroup(ctx, remoteUserID, groupName); err != nil {
		b.logger.Warn("Ошибка привязки пользователя к группе LMS",
			slog.String("remote_user_id", remoteUserID),
			slog.String("group", groupName),
			slog.String("error", err.Error()),
		)
		return
	}

	b.logger.Debug("Пользователь добавлен в группу LMS",
		slog.String("remote_user_id", remoteUserID),
		slog.String("group", groupName),
	)
}

// NopGroupBinder ничего не делает.
type NopGroupBinder struct{}

// BindToGroup ничего не делает.
func (NopGroupBinder) BindToGroup(context.Context, string, string) {}
