package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bigkaa/enrollsync/internal/domain/model"
	"github.com/bigkaa/enrollsync/internal/lms"
	"github.com/bigkaa/enrollsync/internal/repository"
)

// IdentityResolver гарантирует наличие пользователя LMS для локального пользователя.
// Журнал неудач не пишет: это решает вызывающий.
type IdentityResolver struct {
	remote LMSUsers
	users  repository.UserRepository
	logger *slog.Logger
}

// NewIdentityResolver создаёт IdentityResolver.
func NewIdentityResolver(remote LMSUsers, users repository.UserRepository, logger *slog.Logger) *IdentityResolver {
	return &IdentityResolver{
		remote: remote,
		users:  users,
		logger: logger.With(slog.String("component", "identity_resolver")),
	}
}

// ResolveRemoteUser возвращает идентификатор пользователя LMS.
// Уже привязанный идентификатор возвращается без обращения к LMS.
func (r *IdentityResolver) ResolveRemoteUser(ctx context.Context, user *model.User) (string, error) {
	if user.RemoteUserID != nil && *user.RemoteUserID != "" {
		return *user.RemoteUserID, nil
	}

	created, err := r.remote.CreateUser(ctx, lms.CreateUserRequest{
		Email:                      user.Email,
		FirstName:                  user.FirstName,
		LastName:                   user.LastName,
		SkipCustomFieldsValidation: true,
		SendWelcomeEmail:           false,
	})
	if err == nil {
		return r.bind(ctx, user, created.ID.String())
	}

	if !lms.IsConflict(err) {
		return "", &RemoteIdentityError{Email: user.Email, Cause: err}
	}

	r.logger.Info("Пользователь LMS уже существует, поиск по email",
		slog.String("email", user.Email),
	)

	found, findErr := r.remote.FindUserByEmail(ctx, user.Email)
	if findErr != nil {
		return "", &RemoteIdentityError{Email: user.Email, Cause: findErr}
	}
	if found == nil {
		return "", &RemoteIdentityError{
			Email: user.Email,
			Cause: fmt.Errorf("конфликт при создании, но пользователь не найден: %w", err),
		}
	}
	return r.bind(ctx, user, found.ID.String())
}

// bind сохраняет идентификатор LMS. Если привязка уже появилась
// (параллельный вызов), возвращается сохранённое значение.
func (r *IdentityResolver) bind(ctx context.Context, user *model.User, remoteID string) (string, error) {
	bound, err := r.users.BindRemoteID(ctx, user.ID, remoteID)
	if err != nil {
		return "", fmt.Errorf("сохранение идентификатора LMS пользователя %s: %w", user.ID, err)
	}

	if !bound {
		current, err := r.users.GetByID(ctx, user.ID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return "", fmt.Errorf("пользователь %s: %w", user.ID, ErrNotFound)
			}
			return "", err
		}
		if current.RemoteUserID != nil && *current.RemoteUserID != "" {
			remoteID = *current.RemoteUserID
		}
	}

	user.RemoteUserID = &remoteID
	r.logger.Info("Пользователь привязан к LMS",
		slog.String("user_id", user.ID),
		slog.String("remote_user_id", remoteID),
	)
	return remoteID, nil
}
