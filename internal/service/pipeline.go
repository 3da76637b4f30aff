package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bigkaa/enrollsync/internal/domain/model"
	"github.com/bigkaa/enrollsync/internal/repository"
)

// PipelineResult — итог обработки одного зачисления.
type PipelineResult struct {
	Enrollment *model.Enrollment
	User       *model.User
}

// EnrollmentPipeline — цепочка Resolve → Bind → Activate для одного зачисления.
// Неудачи получения пользователя LMS и активации пишутся в журнал.
type EnrollmentPipeline struct {
	users     repository.UserRepository
	cohorts   repository.UserCohortRepository
	resolver  *IdentityResolver
	binder    GroupBinder
	activator *Activator
	ledger    *FailureLedger
	logger    *slog.Logger
}

// NewEnrollmentPipeline создаёт EnrollmentPipeline.
func NewEnrollmentPipeline(
	users repository.UserRepository,
	cohorts repository.UserCohortRepository,
	resolver *IdentityResolver,
	binder GroupBinder,
	activator *Activator,
	ledger *FailureLedger,
	logger *slog.Logger,
) *EnrollmentPipeline {
	if binder == nil {
		binder = NopGroupBinder{}
	}
	return &EnrollmentPipeline{
		users:     users,
		cohorts:   cohorts,
		resolver:  resolver,
		binder:    binder,
		activator: activator,
		ledger:    ledger,
		logger:    logger.With(slog.String("component", "enrollment_pipeline")),
	}
}

// Process активирует зачисление e. Пользователь и набор берутся из членства зачисления.
// В результате User заполнен и при ошибке, если пользователь был найден.
func (p *EnrollmentPipeline) Process(ctx context.Context, e *model.Enrollment) (*PipelineResult, error) {
	res := &PipelineResult{Enrollment: e}

	membership, err := p.cohorts.GetByID(ctx, e.UserCohortID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return res, fmt.Errorf("членство %s: %w", e.UserCohortID, ErrNotFound)
		}
		return res, err
	}

	user, err := p.users.GetByID(ctx, membership.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return res, fmt.Errorf("пользователь %s: %w", membership.UserID, ErrNotFound)
		}
		return res, err
	}
	res.User = user

	remoteUserID, err := p.resolver.ResolveRemoteUser(ctx, user)
	if err != nil {
		var idErr *RemoteIdentityError
		if errors.As(err, &idErr) {
			p.recordFailure(ctx, user.ID, e.UID, "Не удалось создать пользователя LMS", err)
		}
		return res, err
	}

	p.binder.BindToGroup(ctx, remoteUserID, membership.CohortName)

	updated, err := p.activator.Activate(ctx, e, remoteUserID)
	if err != nil {
		var actErr *ActivationError
		if errors.As(err, &actErr) {
			p.recordFailure(ctx, user.ID, e.UID, "Не удалось активировать зачисление в LMS", err)
		}
		return res, err
	}

	res.Enrollment = updated
	return res, nil
}

// recordFailure пишет в журнал; ошибка записи только логируется.
func (p *EnrollmentPipeline) recordFailure(ctx context.Context, userID, uid, message string, cause error) {
	if err := p.ledger.Record(ctx, userID, uid, message, cause); err != nil {
		p.logger.Error("Ошибка записи в журнал неудач",
			slog.String("uid", uid),
			slog.String("error", err.Error()),
		)
	}
}
