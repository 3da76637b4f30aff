package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigkaa/enrollsync/internal/config"
	"github.com/bigkaa/enrollsync/internal/database"
	"github.com/bigkaa/enrollsync/internal/dedup"
	"github.com/bigkaa/enrollsync/internal/lms"
	"github.com/bigkaa/enrollsync/internal/repository"
	"github.com/bigkaa/enrollsync/internal/service"
)

// app — собранный сервисный слой поверх пула PostgreSQL и клиента LMS.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	pool  *pgxpool.Pool
	repos *repository.Repositories
	lms   *lms.Client

	rehydration *service.RehydrationRunner
	retry       *service.RetryService
	status      *service.StatusReporter
	webhooks    *service.WebhookService

	closers []func() error
}

// newApp подключается к PostgreSQL и создаёт сервисы.
// Миграции применяются до подключения, как и в режиме serve.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		return nil, fmt.Errorf("миграции БД: %w", err)
	}

	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("подключение к PostgreSQL: %w", err)
	}

	a := &app{
		cfg:    cfg,
		logger: logger,
		pool:   pool,
		repos:  repository.New(pool),
		lms: lms.New(lms.Options{
			BaseURL:    cfg.LMSBaseURL,
			APIKey:     cfg.LMSAPIKey,
			Subdomain:  cfg.LMSSubdomain,
			RateLimit:  cfg.LMSRateLimit,
			Timeout:    cfg.LMSTimeout,
			MaxRetries: lms.DefaultMaxRetries,
		}, logger),
	}

	store, closeStore, err := dedup.New(cfg.RedisURL, cfg.WebhookDedupTTL)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("хранилище дедупликации: %w", err)
	}
	if closeStore != nil {
		a.closers = append(a.closers, closeStore)
	}
	if cfg.RedisURL != "" {
		logger.Info("Дедупликация webhook-событий через Redis")
	} else {
		logger.Info("Дедупликация webhook-событий in-memory")
	}

	rehydrationCfg := service.DefaultRehydrationConfig()
	rehydrationCfg.PageSize = cfg.RehydratePageSize
	rehydrationCfg.ChunkSize = cfg.RehydrateChunkSize
	rehydrationCfg.ChunkTimeout = cfg.RehydrateChunkTimeout
	rehydrationCfg.Budget = cfg.RehydrateBudget
	rehydrationCfg.LockWindow = cfg.RehydrateLockWindow

	sweepCfg := service.DefaultSweepConfig()
	sweepCfg.Window = cfg.SweepWindow
	sweepCfg.Limit = cfg.SweepLimit
	sweepCfg.Pacing = cfg.SweepPacing

	r := a.repos
	resolver := service.NewIdentityResolver(a.lms, r.Users, logger)
	binder := service.NewLMSGroupBinder(a.lms, logger)
	activator := service.NewActivator(a.lms, r.Enrollments, logger)
	ledger := service.NewFailureLedger(r.Failures, logger)
	pipeline := service.NewEnrollmentPipeline(r.Users, r.Cohorts, resolver, binder, activator, ledger, logger)

	a.rehydration = service.NewRehydrationRunner(a.lms, r.Users, r.Cohorts, r.Enrollments, r.SyncRuns, rehydrationCfg, logger)
	a.retry = service.NewRetryService(r.Users, r.Cohorts, r.Enrollments, pipeline, nil, sweepCfg, logger)
	a.status = service.NewStatusReporter(r.SyncRuns, r.Enrollments)
	a.webhooks = service.NewWebhookService(a.lms, r.Users, r.Cohorts, r.Enrollments, r.Webhooks, store, rehydrationCfg, logger)

	return a, nil
}

// newScheduler создаёт планировщик с заданными расписаниями.
// Пустое расписание отключает задачу.
func (a *app) newScheduler(rehydrateSpec, sweepSpec string) (*service.Scheduler, error) {
	timeout := a.cfg.RehydrateBudget + time.Minute
	return service.NewScheduler(a.rehydration, rehydrateSpec, a.retry, sweepSpec, timeout, a.logger)
}

// lmsReadiness проверяет доступность LMS для /health/ready.
func (a *app) lmsReadiness() (string, string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.lms.CheckReady(ctx)
}

// close освобождает ресурсы в обратном порядке создания.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("Ошибка освобождения ресурса", slog.String("error", err.Error()))
		}
	}
	a.pool.Close()
}
