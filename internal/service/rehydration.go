// rehydration.go — прогон сверки локальных зачислений с LMS.
//
// Прогон:
//  1. Блокировка: последний прогон моложе LockWindow → ErrAlreadyRunning, запись не создаётся
//  2. Страница зачислений LMS (PageSize самых свежих, без курсора)
//  3. Сопоставление локальных пользователей по email (без учёта регистра)
//  4. Обработка порциями по ChunkSize: записи порции параллельно, таймаут ChunkTimeout;
//     новые порции не запускаются после исчерпания Budget
//  5. Ровно одна запись rehydration_runs (completed или failed)
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bigkaa/enrollsync/internal/domain/model"
	"github.com/bigkaa/enrollsync/internal/lms"
	"github.com/bigkaa/enrollsync/internal/repository"
)

// RehydrationConfig — параметры прогона.
type RehydrationConfig struct {
	PageSize      int
	ChunkSize     int
	ChunkTimeout  time.Duration
	Budget        time.Duration
	LockWindow    time.Duration
	VerifyRetries int
	VerifyBackoff time.Duration
}

// DefaultRehydrationConfig возвращает параметры по умолчанию.
func DefaultRehydrationConfig() RehydrationConfig {
	return RehydrationConfig{
		PageSize:      50,
		ChunkSize:     10,
		ChunkTimeout:  25 * time.Second,
		Budget:        55 * time.Second,
		LockWindow:    5 * time.Minute,
		VerifyRetries: 3,
		VerifyBackoff: time.Second,
	}
}

// RehydrationRunner — прогон сверки зачислений с LMS.
type RehydrationRunner struct {
	remote LMSEnrollments
	users  repository.UserRepository
	runs   repository.SyncRunRepository
	rec    *reconciler
	cfg    RehydrationConfig
	logger *slog.Logger

	// mu не даёт запустить два прогона в одном процессе
	mu sync.Mutex
}

// NewRehydrationRunner создаёт RehydrationRunner.
func NewRehydrationRunner(
	remote LMSEnrollments,
	users repository.UserRepository,
	cohorts repository.UserCohortRepository,
	enrollments repository.EnrollmentRepository,
	runs repository.SyncRunRepository,
	cfg RehydrationConfig,
	logger *slog.Logger,
) *RehydrationRunner {
	logger = logger.With(slog.String("component", "rehydration"))
	return &RehydrationRunner{
		remote: remote,
		users:  users,
		runs:   runs,
		rec: &reconciler{
			cohorts:     cohorts,
			enrollments: enrollments,
			now:         func() time.Time { return time.Now().UTC() },
			logger:      logger,
		},
		cfg:    cfg,
		logger: logger,
	}
}

// chunkResult — итоги одной порции.
type chunkResult struct {
	outcomes []itemOutcome
}

// Run выполняет один прогон. Ошибка уровня прогона возвращается как *RunFailedError;
// занятая блокировка — ErrAlreadyRunning.
func (r *RehydrationRunner) Run(ctx context.Context) (*model.RehydrationOutcome, error) {
	if !r.mu.TryLock() {
		return nil, ErrAlreadyRunning
	}
	defer r.mu.Unlock()

	startedAt := time.Now().UTC()

	latest, err := r.runs.Latest(ctx)
	switch {
	case err == nil:
		if startedAt.Sub(latest.StartedAt) < r.cfg.LockWindow {
			r.logger.Info("Прогон пропущен: предыдущий начат недавно",
				slog.Time("last_started_at", latest.StartedAt),
			)
			return nil, ErrAlreadyRunning
		}
	case !errors.Is(err, repository.ErrNotFound):
		return nil, r.fail(ctx, startedAt, fmt.Errorf("проверка блокировки: %w", err))
	}

	r.logger.Info("Прогон rehydration запущен",
		slog.Int("page_size", r.cfg.PageSize),
		slog.Duration("budget", r.cfg.Budget),
	)

	budgetCtx, cancel := context.WithDeadline(ctx, startedAt.Add(r.cfg.Budget))
	defer cancel()

	page, err := r.remote.ListEnrollments(budgetCtx, 1, r.cfg.PageSize)
	if err != nil {
		return nil, r.fail(ctx, startedAt, fmt.Errorf("получение зачислений LMS: %w", err))
	}

	var stats model.RehydrationStats
	matched, err := r.match(budgetCtx, page.Items, &stats)
	if err != nil {
		return nil, r.fail(ctx, startedAt, fmt.Errorf("сопоставление пользователей: %w", err))
	}

	budgetExhausted := false
	for i := 0; i < len(matched); i += r.cfg.ChunkSize {
		if budgetCtx.Err() != nil {
			budgetExhausted = true
			r.logger.Warn("Бюджет времени исчерпан, оставшиеся порции не запускаются",
				slog.Int("remaining", len(matched)-i),
			)
			break
		}

		end := min(i+r.cfg.ChunkSize, len(matched))
		res, ok := r.processChunk(ctx, matched[i:end])
		if !ok {
			r.logger.Warn("Порция превысила таймаут, результаты отброшены",
				slog.Int("chunk_start", i),
				slog.Int("chunk_size", end-i),
				slog.Duration("timeout", r.cfg.ChunkTimeout),
			)
			continue
		}
		for _, o := range res.outcomes {
			addOutcome(&stats, o)
		}
	}

	duration := time.Since(startedAt)
	stats.Duration = duration.Milliseconds()

	run := &model.SyncRun{
		StartedAt:       startedAt,
		Status:          model.SyncRunCompleted,
		DurationMs:      stats.Duration,
		EnrollmentCount: stats.Processed,
	}
	if err := r.record(ctx, run); err != nil {
		r.logger.Error("Ошибка записи прогона", slog.String("error", err.Error()))
	}

	rehydrationRunsTotal.WithLabelValues(model.SyncRunCompleted).Inc()
	rehydrationDuration.Observe(duration.Seconds())

	r.logger.Info("Прогон rehydration завершён",
		slog.Int("processed", stats.Processed),
		slog.Int("skipped", stats.Skipped),
		slog.Int("role_mismatch", stats.RoleMismatch),
		slog.Int("no_cohort", stats.NoCohort),
		slog.Int("no_user_found", stats.NoUserFound),
		slog.Int("completed_skipped", stats.CompletedSkipped),
		slog.Int("errors", stats.ErrorCount),
		slog.Bool("budget_exhausted", budgetExhausted),
		slog.Int64("duration_ms", stats.Duration),
	)

	return &model.RehydrationOutcome{
		Message:         fmt.Sprintf("Rehydration завершён: обработано %d зачислений", stats.Processed),
		Count:           stats.Processed,
		Stats:           stats,
		BudgetExhausted: budgetExhausted,
	}, nil
}

// matchedItem — запись LMS с найденным локальным пользователем.
type matchedItem struct {
	rec  *lms.Enrollment
	user *model.User
}

// match загружает пользователей по email и отбрасывает записи без id, email или пользователя.
func (r *RehydrationRunner) match(ctx context.Context, items []lms.Enrollment, stats *model.RehydrationStats) ([]matchedItem, error) {
	emails := make([]string, 0, len(items))
	for i := range items {
		if items[i].ID != "" && strings.TrimSpace(items[i].UserEmail) != "" {
			emails = append(emails, items[i].UserEmail)
		}
	}

	users, err := r.users.ListByEmails(ctx, emails)
	if err != nil {
		return nil, err
	}
	byEmail := make(map[string]*model.User, len(users))
	for _, u := range users {
		byEmail[strings.ToLower(strings.TrimSpace(u.Email))] = u
	}

	matched := make([]matchedItem, 0, len(items))
	for i := range items {
		rec := &items[i]
		email := strings.ToLower(strings.TrimSpace(rec.UserEmail))
		if rec.ID == "" || email == "" {
			addOutcome(stats, outcomeInvalid)
			continue
		}
		user, ok := byEmail[email]
		if !ok {
			addOutcome(stats, outcomeNoUser)
			continue
		}
		matched = append(matched, matchedItem{rec: rec, user: user})
	}
	return matched, nil
}

// processChunk обрабатывает записи порции параллельно.
// false — порция не уложилась в ChunkTimeout.
func (r *RehydrationRunner) processChunk(ctx context.Context, items []matchedItem) (*chunkResult, bool) {
	chunkCtx, cancel := context.WithTimeout(ctx, r.cfg.ChunkTimeout)
	defer cancel()

	res := &chunkResult{outcomes: make([]itemOutcome, len(items))}
	opts := reconcileOptions{
		verifyRetries: r.cfg.VerifyRetries,
		verifyBackoff: r.cfg.VerifyBackoff,
	}

	var g errgroup.Group
	for i, it := range items {
		g.Go(func() error {
			outcome, err := r.rec.reconcile(chunkCtx, it.rec, it.user, opts)
			if err != nil {
				r.logger.Warn("Ошибка сверки зачисления",
					slog.String("remote_id", it.rec.ID.String()),
					slog.String("email", it.user.Email),
					slog.String("error", err.Error()),
				)
			}
			res.outcomes[i] = outcome
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
		// Порция, завершившаяся уже после таймаута, тоже отбрасывается
		if chunkCtx.Err() != nil {
			return nil, false
		}
		return res, true
	case <-chunkCtx.Done():
		return nil, false
	}
}

// fail записывает failed-прогон и возвращает *RunFailedError.
func (r *RehydrationRunner) fail(ctx context.Context, startedAt time.Time, cause error) error {
	duration := time.Since(startedAt)
	msg := cause.Error()

	if err := r.record(ctx, &model.SyncRun{
		StartedAt:  startedAt,
		Status:     model.SyncRunFailed,
		DurationMs: duration.Milliseconds(),
		Error:      &msg,
	}); err != nil {
		r.logger.Error("Ошибка записи failed-прогона", slog.String("error", err.Error()))
	}

	rehydrationRunsTotal.WithLabelValues(model.SyncRunFailed).Inc()
	rehydrationDuration.Observe(duration.Seconds())
	r.logger.Error("Прогон rehydration завершился ошибкой",
		slog.String("error", msg),
		slog.Int64("duration_ms", duration.Milliseconds()),
	)

	return &RunFailedError{Duration: duration.Milliseconds(), Cause: cause}
}

// record пишет прогон независимо от отмены ctx вызывающего.
func (r *RehydrationRunner) record(ctx context.Context, run *model.SyncRun) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return r.runs.Create(ctx, run)
}

// addOutcome учитывает итог записи в статистике.
// Skipped включает невалидные записи, записи без пользователя, без набора
// и уже завершённые; несовпадение роли считается отдельно.
func addOutcome(stats *model.RehydrationStats, o itemOutcome) {
	rehydrationItemsTotal.WithLabelValues(o.String()).Inc()
	switch o {
	case outcomeProcessed:
		stats.Processed++
	case outcomeInvalid:
		stats.Skipped++
	case outcomeNoUser:
		stats.NoUserFound++
		stats.Skipped++
	case outcomeRoleMismatch:
		stats.RoleMismatch++
	case outcomeNoCohort:
		stats.NoCohort++
		stats.Skipped++
	case outcomeCompletedSkipped:
		stats.CompletedSkipped++
		stats.Skipped++
	case outcomeError:
		stats.ErrorCount++
	}
}
