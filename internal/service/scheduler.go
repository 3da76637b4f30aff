// scheduler.go — периодический запуск rehydration и sweep по cron-расписанию.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bigkaa/enrollsync/internal/domain/model"
)

// Rehydrator — прогон rehydration.
type Rehydrator interface {
	Run(ctx context.Context) (*model.RehydrationOutcome, error)
}

// Sweeper — sweep зависших зачислений.
type Sweeper interface {
	Sweep(ctx context.Context) (*model.SweepResult, error)
}

// Scheduler запускает задачи по cron. Пересекающиеся запуски одной задачи пропускаются.
type Scheduler struct {
	cron    *cron.Cron
	timeout time.Duration
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler создаёт Scheduler. Пустое расписание отключает задачу.
// timeout ограничивает один запуск задачи.
func NewScheduler(
	rehydrator Rehydrator,
	rehydrateSpec string,
	sweeper Sweeper,
	sweepSpec string,
	timeout time.Duration,
	logger *slog.Logger,
) (*Scheduler, error) {
	logger = logger.With(slog.String("component", "scheduler"))
	cl := cronLogger{logger: logger}

	s := &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cl),
			cron.SkipIfStillRunning(cl),
		)),
		timeout: timeout,
		logger:  logger,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if rehydrateSpec != "" {
		if _, err := s.cron.AddFunc(rehydrateSpec, s.runRehydration(rehydrator)); err != nil {
			return nil, fmt.Errorf("расписание rehydration %q: %w", rehydrateSpec, err)
		}
	}
	if sweepSpec != "" {
		if _, err := s.cron.AddFunc(sweepSpec, s.runSweep(sweeper)); err != nil {
			return nil, fmt.Errorf("расписание sweep %q: %w", sweepSpec, err)
		}
	}
	return s, nil
}

func (s *Scheduler) runRehydration(r Rehydrator) func() {
	return func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()

		out, err := r.Run(ctx)
		switch {
		case errors.Is(err, ErrAlreadyRunning):
			s.logger.Info("Плановый rehydration пропущен: блокировка занята")
		case err != nil:
			s.logger.Error("Плановый rehydration завершился ошибкой", slog.String("error", err.Error()))
		default:
			s.logger.Info("Плановый rehydration завершён",
				slog.Int("count", out.Count),
				slog.Bool("budget_exhausted", out.BudgetExhausted),
			)
		}
	}
}

func (s *Scheduler) runSweep(sw Sweeper) func() {
	return func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()

		res, err := sw.Sweep(ctx)
		if err != nil {
			s.logger.Error("Плановый sweep завершился ошибкой", slog.String("error", err.Error()))
			return
		}
		s.logger.Info("Плановый sweep завершён",
			slog.Int("total", res.Total),
			slog.Int("successful", res.Successful),
			slog.Int("failed", res.Failed),
		)
	}
}

// Start запускает планировщик.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Планировщик запущен", slog.Int("jobs", len(s.cron.Entries())))
}

// Stop отменяет выполняющиеся задачи и ждёт их завершения.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("Планировщик остановлен")
}

// cronLogger — адаптер slog для cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, slog.String("error", err.Error()))...)
}
