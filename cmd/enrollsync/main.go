// Точка входа enrollsync — сверка и синхронизация зачислений с LMS.
//
// Команды:
//   - serve — HTTP API, webhook-приёмник, планировщик и topologymetrics
//   - rehydrate — один прогон сверки, итог в stdout (JSON)
//   - retry-sweep — повторная активация зависших зачислений (--once или по расписанию)
//   - migrate — только применение миграций
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/bigkaa/enrollsync/internal/api/handlers"
	"github.com/bigkaa/enrollsync/internal/api/middleware"
	"github.com/bigkaa/enrollsync/internal/api/openapi"
	"github.com/bigkaa/enrollsync/internal/config"
	"github.com/bigkaa/enrollsync/internal/database"
	"github.com/bigkaa/enrollsync/internal/server"
	"github.com/bigkaa/enrollsync/internal/service"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "enrollsync",
	Short:         "Сверка и синхронизация зачислений с LMS",
	Version:       config.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Запустить HTTP API и фоновые задачи",
	RunE:  runServe,
}

var rehydrateCmd = &cobra.Command{
	Use:   "rehydrate",
	Short: "Выполнить один прогон rehydration",
	RunE:  runRehydrate,
}

var retrySweepCmd = &cobra.Command{
	Use:   "retry-sweep",
	Short: "Повторить активацию зависших зачислений",
	RunE:  runRetrySweep,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Применить миграции БД",
	RunE:  runMigrate,
}

func init() {
	retrySweepCmd.Flags().Bool("once", false, "выполнить один sweep и завершиться")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(rehydrateCmd)
	rootCmd.AddCommand(retrySweepCmd)
	rootCmd.AddCommand(migrateCmd)
}

// setup загружает конфигурацию и настраивает логирование.
func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("загрузка конфигурации: %w", err)
	}
	logger := config.SetupLogger(cfg)
	return cfg, logger, nil
}

// signalContext отменяется по SIGINT или SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	logger.Info("enrollsync запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
	)

	if os.Getenv("ES_DEPHEALTH_GROUP") == "" {
		logger.Warn("ES_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	// Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode)
	pgDB := stdlib.OpenDBFromPool(a.pool)
	defer pgDB.Close()

	dephealthSvc, err := service.NewDephealthService(service.DephealthOptions{
		ServiceID:     "enrollsync",
		Group:         cfg.DephealthGroup,
		DB:            pgDB,
		PostgresURL:   cfg.DatabaseURL(),
		LMSBaseURL:    cfg.LMSBaseURL,
		CheckInterval: cfg.DephealthCheckInterval,
	}, logger)
	if err != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", err.Error()),
		)
	} else if err := dephealthSvc.Start(ctx); err != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", err.Error()))
		dephealthSvc = nil
	} else {
		logger.Info("topologymetrics запущен",
			slog.String("group", cfg.DephealthGroup),
			slog.String("check_interval", cfg.DephealthCheckInterval.String()),
		)
	}

	var scheduler *service.Scheduler
	if cfg.SchedulerEnabled {
		scheduler, err = a.newScheduler(cfg.RehydrateSchedule, cfg.SweepSchedule)
		if err != nil {
			return fmt.Errorf("планировщик: %w", err)
		}
		scheduler.Start()
	} else {
		logger.Info("Планировщик отключён (ES_SCHEDULER_ENABLED=false)")
	}

	webhookSecret := cfg.WebhookSecret
	if webhookSecret == "" {
		logger.Warn("ES_WEBHOOK_SECRET не задан, подпись webhook проверяется ключом API LMS")
		webhookSecret = cfg.LMSAPIKey
	}

	healthHandler := handlers.NewHealthHandler(
		database.NewReadinessChecker(a.pool),
		handlers.ReadinessFunc(a.lmsReadiness),
	)
	apiHandler := handlers.NewAPIHandler(handlers.Options{
		Health:        healthHandler,
		Rehydrator:    a.rehydration,
		Status:        a.status,
		Retrier:       a.retry,
		Webhooks:      a.webhooks,
		WebhookSecret: webhookSecret,
		DevMode:       cfg.DevMode,
	}, logger)

	var jwtAuth *middleware.JWTAuth
	if cfg.JWTJWKSURL != "" {
		jwtAuth, err = middleware.NewJWTAuth(cfg.JWTJWKSURL, cfg.JWTIssuer, cfg.JWTRoleClaim, logger)
		if err != nil {
			return fmt.Errorf("JWT middleware: %w", err)
		}
		logger.Info("JWT middleware инициализирован",
			slog.String("jwks_url", cfg.JWTJWKSURL),
			slog.String("issuer", cfg.JWTIssuer),
		)
	} else {
		logger.Warn("ES_JWT_JWKS_URL не задан, аутентификация API отключена")
	}

	validator, err := middleware.NewRequestValidator(openapi.Spec)
	if err != nil {
		return fmt.Errorf("OpenAPI-валидатор: %w", err)
	}

	srv := server.New(cfg, logger, apiHandler, jwtAuth, validator)
	runErr := srv.Run(ctx)

	logger.Info("Останавливаем фоновые задачи...")
	if scheduler != nil {
		scheduler.Stop()
	}
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}

	logger.Info("enrollsync остановлен")
	return runErr
}

func runRehydrate(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	outcome, err := a.rehydration.Run(ctx)
	if err != nil {
		if errors.Is(err, service.ErrAlreadyRunning) {
			logger.Info("Прогон уже выполняется или завершён недавно")
			return nil
		}
		return err
	}
	return printJSON(cmd, outcome)
}

func runRetrySweep(cmd *cobra.Command, _ []string) error {
	once, err := cmd.Flags().GetBool("once")
	if err != nil {
		return err
	}

	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if once {
		result, err := a.retry.Sweep(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd, result)
	}

	scheduler, err := a.newScheduler("", cfg.SweepSchedule)
	if err != nil {
		return fmt.Errorf("планировщик: %w", err)
	}
	scheduler.Start()
	<-ctx.Done()
	scheduler.Stop()
	return nil
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	return database.Migrate(cfg, logger)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
