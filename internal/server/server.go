// Пакет server — HTTP-сервер с graceful shutdown.
// Без TLS — HTTP внутри кластера, TLS termination на ingress.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/enrollsync/internal/api/handlers"
	"github.com/bigkaa/enrollsync/internal/api/middleware"
	"github.com/bigkaa/enrollsync/internal/config"
	"github.com/bigkaa/enrollsync/internal/domain/rbac"
)

// Server — HTTP-сервер API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт HTTP-сервер с настроенными routes и middleware.
// jwtAuth — JWT middleware (nil — без аутентификации и проверки ролей).
// validator — проверка запросов по OpenAPI-контракту (может быть nil).
func New(
	cfg *config.Config,
	logger *slog.Logger,
	h *handlers.APIHandler,
	jwtAuth *middleware.JWTAuth,
	validator *middleware.RequestValidator,
) *Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewRouter(logger, h, jwtAuth, validator),
		ReadTimeout:  30 * time.Second,
		// Прогон rehydration выполняется синхронно в рамках запроса
		WriteTimeout: cfg.RehydrateBudget + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// NewRouter собирает маршруты API.
func NewRouter(
	logger *slog.Logger,
	h *handlers.APIHandler,
	jwtAuth *middleware.JWTAuth,
	validator *middleware.RequestValidator,
) http.Handler {
	router := chi.NewRouter()

	// Глобальные middleware (применяются ко ВСЕМ маршрутам)
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger(logger))

	// Health и metrics проверяются Kubernetes напрямую, без аутентификации
	router.Get("/health/live", h.HealthLive)
	router.Get("/health/ready", h.HealthReady)
	router.Get("/metrics", h.GetMetrics)

	// Webhook аутентифицируется подписью тела
	router.Post("/api/v1/webhooks/enrollment", h.ReceiveWebhook)

	requireRole := func(roles ...string) func(http.Handler) http.Handler {
		if jwtAuth == nil {
			return func(next http.Handler) http.Handler { return next }
		}
		return middleware.RequireRole(roles...)
	}

	router.Group(func(r chi.Router) {
		if jwtAuth != nil {
			r.Use(jwtAuth.Middleware())
		}
		if validator != nil {
			r.Use(validator.Middleware())
		}

		r.Get("/api/v1/rehydrate", h.Rehydrate)
		r.Post("/api/v1/rehydrate", h.Rehydrate)
		r.Get("/api/v1/rehydrate/status", h.SyncStatus)

		r.Group(func(r chi.Router) {
			r.Use(requireRole(rbac.RoleAdmin, rbac.RoleSuperAdmin, rbac.RoleSupport))
			r.Get("/api/v1/enrollments", h.ListEnrollments)
			r.Post("/api/v1/enrollments/retry", h.RetryEnrollment)
		})

		r.With(requireRole(rbac.RoleAdmin, rbac.RoleSuperAdmin)).
			Post("/api/v1/enrollments/auto-retry", h.AutoRetry)
	})

	return router
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM) или отмены ctx.
// При получении сигнала выполняется graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case <-ctx.Done():
		s.logger.Info("Контекст сервера отменён")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
