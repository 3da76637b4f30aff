// Пакет config — загрузка и валидация конфигурации enrollsync
// из переменных окружения (опционально — из файла .env).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации enrollsync.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Режим разработки: в ответах об ошибках допускается текст исходной ошибки
	DevMode bool

	// --- PostgreSQL ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- LMS (Thinkific public API) ---

	// Базовый URL API LMS
	LMSBaseURL string
	// API-ключ (заголовок X-Auth-API-Key)
	LMSAPIKey string
	// Поддомен школы (заголовок X-Auth-Subdomain)
	LMSSubdomain string
	// Лимит запросов к LMS в минуту
	LMSRateLimit int
	// Таймаут одного HTTP-запроса к LMS
	LMSTimeout time.Duration

	// --- Webhooks ---

	// Секрет для проверки подписи X-Thinkific-Hmac-Sha256
	WebhookSecret string
	// Время хранения идентификатора обработанного события
	WebhookDedupTTL time.Duration
	// URL Redis для дедупликации событий (пусто — in-memory LRU)
	RedisURL string

	// --- JWT ---

	// Ожидаемый issuer (пусто — не проверяется)
	JWTIssuer string
	// URL JWKS endpoint (пусто — аутентификация API отключена)
	JWTJWKSURL string
	// Claim, содержащий роль пользователя
	JWTRoleClaim string

	// --- Rehydration ---

	// Размер страницы удалённых зачислений за один прогон
	RehydratePageSize int
	// Размер чанка параллельной обработки
	RehydrateChunkSize int
	// Таймаут одного чанка
	RehydrateChunkTimeout time.Duration
	// Мягкий бюджет времени прогона
	RehydrateBudget time.Duration
	// Окно блокировки: прогон моложе этого окна считается выполняющимся
	RehydrateLockWindow time.Duration

	// --- Retry sweep ---

	// Окно давности зачислений для повторной активации
	SweepWindow time.Duration
	// Максимум зачислений за один sweep
	SweepLimit int
	// Пауза между элементами sweep
	SweepPacing time.Duration

	// --- Планировщик ---

	// Включён ли cron-планировщик в режиме serve
	SchedulerEnabled bool
	// Расписание rehydration (cron, 5 полей)
	RehydrateSchedule string
	// Расписание sweep (cron, 5 полей)
	SweepSchedule string

	// --- topologymetrics ---

	DephealthGroup         string
	DephealthCheckInterval time.Duration

	// --- Graceful shutdown ---

	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
// Если в рабочем каталоге есть .env, переменные из него подгружаются
// без перезаписи уже заданных в окружении.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf(".env: %w", err)
	}

	cfg := &Config{}
	var err error

	// --- Сервер ---

	cfg.Port, err = getEnvInt("ES_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("ES_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("ES_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("ES_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("ES_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("ES_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("ES_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	cfg.DevMode, err = getEnvBool("ES_DEV_MODE", false)
	if err != nil {
		return nil, fmt.Errorf("ES_DEV_MODE: %w", err)
	}

	// --- PostgreSQL ---

	if cfg.DBHost, err = getEnvRequired("ES_DB_HOST"); err != nil {
		return nil, err
	}
	cfg.DBPort, err = getEnvInt("ES_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("ES_DB_PORT: %w", err)
	}
	if cfg.DBName, err = getEnvRequired("ES_DB_NAME"); err != nil {
		return nil, err
	}
	if cfg.DBUser, err = getEnvRequired("ES_DB_USER"); err != nil {
		return nil, err
	}
	if cfg.DBPassword, err = getEnvRequired("ES_DB_PASSWORD"); err != nil {
		return nil, err
	}
	cfg.DBSSLMode = getEnvDefault("ES_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("ES_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// --- LMS ---

	cfg.LMSBaseURL = strings.TrimRight(
		getEnvDefault("ES_LMS_BASE_URL", "https://api.thinkific.com/api/public/v1"), "/")
	if cfg.LMSAPIKey, err = getEnvRequired("ES_LMS_API_KEY"); err != nil {
		return nil, err
	}
	if cfg.LMSSubdomain, err = getEnvRequired("ES_LMS_SUBDOMAIN"); err != nil {
		return nil, err
	}
	cfg.LMSRateLimit, err = getEnvInt("ES_LMS_RATE_LIMIT", 100)
	if err != nil {
		return nil, fmt.Errorf("ES_LMS_RATE_LIMIT: %w", err)
	}
	if cfg.LMSRateLimit < 1 {
		return nil, fmt.Errorf("ES_LMS_RATE_LIMIT: значение %d должно быть положительным", cfg.LMSRateLimit)
	}
	cfg.LMSTimeout, err = getEnvDuration("ES_LMS_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ES_LMS_TIMEOUT: %w", err)
	}

	// --- Webhooks ---

	cfg.WebhookSecret = getEnvDefault("ES_WEBHOOK_SECRET", "")
	cfg.WebhookDedupTTL, err = getEnvDuration("ES_WEBHOOK_DEDUP_TTL", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("ES_WEBHOOK_DEDUP_TTL: %w", err)
	}
	cfg.RedisURL = getEnvDefault("ES_REDIS_URL", "")

	// --- JWT ---

	cfg.JWTIssuer = getEnvDefault("ES_JWT_ISSUER", "")
	cfg.JWTJWKSURL = getEnvDefault("ES_JWT_JWKS_URL", "")
	cfg.JWTRoleClaim = getEnvDefault("ES_JWT_ROLE_CLAIM", "role")

	// --- Rehydration ---

	cfg.RehydratePageSize, err = getEnvInt("ES_REHYDRATE_PAGE_SIZE", 50)
	if err != nil {
		return nil, fmt.Errorf("ES_REHYDRATE_PAGE_SIZE: %w", err)
	}
	if cfg.RehydratePageSize < 1 || cfg.RehydratePageSize > 250 {
		return nil, fmt.Errorf("ES_REHYDRATE_PAGE_SIZE: значение %d вне допустимого диапазона 1-250", cfg.RehydratePageSize)
	}
	cfg.RehydrateChunkSize, err = getEnvInt("ES_REHYDRATE_CHUNK_SIZE", 10)
	if err != nil {
		return nil, fmt.Errorf("ES_REHYDRATE_CHUNK_SIZE: %w", err)
	}
	if cfg.RehydrateChunkSize < 1 || cfg.RehydrateChunkSize > cfg.RehydratePageSize {
		return nil, fmt.Errorf("ES_REHYDRATE_CHUNK_SIZE: значение %d вне допустимого диапазона 1-%d", cfg.RehydrateChunkSize, cfg.RehydratePageSize)
	}
	cfg.RehydrateChunkTimeout, err = getEnvDuration("ES_REHYDRATE_CHUNK_TIMEOUT", 25*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ES_REHYDRATE_CHUNK_TIMEOUT: %w", err)
	}
	cfg.RehydrateBudget, err = getEnvDuration("ES_REHYDRATE_BUDGET", 55*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ES_REHYDRATE_BUDGET: %w", err)
	}
	cfg.RehydrateLockWindow, err = getEnvDuration("ES_REHYDRATE_LOCK_WINDOW", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("ES_REHYDRATE_LOCK_WINDOW: %w", err)
	}

	// --- Retry sweep ---

	cfg.SweepWindow, err = getEnvDuration("ES_SWEEP_WINDOW", 7*24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("ES_SWEEP_WINDOW: %w", err)
	}
	cfg.SweepLimit, err = getEnvInt("ES_SWEEP_LIMIT", 50)
	if err != nil {
		return nil, fmt.Errorf("ES_SWEEP_LIMIT: %w", err)
	}
	if cfg.SweepLimit < 1 || cfg.SweepLimit > 1000 {
		return nil, fmt.Errorf("ES_SWEEP_LIMIT: значение %d вне допустимого диапазона 1-1000", cfg.SweepLimit)
	}
	cfg.SweepPacing, err = getEnvDuration("ES_SWEEP_PACING", time.Second)
	if err != nil {
		return nil, fmt.Errorf("ES_SWEEP_PACING: %w", err)
	}

	// --- Планировщик ---

	cfg.SchedulerEnabled, err = getEnvBool("ES_SCHEDULER_ENABLED", true)
	if err != nil {
		return nil, fmt.Errorf("ES_SCHEDULER_ENABLED: %w", err)
	}
	cfg.RehydrateSchedule = getEnvDefault("ES_REHYDRATE_SCHEDULE", "*/10 * * * *")
	cfg.SweepSchedule = getEnvDefault("ES_SWEEP_SCHEDULE", "*/5 * * * *")

	// --- topologymetrics ---

	cfg.DephealthGroup = getEnvDefault("ES_DEPHEALTH_GROUP", "enrollsync")
	cfg.DephealthCheckInterval, err = getEnvDuration("ES_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ES_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// --- Graceful shutdown ---

	cfg.ShutdownTimeout, err = getEnvDuration("ES_SHUTDOWN_TIMEOUT", 70*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ES_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL PostgreSQL без пароля (для лейблов метрик).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%d/%s", c.DBHost, c.DBPort, c.DBName)
}

// MigrateURL возвращает URL для golang-migrate (драйвер pgx5).
func (c *Config) MigrateURL() string {
	return fmt.Sprintf(
		"pgx5://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное логическое значение: %q", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
