// metrics.go — Prometheus HTTP метрики API.
// Регистрирует метрики: enrollsync_http_requests_total, enrollsync_http_request_duration_seconds.
package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP метрики
var (
	// httpRequestsTotal — общее количество HTTP-запросов.
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrollsync_http_requests_total",
			Help: "Общее количество HTTP-запросов",
		},
		[]string{"method", "path", "status"},
	)

	// httpRequestDuration — гистограмма длительности HTTP-запросов.
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "enrollsync_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов в секундах",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 30, 60},
		},
		[]string{"method", "path"},
	)
)

// MetricsMiddleware возвращает HTTP middleware для сбора Prometheus метрик.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			path := normalizePath(r.URL.Path)

			wrapped := newResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// knownPaths — маршруты API; остальные пути попадают в метки как "other".
var knownPaths = map[string]bool{
	"/health/live":                   true,
	"/health/ready":                  true,
	"/metrics":                       true,
	"/api/v1/rehydrate":              true,
	"/api/v1/rehydrate/status":       true,
	"/api/v1/enrollments":            true,
	"/api/v1/enrollments/retry":      true,
	"/api/v1/enrollments/auto-retry": true,
	"/api/v1/webhooks/enrollment":    true,
}

// normalizePath ограничивает кардинальность метки path.
func normalizePath(path string) string {
	if knownPaths[path] {
		return path
	}
	return "other"
}
