package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus-метрики синхронизации зачислений.
var (
	rehydrationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "enrollsync_rehydration_duration_seconds",
		Help:    "Длительность прогона rehydration",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s … ~51s
	})

	rehydrationRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enrollsync_rehydration_runs_total",
		Help: "Количество прогонов rehydration по статусу",
	}, []string{"status"})

	rehydrationItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enrollsync_rehydration_items_total",
		Help: "Количество записей LMS по итогу обработки",
	}, []string{"outcome"})

	activationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enrollsync_activations_total",
		Help: "Количество активаций зачислений по результату",
	}, []string{"result"})

	ledgerEntriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "enrollsync_failed_enrollments_total",
		Help: "Количество записей в журнале неудачных активаций",
	})

	sweepItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enrollsync_sweep_items_total",
		Help: "Количество повторных активаций sweep по результату",
	}, []string{"result"})

	webhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enrollsync_webhook_events_total",
		Help: "Количество событий webhook по статусу обработки",
	}, []string{"status"})
)
