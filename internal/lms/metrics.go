package lms

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lmsRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrollsync_lms_requests_total",
			Help: "Количество запросов к LMS по методу и статусу",
		},
		[]string{"method", "status"},
	)

	lmsRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "enrollsync_lms_request_duration_seconds",
			Help:    "Длительность запросов к LMS",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)
