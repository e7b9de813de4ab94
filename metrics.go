package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ytmp3_jobs_total",
			Help: "Total number of conversion jobs by terminal status",
		},
		[]string{"status"},
	)

	conversionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ytmp3_conversion_duration_seconds",
			Help:    "Wall-clock duration of successful conversions",
			Buckets: []float64{1, 2.5, 5, 10, 20, 40, 80, 160, 320, 640},
		},
	)

	cacheEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ytmp3_cache_events_total",
			Help: "Result cache events (hit, miss, store, evicted)",
		},
		[]string{"event"},
	)

	extractionAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ytmp3_extraction_attempts_total",
			Help: "Extraction attempts by persona and outcome",
		},
		[]string{"persona", "outcome"},
	)

	pipeFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ytmp3_pipe_fallbacks_total",
			Help: "Streaming fast-path attempts that fell back to the discrete flow",
		},
	)

	admissionActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ytmp3_admission_active_slots",
			Help: "Currently held admission slots",
		},
	)

	admissionWaiting = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ytmp3_admission_waiting",
			Help: "Acquire calls currently suspended in the wait queues",
		},
	)
)
