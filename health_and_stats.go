package main

import (
	"net/http"
	"time"
)

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if s.activeJobs.Load() > int64(s.cfg.WorkerCount*2) {
		status = "overloaded"
	}
	writeJSON(w, http.StatusOK, HealthStatus{
		Status:        status,
		ActiveJobs:    s.activeJobs.Load(),
		QueuedJobs:    s.queuedJobs.Load(),
		CompletedJobs: s.completedJobs.Load(),
		FailedJobs:    s.failedJobs.Load(),
		Workers:       s.cfg.WorkerCount,
		Uptime:        time.Since(s.startTime).String(),
	})
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	completed := s.completedJobs.Load()
	failed := s.failedJobs.Load()

	successRate := 0.0
	if total := completed + failed; total > 0 {
		successRate = float64(completed) / float64(total) * 100
	}
	avgSecs := 0.0
	if completed > 0 {
		avgSecs = float64(s.totalProcSecs.Load()) / float64(completed)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total_jobs":           s.store.Len(),
		"active_jobs":          s.activeJobs.Load(),
		"queued_jobs":          s.queuedJobs.Load(),
		"completed_jobs":       completed,
		"failed_jobs":          failed,
		"success_rate":         successRate,
		"avg_processing_secs":  avgSecs,
		"admission_active":     s.admission.Active(),
		"admission_waiting":    s.admission.Waiting(),
		"workers":              s.cfg.WorkerCount,
		"queue_capacity":       s.cfg.QueueCapacity,
		"uptime_seconds":       time.Since(s.startTime).Seconds(),
	})
}
