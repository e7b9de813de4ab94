package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.rateLimitMiddleware, corsMiddleware)

	r.HandleFunc("/convert", s.handleConvert).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/upload", s.handleUpload).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/status/{id}", s.handleStatus).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/download/{file}", s.handleDownload).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/delete/{id}", s.handleDelete).Methods(http.MethodDelete, http.MethodOptions)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type enqueueResponse struct {
	JobID       string `json:"job_id"`
	Status      string `json:"status"`
	DownloadURL string `json:"download_url,omitempty"`
	Error       string `json:"error,omitempty"`
	ErrorKind   string `json:"error_kind,omitempty"`
	Cached      bool   `json:"cached,omitempty"`
	StatusURL   string `json:"check_status_endpoint"`
}

func (s *server) handleConvert(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "missing url")
		return
	}
	normalized := normalizeURL(req.URL)
	if !isSupportedReference(normalized) {
		writeError(w, http.StatusBadRequest, "unsupported video reference")
		return
	}

	tier := ParseTier(req.Tier)
	quality := ParseQuality(req.Quality)
	key := s.cache.Key(normalized, quality)

	// Identical finished work answers immediately without a new job. The
	// prior job's artifact may have been evicted since it completed, so the
	// file is re-verified before handing out its link.
	if prev := s.store.FindCompletedByKey(key); prev != nil && s.artifactExists(prev, key) {
		writeJSON(w, http.StatusOK, enqueueResponse{
			JobID:       prev.ID,
			Status:      string(prev.Status),
			DownloadURL: prev.DownloadURL,
			Cached:      true,
			StatusURL:   s.statusURL(prev.ID),
		})
		return
	}

	job := &ConversionJob{
		ID:            uuid.New().String(),
		URL:           req.URL,
		NormalizedURL: normalized,
		CacheKey:      key,
		Tier:          tier,
		Quality:       quality,
		Status:        StatusPending,
		CreatedAt:     time.Now(),
		MaxRetries:    s.cfg.MaxRetries,
	}
	s.enqueue(w, job)
}

func (s *server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing or oversized file field")
		return
	}
	defer file.Close()

	jobID := uuid.New().String()
	uploadPath := filepath.Join(s.cfg.ScratchDir, jobID+"-upload"+filepath.Ext(header.Filename))
	dst, err := os.Create(uploadPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cannot store upload")
		return
	}
	if _, err := io.Copy(dst, file); err != nil {
		dst.Close()
		os.Remove(uploadPath)
		writeError(w, http.StatusInternalServerError, "cannot store upload")
		return
	}
	dst.Close()

	job := &ConversionJob{
		ID:         jobID,
		UploadPath: uploadPath,
		Tier:       ParseTier(r.FormValue("tier")),
		Quality:    ParseQuality(r.FormValue("quality")),
		Status:     StatusPending,
		CreatedAt:  time.Now(),
		MaxRetries: s.cfg.MaxRetries,
		Metadata:   &Metadata{Title: strings.TrimSuffix(header.Filename, filepath.Ext(header.Filename))},
	}
	s.enqueue(w, job)
}

// enqueue registers the job, queues it, and waits briefly so quick jobs can
// answer within the original request.
func (s *server) enqueue(w http.ResponseWriter, job *ConversionJob) {
	s.store.Put(job)
	if err := s.redis.Save(context.Background(), job); err != nil {
		log.Printf("job %s: redis save failed: %v", job.ID, err)
	}
	resultCh := s.waiters.Register(job.ID)

	select {
	case s.jobQueue <- job:
		s.queuedJobs.Add(1)
	default:
		s.waiters.Unregister(job.ID, resultCh)
		s.store.Delete(job.ID)
		if job.UploadPath != "" {
			os.Remove(job.UploadPath)
		}
		writeError(w, http.StatusServiceUnavailable, "server busy, try again later")
		return
	}

	select {
	case done := <-resultCh:
		status := http.StatusOK
		if done.Status == StatusFailed {
			status = statusForErrorKind(done.ErrorKind)
		}
		writeJSON(w, status, enqueueResponse{
			JobID:       done.ID,
			Status:      string(done.Status),
			DownloadURL: done.DownloadURL,
			Error:       done.Error,
			ErrorKind:   done.ErrorKind,
			Cached:      done.Cached,
			StatusURL:   s.statusURL(done.ID),
		})
	case <-time.After(s.cfg.FastPathWait):
		s.waiters.Unregister(job.ID, resultCh)
		// The worker owns the job struct now; report the store snapshot.
		status := StatusPending
		if snap, ok := s.store.Get(job.ID); ok {
			status = snap.Status
		}
		writeJSON(w, http.StatusAccepted, enqueueResponse{
			JobID:     job.ID,
			Status:    string(status),
			StatusURL: s.statusURL(job.ID),
		})
	}
}

// statusForErrorKind maps terminal extraction outcomes to HTTP statuses for
// fast-path failure responses.
func statusForErrorKind(kind string) int {
	switch ErrorKind(kind) {
	case KindRateLimited, KindBotCheck:
		return http.StatusTooManyRequests
	case KindPrivate, KindAgeRestricted, KindMembersOnly, KindCopyright, KindGeoBlocked:
		return http.StatusForbidden
	case KindRemoved, KindUnavailable:
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	job := s.lookupJob(r, jobID)
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	writeJSON(w, http.StatusOK, struct {
		JobID       string    `json:"job_id"`
		Status      JobStatus `json:"status"`
		DownloadURL string    `json:"download_url,omitempty"`
		Error       string    `json:"error,omitempty"`
		ErrorKind   string    `json:"error_kind,omitempty"`
		Cached      bool      `json:"cached"`
		Metadata    *Metadata `json:"metadata,omitempty"`
		CreatedAt   time.Time `json:"created_at"`
		CompletedAt time.Time `json:"completed_at,omitempty"`
	}{
		JobID:       job.ID,
		Status:      job.Status,
		DownloadURL: job.DownloadURL,
		Error:       job.Error,
		ErrorKind:   job.ErrorKind,
		Cached:      job.Cached,
		Metadata:    job.Metadata,
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.CompletedAt,
	})
}

// artifactExists reports whether a finished job's result is still on disk,
// either as the cache entry for its key or as the file the job recorded.
func (s *server) artifactExists(job *ConversionJob, key string) bool {
	if _, _, ok := s.cache.Lookup(key); ok {
		return true
	}
	if job.FilePath == "" {
		return false
	}
	info, err := os.Stat(job.FilePath)
	return err == nil && !info.IsDir() && info.Size() > 0
}

// lookupJob checks the in-memory store first and falls back to Redis for jobs
// from a previous process lifetime.
func (s *server) lookupJob(r *http.Request, jobID string) *ConversionJob {
	if job, ok := s.store.Get(jobID); ok {
		return job
	}
	job, err := s.redis.Get(r.Context(), jobID)
	if err != nil || job == nil {
		return nil
	}
	return job
}

func (s *server) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["file"]
	if !strings.HasSuffix(name, cacheExt) {
		writeError(w, http.StatusNotFound, "unknown file")
		return
	}
	stem := strings.TrimSuffix(name, cacheExt)

	// Cache keys map straight to files; anything else is treated as a job ID.
	if path, _, ok := s.cache.Lookup(stem); ok {
		serveAudioFile(w, path, name)
		return
	}

	job := s.lookupJob(r, stem)
	if job == nil || job.Status != StatusCompleted || job.FilePath == "" {
		writeError(w, http.StatusNotFound, "file not found or conversion not completed")
		return
	}
	serveAudioFile(w, job.FilePath, name)
}

func serveAudioFile(w http.ResponseWriter, path, downloadName string) {
	file, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cannot open file")
		return
	}
	defer file.Close()

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", downloadName))
	w.Header().Set("Cache-Control", "public, max-age=3600")
	io.Copy(w, file)
}

func (s *server) handleDelete(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	job := s.lookupJob(r, jobID)
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if job.FilePath != "" && filepath.Dir(job.FilePath) == s.cfg.ScratchDir {
		os.Remove(job.FilePath)
	}
	s.store.Delete(jobID)
	s.redis.Delete(r.Context(), jobID)
	writeJSON(w, http.StatusOK, map[string]string{"deleted": jobID})
}
