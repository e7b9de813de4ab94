package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

func (s *server) startWorkers(ctx context.Context) {
	for i := 0; i < s.cfg.WorkerCount; i++ {
		go s.worker(ctx, i)
	}
}

func (s *server) worker(ctx context.Context, workerID int) {
	log.Printf("worker %d started", workerID)
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-s.jobQueue:
			if !ok {
				return
			}
			s.processJob(ctx, job, workerID)
		}
	}
}

func (s *server) processJob(ctx context.Context, job *ConversionJob, workerID int) {
	s.activeJobs.Add(1)
	s.queuedJobs.Add(-1)
	defer s.activeJobs.Add(-1)

	log.Printf("worker %d: processing job %s (%s, tier %s)", workerID, job.ID, job.NormalizedURL, job.Tier)
	job.StartedAt = time.Now()
	s.updateJobStatus(ctx, job, StatusProcessing, "")

	outPath, err := s.convert(ctx, job)
	if err != nil {
		s.handleJobFailure(ctx, job, err)
		return
	}

	info, statErr := os.Stat(outPath)
	if statErr != nil {
		s.handleJobFailure(ctx, job, fmt.Errorf("stat result: %w", statErr))
		return
	}

	job.Status = StatusCompleted
	job.CompletedAt = time.Now()
	job.FilePath = outPath
	job.SizeBytes = info.Size()
	job.DownloadURL = s.downloadURL(job.ID)
	job.Error = ""
	job.ErrorKind = ""
	s.store.Put(job)
	if err := s.redis.Save(ctx, job); err != nil {
		log.Printf("job %s: redis save failed: %v", job.ID, err)
	}

	s.completedJobs.Add(1)
	s.totalProcSecs.Add(int64(job.ElapsedSeconds()))
	jobsTotal.WithLabelValues(string(StatusCompleted)).Inc()
	conversionDuration.Observe(job.ElapsedSeconds())

	s.waiters.Notify(job)
	log.Printf("worker %d: job %s completed in %.1fs (%d bytes, cached=%v)",
		workerID, job.ID, job.ElapsedSeconds(), job.SizeBytes, job.Cached)
}

// convert runs the full conversion for one job and returns the final artifact
// path, which always lives in the result cache except for uploads.
func (s *server) convert(ctx context.Context, job *ConversionJob) (string, error) {
	if job.UploadPath != "" {
		return s.convertUpload(ctx, job)
	}

	// A duplicate request may have populated the cache while this job sat in
	// the queue.
	if path, size, ok := s.cache.Lookup(job.CacheKey); ok {
		cacheEventsTotal.WithLabelValues("hit").Inc()
		job.Cached = true
		job.SizeBytes = size
		return path, nil
	}
	cacheEventsTotal.WithLabelValues("miss").Inc()

	short := isShortForm(job.URL)
	if !s.cfg.DisableProbe && !short {
		if meta, err := s.extractor.Probe(ctx, job.NormalizedURL); err != nil {
			log.Printf("job %s: probe failed, continuing without metadata: %v", job.ID, err)
		} else {
			job.Metadata = meta
			short = meta.Duration > 0 && meta.Duration <= s.cfg.ShortFormMaxSecs
		}
	}

	if err := s.admission.Acquire(ctx, job.Tier); err != nil {
		return "", err
	}
	defer s.admission.Release()

	// Re-check after the admission wait; another job may have finished the
	// same conversion meanwhile.
	if path, size, ok := s.cache.Lookup(job.CacheKey); ok {
		cacheEventsTotal.WithLabelValues("hit").Inc()
		job.Cached = true
		job.SizeBytes = size
		return path, nil
	}

	outPath, err := s.produce(ctx, job, short)
	if err != nil {
		return "", err
	}
	defer os.Remove(outPath)

	cached, err := s.cache.Populate(job.CacheKey, outPath)
	if err != nil {
		// The artifact is good even if caching it failed; serve it from
		// scratch and let cleanup collect it later.
		log.Printf("job %s: cache populate failed: %v", job.ID, err)
		final := outPath + ".final"
		if renameErr := os.Rename(outPath, final); renameErr != nil {
			return "", fmt.Errorf("preserve artifact: %w", renameErr)
		}
		return final, nil
	}
	cacheEventsTotal.WithLabelValues("store").Inc()
	return cached, nil
}

// produce creates the encoded artifact in the scratch directory, trying the
// streaming pipe first and falling back to the discrete flow.
func (s *server) produce(ctx context.Context, job *ConversionJob, short bool) (string, error) {
	if !s.cfg.DisablePipe {
		outPath, err := s.pipe.Run(ctx, job)
		if err == nil {
			return outPath, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		logPipeFallback(job, err)
	}

	srcPath, err := s.extractor.Extract(ctx, job, short)
	if err != nil {
		return "", err
	}
	defer os.Remove(srcPath)

	return s.transcoder.Transcode(ctx, job, srcPath)
}

// convertUpload encodes a caller-supplied source file. Uploads bypass
// extraction, admission by URL, and the result cache. The source file must
// outlive failed attempts so a requeued job can still read it; it is removed
// on success here and on terminal failure in handleJobFailure.
func (s *server) convertUpload(ctx context.Context, job *ConversionJob) (string, error) {
	if err := s.admission.Acquire(ctx, job.Tier); err != nil {
		return "", err
	}
	defer s.admission.Release()

	outPath, err := s.transcoder.Transcode(ctx, job, job.UploadPath)
	if err != nil {
		return "", err
	}
	os.Remove(job.UploadPath)
	return outPath, nil
}

func (s *server) updateJobStatus(ctx context.Context, job *ConversionJob, status JobStatus, errMsg string) {
	job.Status = status
	job.Error = errMsg
	if status == StatusFailed {
		job.CompletedAt = time.Now()
	}
	s.store.Put(job)
	if err := s.redis.Save(ctx, job); err != nil {
		log.Printf("job %s: redis save failed: %v", job.ID, err)
	}
}

// handleJobFailure either requeues the job for a retry or finalizes it as
// failed. Permanent extraction outcomes are never retried.
func (s *server) handleJobFailure(ctx context.Context, job *ConversionJob, err error) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		job.ErrorKind = string(ce.Kind)
	}

	if retryableFailure(err) && job.Retries < job.MaxRetries {
		job.Retries++
		log.Printf("job %s: %v, retrying (%d/%d)", job.ID, err, job.Retries, job.MaxRetries)
		job.Status = StatusPending
		s.store.Put(job)
		select {
		case s.jobQueue <- job:
			s.queuedJobs.Add(1)
			return
		default:
			// Queue full, fall through to final failure.
		}
	}

	if job.UploadPath != "" {
		os.Remove(job.UploadPath)
	}
	s.updateJobStatus(ctx, job, StatusFailed, err.Error())
	s.failedJobs.Add(1)
	jobsTotal.WithLabelValues(string(StatusFailed)).Inc()
	s.waiters.Notify(job)
	log.Printf("job %s failed: %v", job.ID, err)
}

// retryableFailure reports whether a failure is worth another attempt. Content
// states like private, removed or age-restricted will not change between
// retries, and a deterministic encoder failure will reproduce on the same
// input; throttling and unclassified infrastructure errors might clear up.
func retryableFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var te *TranscodeError
	if errors.As(err, &te) {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind == KindRateLimited
	}
	return true
}

// runJobCleanup drops finished jobs past the TTL and deletes any leftover
// scratch artifacts they still reference.
func (s *server) runJobCleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanupOldJobs()
		case <-ctx.Done():
			return
		}
	}
}

func (s *server) cleanupOldJobs() {
	cutoff := time.Now().Add(-s.cfg.JobTTL)
	s.store.Lock()
	for id, job := range s.store.jobs {
		if job.CreatedAt.Before(cutoff) {
			// Cached artifacts belong to the result cache and are evicted
			// by its own sweep; only orphaned scratch files go here.
			if job.FilePath != "" && filepath.Dir(job.FilePath) == s.cfg.ScratchDir {
				os.Remove(job.FilePath)
			}
			delete(s.store.jobs, id)
		}
	}
	s.store.Unlock()
}
