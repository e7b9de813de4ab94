package main

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// jobStore is the in-memory registry of jobs by ID. Redis, when available,
// mirrors it for persistence across restarts.
//
// Workers keep mutating their own job structs while handlers poll /status, so
// the store holds snapshots: Put copies in, Get copies out, and no caller ever
// shares a struct with another goroutine.
type jobStore struct {
	sync.RWMutex
	jobs map[string]*ConversionJob
}

func newJobStore() *jobStore {
	return &jobStore{jobs: make(map[string]*ConversionJob)}
}

func (s *jobStore) Put(job *ConversionJob) {
	snapshot := *job
	s.Lock()
	s.jobs[job.ID] = &snapshot
	s.Unlock()
}

func (s *jobStore) Get(id string) (*ConversionJob, bool) {
	s.RLock()
	job, ok := s.jobs[id]
	s.RUnlock()
	if !ok {
		return nil, false
	}
	copied := *job
	return &copied, true
}

func (s *jobStore) Delete(id string) {
	s.Lock()
	delete(s.jobs, id)
	s.Unlock()
}

func (s *jobStore) Len() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.jobs)
}

// FindCompletedByKey returns a finished job sharing the cache key, used to
// short-circuit duplicate requests before they reach the queue.
func (s *jobStore) FindCompletedByKey(key string) *ConversionJob {
	s.RLock()
	defer s.RUnlock()
	for _, job := range s.jobs {
		if job.CacheKey == key && job.Status == StatusCompleted {
			copied := *job
			return &copied
		}
	}
	return nil
}

// server ties every component together. All dependencies are injected here so
// handlers and workers never reach for package globals.
type server struct {
	cfg        *Config
	store      *jobStore
	redis      *RedisStore
	cache      *ResultCache
	admission  *AdmissionController
	extractor  *Extractor
	pipe       *StreamPipe
	transcoder *Transcoder
	waiters    *waiterRegistry
	jobQueue   chan *ConversionJob
	limiter    *rate.Limiter
	startTime  time.Time

	activeJobs    atomic.Int64
	queuedJobs    atomic.Int64
	completedJobs atomic.Int64
	failedJobs    atomic.Int64
	totalProcSecs atomic.Int64
}

func newServer(cfg *Config) (*server, error) {
	if err := os.MkdirAll(cfg.ScratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch directory: %w", err)
	}
	cache, err := NewResultCache(cfg.CacheDir, cfg.CacheMaxAge, cfg.CacheSweepInterval)
	if err != nil {
		return nil, err
	}

	return &server{
		cfg:        cfg,
		store:      newJobStore(),
		redis:      NewRedisStore(cfg),
		cache:      cache,
		admission:  NewAdmissionController(cfg.TierLimits),
		extractor:  NewExtractor(cfg),
		pipe:       NewStreamPipe(cfg),
		transcoder: NewTranscoder(cfg),
		waiters:    newWaiterRegistry(),
		jobQueue:   make(chan *ConversionJob, cfg.QueueCapacity),
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.BurstSize),
		startTime:  time.Now(),
	}, nil
}

// downloadURL builds the public download link for a finished job.
func (s *server) downloadURL(jobID string) string {
	return fmt.Sprintf("%s/download/%s.mp3", s.cfg.PublicURL, jobID)
}

func (s *server) statusURL(jobID string) string {
	return fmt.Sprintf("%s/status/%s", s.cfg.PublicURL, jobID)
}
