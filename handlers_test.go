package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

// newMultipart writes a single-file multipart body and returns its
// Content-Type.
func newMultipart(t *testing.T, buf *bytes.Buffer, filename string, data []byte) string {
	t.Helper()
	mw := multipart.NewWriter(buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.Copy(part, bytes.NewReader(data)); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return mw.FormDataContentType()
}

// newTestServer wires a server with temp directories and no Redis, so handler
// tests never touch the network or external tools.
func newTestServer(t *testing.T, mutate func(*Config)) *server {
	t.Helper()
	cfg := &Config{
		PublicURL:         "http://test.local",
		WorkerCount:       2,
		QueueCapacity:     8,
		MaxRetries:        0,
		FastPathWait:      100 * time.Millisecond,
		RequestsPerSecond: 1000,
		BurstSize:         1000,
		JobTTL:            time.Hour,
		TierLimits: map[Tier]int{
			TierStandard:   2,
			TierPremium:    4,
			TierBusiness:   6,
			TierEnterprise: 8,
		},
		ScratchDir:         t.TempDir(),
		CacheDir:           t.TempDir(),
		CacheMaxAge:        time.Hour,
		CacheSweepInterval: time.Hour,
		InactivityTimeout:  5 * time.Second,
		TotalTimeout:       30 * time.Second,
		MinOutputBytes:     8,
		ShortFormMaxSecs:   90,
		MaxUploadBytes:     1 << 20,
	}
	if mutate != nil {
		mutate(cfg)
	}

	cache, err := NewResultCache(cfg.CacheDir, cfg.CacheMaxAge, cfg.CacheSweepInterval)
	if err != nil {
		t.Fatal(err)
	}
	return &server{
		cfg:        cfg,
		store:      newJobStore(),
		redis:      &RedisStore{},
		cache:      cache,
		admission:  NewAdmissionController(cfg.TierLimits),
		extractor:  NewExtractor(cfg),
		pipe:       NewStreamPipe(cfg),
		transcoder: NewTranscoder(cfg),
		waiters:    newWaiterRegistry(),
		jobQueue:   make(chan *ConversionJob, cfg.QueueCapacity),
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.BurstSize),
		startTime:  time.Now(),
	}
}

func postConvert(t *testing.T, s *server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/convert", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	return rec
}

func TestConvertRejectsBadRequests(t *testing.T) {
	s := newTestServer(t, nil)

	cases := []struct {
		name string
		body string
	}{
		{"invalid json", "{not json"},
		{"missing url", `{}`},
		{"garbage reference", `{"url": "not a url at all"}`},
		{"non-http scheme", `{"url": "ftp://example.com/file"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postConvert(t, s, tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestConvertQueueFullReturns503(t *testing.T) {
	s := newTestServer(t, func(cfg *Config) { cfg.QueueCapacity = 0 })
	s.jobQueue = make(chan *ConversionJob)

	rec := postConvert(t, s, `{"url": "https://www.youtube.com/watch?v=abc12345678"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if s.store.Len() != 0 {
		t.Errorf("rejected job should be removed from the store")
	}
}

func TestConvertSlowJobReturns202WithStatusEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	// No workers are running, so the fast-path wait always expires.
	rec := postConvert(t, s, `{"url": "https://www.youtube.com/watch?v=abc12345678"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}

	var resp enqueueResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.JobID == "" || resp.Status != string(StatusPending) {
		t.Errorf("response = %+v", resp)
	}
	if !strings.HasPrefix(resp.StatusURL, "http://test.local/status/") {
		t.Errorf("StatusURL = %q", resp.StatusURL)
	}
}

func TestConvertDuplicateOfCompletedJobShortCircuits(t *testing.T) {
	s := newTestServer(t, nil)

	normalized := normalizeURL("https://www.youtube.com/watch?v=abc12345678")
	key := s.cache.Key(normalized, Quality192)
	seed := filepath.Join(s.cfg.ScratchDir, "seed.mp3")
	if err := os.WriteFile(seed, []byte("artifact"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.cache.Populate(key, seed); err != nil {
		t.Fatal(err)
	}
	s.store.Put(&ConversionJob{
		ID:          "done-1",
		CacheKey:    key,
		Status:      StatusCompleted,
		DownloadURL: "http://test.local/download/done-1.mp3",
	})

	// A different surface form of the same video must hit the same key.
	rec := postConvert(t, s, `{"url": "https://youtu.be/abc12345678"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp enqueueResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.JobID != "done-1" || !resp.Cached {
		t.Errorf("response = %+v, want the prior job", resp)
	}
	if s.queuedJobs.Load() != 0 {
		t.Errorf("duplicate must not enqueue work")
	}
}

func TestConvertDuplicateWithEvictedArtifactStartsFresh(t *testing.T) {
	s := newTestServer(t, nil)

	normalized := normalizeURL("https://www.youtube.com/watch?v=abc12345678")
	key := s.cache.Key(normalized, Quality192)
	// The job finished in a past lifetime; its artifact has since been
	// evicted, so its download link would point at nothing.
	s.store.Put(&ConversionJob{
		ID:          "stale-1",
		CacheKey:    key,
		Status:      StatusCompleted,
		FilePath:    filepath.Join(s.cfg.CacheDir, key+".mp3"),
		DownloadURL: "http://test.local/download/stale-1.mp3",
	})

	rec := postConvert(t, s, `{"url": "https://www.youtube.com/watch?v=abc12345678"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (fresh job) when the artifact is gone", rec.Code)
	}
	var resp enqueueResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.JobID == "stale-1" {
		t.Error("stale job reused despite missing artifact")
	}
}

func TestStatusForErrorKind(t *testing.T) {
	cases := []struct {
		kind ErrorKind
		want int
	}{
		{KindRateLimited, http.StatusTooManyRequests},
		{KindBotCheck, http.StatusTooManyRequests},
		{KindPrivate, http.StatusForbidden},
		{KindAgeRestricted, http.StatusForbidden},
		{KindRemoved, http.StatusNotFound},
		{KindUnavailable, http.StatusNotFound},
		{ErrorKind(""), http.StatusBadGateway},
	}
	for _, tc := range cases {
		if got := statusForErrorKind(string(tc.kind)); got != tc.want {
			t.Errorf("statusForErrorKind(%q) = %d, want %d", tc.kind, got, tc.want)
		}
	}
}

func TestStatusEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	s.store.Put(&ConversionJob{
		ID:     "job-1",
		Status: StatusProcessing,
		Tier:   TierStandard,
	})

	req := httptest.NewRequest(http.MethodGet, "/status/job-1", nil)
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"processing"`) {
		t.Errorf("body = %s", rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/status/nope", nil)
	rec = httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for unknown job", rec.Code)
	}
}

func TestDownloadServesCompletedJobFile(t *testing.T) {
	s := newTestServer(t, nil)

	path := s.cfg.ScratchDir + "/job-2.mp3"
	if err := os.WriteFile(path, []byte("mp3-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	s.store.Put(&ConversionJob{ID: "job-2", Status: StatusCompleted, FilePath: path})

	req := httptest.NewRequest(http.MethodGet, "/download/job-2.mp3", nil)
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "audio/mpeg" {
		t.Errorf("Content-Type = %q", got)
	}
	if rec.Body.String() != "mp3-bytes" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestDownloadServesCacheEntryDirectly(t *testing.T) {
	s := newTestServer(t, nil)

	src := s.cfg.ScratchDir + "/seed.mp3"
	if err := os.WriteFile(src, []byte("cached-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	key := s.cache.Key("https://www.youtube.com/watch?v=abc12345678", Quality192)
	if _, err := s.cache.Populate(key, src); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/download/"+key+".mp3", nil)
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "cached-bytes" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestDownloadUnknownFile(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/download/missing.mp3", nil)
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestDeleteRemovesJob(t *testing.T) {
	s := newTestServer(t, nil)
	s.store.Put(&ConversionJob{ID: "job-3", Status: StatusCompleted})

	req := httptest.NewRequest(http.MethodDelete, "/delete/job-3", nil)
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if _, ok := s.store.Get("job-3"); ok {
		t.Errorf("job should be gone")
	}
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var health HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "healthy" || health.Workers != 2 {
		t.Errorf("health = %+v", health)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	s := newTestServer(t, func(cfg *Config) {
		cfg.RequestsPerSecond = 1
		cfg.BurstSize = 1
	})
	s.limiter = rate.NewLimiter(1, 1)

	router := s.routes()
	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/health", nil))
	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/health", nil))

	if first.Code != http.StatusOK {
		t.Fatalf("first request status = %d", first.Code)
	}
	if second.Code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", second.Code)
	}
}

func TestUploadCreatesJob(t *testing.T) {
	s := newTestServer(t, nil)

	var buf bytes.Buffer
	mw := newMultipart(t, &buf, "track.wav", []byte("riff-data"))

	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", mw)
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 without workers running", rec.Code)
	}

	var resp enqueueResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	job, ok := s.store.Get(resp.JobID)
	if !ok {
		t.Fatal("job not in store")
	}
	if job.UploadPath == "" {
		t.Error("UploadPath not set")
	}
	if _, err := os.Stat(job.UploadPath); err != nil {
		t.Errorf("upload not persisted: %v", err)
	}
	if job.Metadata == nil || job.Metadata.Title != "track" {
		t.Errorf("metadata = %+v", job.Metadata)
	}
}

// TestConvertEndToEndWithFakeTools drives a request through the worker,
// streaming pipe, cache and fast-path response using shell-script tool
// stand-ins.
func TestConvertEndToEndWithFakeTools(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell-script tool stand-ins require a POSIX shell")
	}
	tools := t.TempDir()
	s := newTestServer(t, func(cfg *Config) {
		cfg.DisableProbe = true
		cfg.FastPathWait = 5 * time.Second
	})
	s.cfg.YtdlpPath = writeScript(t, tools, "source", `head -c 32768 /dev/zero`)
	s.cfg.FFmpegPath = writeScript(t, tools, "encoder", encoderScript)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.startWorkers(ctx)

	rec := postConvert(t, s, `{"url": "https://www.youtube.com/watch?v=abc12345678", "tier": "premium"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp enqueueResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != string(StatusCompleted) {
		t.Fatalf("response = %+v", resp)
	}

	job, ok := s.store.Get(resp.JobID)
	if !ok {
		t.Fatal("job not in store")
	}
	if _, _, ok := s.cache.Lookup(job.CacheKey); !ok {
		t.Error("completed conversion should be in the result cache")
	}

	// Same URL again answers from the finished job without new work.
	again := postConvert(t, s, `{"url": "https://youtu.be/abc12345678", "tier": "premium"}`)
	if again.Code != http.StatusOK {
		t.Fatalf("duplicate status = %d", again.Code)
	}
	var dup enqueueResponse
	if err := json.Unmarshal(again.Body.Bytes(), &dup); err != nil {
		t.Fatal(err)
	}
	if dup.JobID != resp.JobID || !dup.Cached {
		t.Errorf("duplicate = %+v, want prior job %s", dup, resp.JobID)
	}
}
