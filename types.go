package main

import (
	"strings"
	"time"
)

// Metadata holds track information extracted during the probe step.
type Metadata struct {
	Title    string  `json:"title"`
	Uploader string  `json:"uploader"`
	Duration float64 `json:"duration"`
	Ext      string  `json:"ext,omitempty"`
	Abr      int     `json:"abr,omitempty"`
}

// Request is the body of a POST /convert call.
type Request struct {
	URL     string `json:"url"`
	Tier    string `json:"tier,omitempty"`
	Quality string `json:"quality,omitempty"`
}

// Tier is the caller class used for admission control. Higher tiers have
// higher concurrency ceilings and may be drained ahead of lower tiers.
type Tier string

const (
	TierStandard   Tier = "standard"
	TierPremium    Tier = "premium"
	TierBusiness   Tier = "business"
	TierEnterprise Tier = "enterprise"
)

// ParseTier maps a request string to a known tier, defaulting to standard.
func ParseTier(s string) Tier {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierPremium:
		return TierPremium
	case TierBusiness:
		return TierBusiness
	case TierEnterprise:
		return TierEnterprise
	default:
		return TierStandard
	}
}

// HighPriority reports whether the tier is drained from the high-priority
// admission queue.
func (t Tier) HighPriority() bool {
	return t == TierBusiness || t == TierEnterprise
}

// Quality is the requested output bitrate.
type Quality string

const (
	Quality128 Quality = "128k"
	Quality192 Quality = "192k"
	Quality320 Quality = "320k"
)

// ParseQuality maps a request string to a known quality, defaulting to 192k.
func ParseQuality(s string) Quality {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "128", "128k", "low":
		return Quality128
	case "320", "320k", "high":
		return Quality320
	default:
		return Quality192
	}
}

// Bitrate returns the ffmpeg -b:a argument for the quality.
func (q Quality) Bitrate() string { return string(q) }

// JobStatus represents the current state of a conversion job.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// ConversionJob holds information about a single conversion request.
type ConversionJob struct {
	ID            string    `json:"id"`
	URL           string    `json:"url,omitempty"`
	NormalizedURL string    `json:"normalized_url,omitempty"`
	UploadPath    string    `json:"-"`
	CacheKey      string    `json:"cache_key,omitempty"`
	Tier          Tier      `json:"tier"`
	Quality       Quality   `json:"quality"`
	Status        JobStatus `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	CompletedAt   time.Time `json:"completed_at,omitempty"`
	FilePath      string    `json:"-"`
	DownloadURL   string    `json:"download_url,omitempty"`
	SizeBytes     int64     `json:"size_bytes,omitempty"`
	Cached        bool      `json:"cached"`
	Error         string    `json:"error,omitempty"`
	ErrorKind     string    `json:"error_kind,omitempty"`
	Metadata      *Metadata `json:"metadata,omitempty"`
	Retries       int       `json:"retries"`
	MaxRetries    int       `json:"max_retries"`
}

// ElapsedSeconds returns the wall-clock processing time for a finished job.
func (j *ConversionJob) ElapsedSeconds() float64 {
	if j.StartedAt.IsZero() || j.CompletedAt.IsZero() {
		return 0
	}
	return j.CompletedAt.Sub(j.StartedAt).Seconds()
}

// HealthStatus is the /health response payload.
type HealthStatus struct {
	Status        string `json:"status"`
	ActiveJobs    int64  `json:"active_jobs"`
	QueuedJobs    int64  `json:"queued_jobs"`
	CompletedJobs int64  `json:"completed_jobs"`
	FailedJobs    int64  `json:"failed_jobs"`
	Workers       int    `json:"workers"`
	Uptime        string `json:"uptime"`
}
