package main

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration, loaded from the environment.
type Config struct {
	ListenAddr string
	PublicURL  string

	// Worker pool
	WorkerCount   int
	QueueCapacity int
	MaxRetries    int
	FastPathWait  time.Duration

	// Rate limiting
	RequestsPerSecond float64
	BurstSize         int

	// Redis job persistence
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	JobTTL        time.Duration

	// Admission control: per-tier concurrency ceilings.
	TierLimits map[Tier]int

	// Filesystem layout
	ScratchDir string
	CacheDir   string

	// Result cache eviction
	CacheMaxAge        time.Duration
	CacheSweepInterval time.Duration

	// Subprocess policy
	YtdlpPath         string
	FFmpegPath        string
	ExtractTimeout    time.Duration
	ProbeTimeout      time.Duration
	InactivityTimeout time.Duration
	TotalTimeout      time.Duration
	MinOutputBytes    int64

	// Extraction strategy
	PersonaOrder     []string
	ForcedPersona    string
	ShortFormPersona string
	ShortFormMaxSecs float64
	DisableProbe     bool
	DisablePipe      bool

	// Proxy routing
	ProxyURL       string
	ProxySkipHosts []string

	// Uploads
	MaxUploadBytes int64
}

// Load builds the configuration from environment variables with defaults
// suitable for local development.
func Load() *Config {
	return &Config{
		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),
		PublicURL:  strings.TrimRight(getEnv("PUBLIC_URL", "http://localhost:8080"), "/"),

		WorkerCount:   getEnvInt("WORKER_COUNT", 8),
		QueueCapacity: getEnvInt("QUEUE_CAPACITY", 256),
		MaxRetries:    getEnvInt("MAX_RETRIES", 2),
		FastPathWait:  getEnvDuration("FAST_PATH_WAIT", 8*time.Second),

		RequestsPerSecond: float64(getEnvInt("REQUESTS_PER_SECOND", 50)),
		BurstSize:         getEnvInt("BURST_SIZE", 100),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		JobTTL:        getEnvDuration("JOB_TTL", 24*time.Hour),

		TierLimits: map[Tier]int{
			TierStandard:   getEnvInt("TIER_LIMIT_STANDARD", 2),
			TierPremium:    getEnvInt("TIER_LIMIT_PREMIUM", 4),
			TierBusiness:   getEnvInt("TIER_LIMIT_BUSINESS", 6),
			TierEnterprise: getEnvInt("TIER_LIMIT_ENTERPRISE", 8),
		},

		ScratchDir: getEnv("SCRATCH_DIR", "scratch"),
		CacheDir:   getEnv("CACHE_DIR", "cache"),

		CacheMaxAge:        getEnvDuration("CACHE_MAX_AGE", 24*time.Hour),
		CacheSweepInterval: getEnvDuration("CACHE_SWEEP_INTERVAL", time.Hour),

		YtdlpPath:         getEnv("YTDLP_PATH", "yt-dlp"),
		FFmpegPath:        getEnv("FFMPEG_PATH", "ffmpeg"),
		ExtractTimeout:    getEnvDuration("EXTRACT_TIMEOUT", 3*time.Minute),
		ProbeTimeout:      getEnvDuration("PROBE_TIMEOUT", 20*time.Second),
		InactivityTimeout: getEnvDuration("PIPE_INACTIVITY_TIMEOUT", 60*time.Second),
		TotalTimeout:      getEnvDuration("PIPE_TOTAL_TIMEOUT", 10*time.Minute),
		MinOutputBytes:    getEnvInt64("MIN_OUTPUT_BYTES", 4096),

		PersonaOrder:     getEnvList("PERSONA_ORDER", nil),
		ForcedPersona:    getEnv("FORCED_PERSONA", ""),
		ShortFormPersona: getEnv("SHORT_FORM_PERSONA", "android"),
		ShortFormMaxSecs: float64(getEnvInt("SHORT_FORM_MAX_SECONDS", 90)),
		DisableProbe:     getEnvBool("DISABLE_PROBE", false),
		DisablePipe:      getEnvBool("DISABLE_PIPE", false),

		ProxyURL:       getEnv("PROXY_URL", ""),
		ProxySkipHosts: getEnvList("PROXY_SKIP_HOSTS", nil),

		MaxUploadBytes: getEnvInt64("MAX_UPLOAD_BYTES", 256<<20),
	}
}

// TierLimit returns the concurrency ceiling for a tier, falling back to the
// standard ceiling for unknown tiers.
func (c *Config) TierLimit(t Tier) int {
	if limit, ok := c.TierLimits[t]; ok {
		return limit
	}
	return c.TierLimits[TierStandard]
}

// ProxyFor returns the proxy endpoint to use for the given host, or an empty
// string when the host is on the skip-list or no proxy is configured.
func (c *Config) ProxyFor(host string) string {
	if c.ProxyURL == "" {
		return ""
	}
	host = strings.ToLower(host)
	for _, skip := range c.ProxySkipHosts {
		skip = strings.ToLower(strings.TrimSpace(skip))
		if skip == "" {
			continue
		}
		if host == skip || strings.HasSuffix(host, "."+skip) {
			return ""
		}
	}
	return c.ProxyURL
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
