// Package config centralizes the worker's environment-driven configuration.
// Every knob is a typed field with a default; unknown or malformed required
// values fail at startup rather than mid-job.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// CapacityMode describes the execution platform the worker runs on.
type CapacityMode string

const (
	CapacityOnDemand    CapacityMode = "on_demand"
	CapacityPreemptible CapacityMode = "spot"
	CapacityUnknown     CapacityMode = "unknown"
)

type Config struct {
	// Logging.
	LogLevel  string
	LogFormat string

	// HTTP surface.
	HTTPAddr string

	// Concurrency.
	MaxConcurrentJobs int
	GreedyPerJob      bool
	DiskConcurrency   int
	IOConcurrency     int
	HTTPConcurrency   int
	DBMaxInflight     int
	YtdlpConnections  int
	FfmpegThreads     int

	// Transfer tuning.
	S3UploadPartSizeMB    int
	S3UploadQueueSize     int
	S3DownloadPartSizeMB  int
	S3DownloadConcurrency int

	// Retry.
	RetryAttempts              int
	RetryBaseDelay             time.Duration
	UpdateValidateRetries      int
	UpdateValidateBaseDelay    time.Duration
	CatalogConnectTimeout      time.Duration
	CatalogMaxConnections      int

	// Queue.
	QueueURL                 string
	PollingInterval          time.Duration
	VisibilityExtendInterval time.Duration
	VisibilityExtendDelta    time.Duration
	SpotRequeueVisibility    time.Duration
	ShutdownGrace            time.Duration

	// Capacity.
	Capacity CapacityMode

	// Integrations.
	AWSRegion        string
	ArtifactBucket   string
	KeyPrefix        string
	DatabaseDSN      string
	RedisAddr        string
	MetricsNamespace string
	MetricsDisabled  bool

	// Downloader.
	DownloadsDir         string
	CookiesPath          string
	PluginDir            string
	ExtractorHelperURL   string
	PreferredAudioFormat string
	MaxVideoHeight       int

	// Enrichment.
	AnthropicAPIKey    string
	AnthropicModel     string
	EnrichmentDisabled bool
}

// FromEnv builds a Config from the process environment, applying defaults for
// anything unset.
func FromEnv() Config {
	return Config{
		LogLevel:  envString("LOG_LEVEL", "info"),
		LogFormat: envString("LOG_FORMAT", "json"),

		HTTPAddr: envString("HTTP_ADDR", ":8080"),

		MaxConcurrentJobs: envInt("MAX_CONCURRENT_JOBS", 2),
		GreedyPerJob:      envBool("GREEDY_PER_JOB", true),
		DiskConcurrency:   envInt("DISK_CONCURRENCY", 0),
		IOConcurrency:     envInt("S3_UPLOAD_CONCURRENCY", 0),
		HTTPConcurrency:   envInt("HTTP_CONCURRENCY", 0),
		DBMaxInflight:     envInt("DB_MAX_INFLIGHT", 0),
		YtdlpConnections:  envInt("YTDLP_CONNECTIONS", 0),
		FfmpegThreads:     envInt("FFMPEG_THREADS", 0),

		S3UploadPartSizeMB:    envInt("S3_UPLOAD_PART_SIZE_MB", 32),
		S3UploadQueueSize:     envInt("S3_UPLOAD_QUEUE_SIZE", 16),
		S3DownloadPartSizeMB:  envInt("S3_DOWNLOAD_PART_SIZE_MB", 32),
		S3DownloadConcurrency: envInt("S3_DOWNLOAD_CONCURRENCY", 0),

		RetryAttempts:           envInt("RETRY_ATTEMPTS", 3),
		RetryBaseDelay:          envMillis("RETRY_BASE_DELAY_MS", 500*time.Millisecond),
		UpdateValidateRetries:   envInt("RDS_UPDATE_VALIDATE_RETRIES", 3),
		UpdateValidateBaseDelay: envMillis("RDS_UPDATE_VALIDATE_BASE_DELAY_MS", 200*time.Millisecond),
		CatalogConnectTimeout:   envMillis("RDS_CONNECTION_TIMEOUT", 2*time.Second),
		CatalogMaxConnections:   envInt("RDS_MAX_CONNECTIONS", 0),

		QueueURL:                 envString("SQS_QUEUE_URL", ""),
		PollingInterval:          envMillis("POLLING_INTERVAL_MS", 5*time.Second),
		VisibilityExtendInterval: envSeconds("VISIBILITY_EXTEND_INTERVAL_S", 120*time.Second),
		VisibilityExtendDelta:    envSeconds("VISIBILITY_EXTEND_DELTA_S", 900*time.Second),
		SpotRequeueVisibility:    envSeconds("SPOT_REQUEUE_VISIBILITY_SECONDS", 5*time.Second),
		ShutdownGrace:            envMillis("SHUTDOWN_GRACE_MS", 30*time.Second),

		Capacity: parseCapacity(os.Getenv("FARGATE_CAPACITY")),

		AWSRegion:        envString("AWS_REGION", ""),
		ArtifactBucket:   envString("S3_ARTIFACT_BUCKET", ""),
		KeyPrefix:        strings.Trim(envString("S3_KEY_PREFIX", ""), "/"),
		DatabaseDSN:      envString("DATABASE_URL", ""),
		RedisAddr:        envString("REDIS_ADDR", ""),
		MetricsNamespace: envString("METRICS_NAMESPACE", "VodcastWorker"),
		MetricsDisabled:  envBool("METRICS_DISABLED", false),

		DownloadsDir:         envString("DOWNLOADS_DIR", "downloads"),
		CookiesPath:          envString("YTDLP_COOKIES", ""),
		PluginDir:            envString("YTDLP_PLUGIN_DIR", ""),
		ExtractorHelperURL:   envString("EXTRACTOR_HELPER_URL", ""),
		PreferredAudioFormat: envString("PREFERRED_AUDIO_FORMAT", "mp3"),
		MaxVideoHeight:       envInt("MAX_VIDEO_HEIGHT", 1080),

		AnthropicAPIKey:    envString("ANTHROPIC_API_KEY", ""),
		AnthropicModel:     envString("ANTHROPIC_MODEL", "claude-3-5-haiku-latest"),
		EnrichmentDisabled: envBool("ENRICHMENT_DISABLED", false),
	}
}

// Validate checks the fields the worker cannot run without.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ArtifactBucket) == "" {
		return fmt.Errorf("S3_ARTIFACT_BUCKET is required")
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.MaxConcurrentJobs < 1 {
		return fmt.Errorf("MAX_CONCURRENT_JOBS must be at least 1")
	}
	if c.MaxVideoHeight != 720 && c.MaxVideoHeight != 1080 {
		return fmt.Errorf("MAX_VIDEO_HEIGHT must be 720 or 1080, got %d", c.MaxVideoHeight)
	}
	return nil
}

func parseCapacity(raw string) CapacityMode {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "on_demand", "on-demand", "ondemand":
		return CapacityOnDemand
	case "spot", "preemptible":
		return CapacityPreemptible
	default:
		return CapacityUnknown
	}
}

func envString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func envBool(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}

func envMillis(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return time.Duration(value) * time.Millisecond
}

func envSeconds(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return time.Duration(value) * time.Second
}
