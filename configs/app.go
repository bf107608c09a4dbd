package configs

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "KBQ_"

type AppConfigs struct {
	MaxItemsPerQueue         int   // Upper bound for sitemap URLs or PDF pages in a single queue
	MaxItemDataSizeBytes     int   // Maximum size of a single PDF page text
	MaxDeliveryAttempts      int   // How many times the server hands out the same item before marking it failed
	MaxProcessingTimeMs      int64 // Maximum time an item may stay claimed before it is considered stale
	CompletedQueueTtlMs      int64 // How long a completed queue stays visible before it is archived automatically
	PageFetchTimeoutMs       int64 // Timeout for fetching a sitemap or a page during processing
	MetricsEnabled           bool
	JobsIntervals            JobsIntervals
	ServerConfig             ServerConfig    // Configuration for the server, including timeouts
	SchedulerConfig          SchedulerConfig // Configuration for the client-side batch scheduler
	ClientConfig             ClientConfig    // Configuration for the client of the queue server
	ProgressPollIntervalMs   int64           // Interval of the UI progress poller, independent of the scheduler
	MaintenanceMaxDurationMs int64           // Upper bound for a single maintenance run
}

type JobsIntervals struct {
	StaleItemsRecoveryMs    int64 // Interval for recovering items stuck in processing
	ExpiredQueuesArchivalMs int64 // Interval for archiving completed queues past their TTL
	QueuesDepthMetricsMs    int64 // Interval for refreshing the queue depth gauges
	DbOptimizationMs        int64 // Interval for running PRAGMA optimize
}

type ServerConfig struct {
	Addr     string
	Timeouts ServerTimeouts
}

type ServerTimeouts struct {
	Handle     time.Duration
	Write      time.Duration
	Read       time.Duration
	ReadHeader time.Duration
	Idle       time.Duration
}

type SchedulerConfig struct {
	BatchSize          int   // Number of concurrent "next item" requests per round
	BatchPauseMs       int64 // Pause after a full batch before fetching the next one
	FetchRetryDelayMs  int64 // Delay before retrying a batch in which every fetch failed
	MaxFetchRetries    int   // Consecutive failed fetch batches before falling through to verification
	VerifyRetryDelayMs int64 // Delay between verifications when the server reports work but hands none out
	MaxEmptyRounds     int   // Consecutive "work remains, nothing to fetch" verifications before giving up
}

type ClientConfig struct {
	BaseURL           string
	VerifyTimeoutMs   int64   // Status calls used for verification are expected to fail fast
	RequestsPerSecond float64 // Client-side request rate limit, 0 disables it
	Burst             int
}

func NewAppConfig() *AppConfigs {
	handleTimeoutMs := 120 * 1000

	return &AppConfigs{
		MaxItemsPerQueue:     5000,
		MaxItemDataSizeBytes: 256 * 1024,          // 256 KB
		MaxDeliveryAttempts:  3,                   // the server retries a failing item twice
		MaxProcessingTimeMs:  5 * 60 * 1000,       // 5 minutes
		CompletedQueueTtlMs:  24 * 60 * 60 * 1000, // 1 day
		PageFetchTimeoutMs:   30 * 1000,           // 30 seconds
		MetricsEnabled:       true,
		JobsIntervals: JobsIntervals{
			StaleItemsRecoveryMs:    1 * 60 * 1000,  // 1 minute
			ExpiredQueuesArchivalMs: 10 * 60 * 1000, // 10 minutes
			QueuesDepthMetricsMs:    15 * 1000,      // 15 seconds
			DbOptimizationMs:        60 * 60 * 1000, // 1 hour
		},
		ServerConfig: ServerConfig{
			Addr: "localhost:8080",
			Timeouts: ServerTimeouts{
				Handle:     time.Duration(handleTimeoutMs) * time.Millisecond, // 2m - processing a page may be slow
				Write:      time.Duration(handleTimeoutMs+5000) * time.Millisecond,
				Read:       15 * time.Second,
				ReadHeader: 10 * time.Second,
				Idle:       5 * time.Minute,
			},
		},
		SchedulerConfig: SchedulerConfig{
			BatchSize:          5,
			BatchPauseMs:       500,
			FetchRetryDelayMs:  2 * 1000,
			MaxFetchRetries:    10,
			VerifyRetryDelayMs: 3 * 1000,
			MaxEmptyRounds:     5,
		},
		ClientConfig: ClientConfig{
			BaseURL:           "http://localhost:8080",
			VerifyTimeoutMs:   10 * 1000,
			RequestsPerSecond: 0,
			Burst:             10,
		},
		ProgressPollIntervalMs:   2 * 1000,
		MaintenanceMaxDurationMs: 30 * 1000,
	}
}

// Load returns the defaults overridden by KBQ_* environment variables, e.g.
// KBQ_SERVER_ADDR, KBQ_CLIENT_BASE_URL, KBQ_SCHEDULER_BATCH_SIZE, KBQ_METRICS_ENABLED.
func Load() (*AppConfigs, error) {
	k := koanf.New(".")
	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := NewAppConfig()
	applyOverrides(k, cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyOverrides(k *koanf.Koanf, cfg *AppConfigs) {
	if k.Exists("server_addr") {
		cfg.ServerConfig.Addr = k.String("server_addr")
	}
	if k.Exists("client_base_url") {
		cfg.ClientConfig.BaseURL = k.String("client_base_url")
	}
	if k.Exists("client_verify_timeout_ms") {
		cfg.ClientConfig.VerifyTimeoutMs = k.Int64("client_verify_timeout_ms")
	}
	if k.Exists("client_requests_per_second") {
		cfg.ClientConfig.RequestsPerSecond = k.Float64("client_requests_per_second")
	}
	if k.Exists("scheduler_batch_size") {
		cfg.SchedulerConfig.BatchSize = k.Int("scheduler_batch_size")
	}
	if k.Exists("scheduler_batch_pause_ms") {
		cfg.SchedulerConfig.BatchPauseMs = k.Int64("scheduler_batch_pause_ms")
	}
	if k.Exists("max_delivery_attempts") {
		cfg.MaxDeliveryAttempts = k.Int("max_delivery_attempts")
	}
	if k.Exists("max_processing_time_ms") {
		cfg.MaxProcessingTimeMs = k.Int64("max_processing_time_ms")
	}
	if k.Exists("metrics_enabled") {
		cfg.MetricsEnabled = k.Bool("metrics_enabled")
	}
	if k.Exists("progress_poll_interval_ms") {
		cfg.ProgressPollIntervalMs = k.Int64("progress_poll_interval_ms")
	}
}

func (ac *AppConfigs) Validate() error {
	if ac.SchedulerConfig.BatchSize <= 0 {
		return fmt.Errorf("scheduler batch size must be positive, got %d", ac.SchedulerConfig.BatchSize)
	}
	if ac.MaxDeliveryAttempts <= 0 {
		return fmt.Errorf("max delivery attempts must be positive, got %d", ac.MaxDeliveryAttempts)
	}
	if ac.SchedulerConfig.BatchPauseMs < 0 {
		return fmt.Errorf("scheduler batch pause must not be negative, got %dms", ac.SchedulerConfig.BatchPauseMs)
	}
	if ac.ClientConfig.VerifyTimeoutMs < 0 {
		return fmt.Errorf("client verify timeout must not be negative, got %dms", ac.ClientConfig.VerifyTimeoutMs)
	}
	if ac.ProgressPollIntervalMs <= 0 {
		return fmt.Errorf("progress poll interval must be positive, got %dms", ac.ProgressPollIntervalMs)
	}
	if ac.ClientConfig.RequestsPerSecond < 0 {
		return fmt.Errorf("client requests per second must not be negative, got %f", ac.ClientConfig.RequestsPerSecond)
	}
	return nil
}
