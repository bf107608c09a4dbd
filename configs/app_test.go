package configs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAppConfig_Defaults(t *testing.T) {
	cfg := NewAppConfig()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5, cfg.SchedulerConfig.BatchSize)
	assert.Equal(t, 3, cfg.MaxDeliveryAttempts)
	assert.Equal(t, "localhost:8080", cfg.ServerConfig.Addr)
	assert.Greater(t, cfg.ServerConfig.Timeouts.Write, cfg.ServerConfig.Timeouts.Handle)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("KBQ_SERVER_ADDR", "0.0.0.0:9090")
	t.Setenv("KBQ_CLIENT_BASE_URL", "http://kbq.internal:9090")
	t.Setenv("KBQ_SCHEDULER_BATCH_SIZE", "8")
	t.Setenv("KBQ_SCHEDULER_BATCH_PAUSE_MS", "0")
	t.Setenv("KBQ_METRICS_ENABLED", "false")
	t.Setenv("KBQ_CLIENT_REQUESTS_PER_SECOND", "2.5")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9090", cfg.ServerConfig.Addr)
	assert.Equal(t, "http://kbq.internal:9090", cfg.ClientConfig.BaseURL)
	assert.Equal(t, 8, cfg.SchedulerConfig.BatchSize)
	assert.Equal(t, int64(0), cfg.SchedulerConfig.BatchPauseMs)
	assert.False(t, cfg.MetricsEnabled)
	assert.Equal(t, 2.5, cfg.ClientConfig.RequestsPerSecond)
	// untouched values keep their defaults
	assert.Equal(t, 3, cfg.MaxDeliveryAttempts)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		env    string
		value  string
		errMsg string
	}{
		{"KBQ_SCHEDULER_BATCH_SIZE", "0", "batch size"},
		{"KBQ_PROGRESS_POLL_INTERVAL_MS", "0", "poll interval"},
		{"KBQ_PROGRESS_POLL_INTERVAL_MS", "-250", "poll interval"},
		{"KBQ_SCHEDULER_BATCH_PAUSE_MS", "-1", "batch pause"},
		{"KBQ_CLIENT_VERIFY_TIMEOUT_MS", "-1", "verify timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.env+"="+tt.value, func(t *testing.T) {
			t.Setenv(tt.env, tt.value)

			_, err := Load()

			assert.ErrorContains(t, err, tt.errMsg)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *AppConfigs)
		errMsg string
	}{
		{"negative batch size", func(cfg *AppConfigs) { cfg.SchedulerConfig.BatchSize = -1 }, "batch size"},
		{"no delivery attempts", func(cfg *AppConfigs) { cfg.MaxDeliveryAttempts = 0 }, "delivery attempts"},
		{"negative rate", func(cfg *AppConfigs) { cfg.ClientConfig.RequestsPerSecond = -1 }, "requests per second"},
		{"zero poll interval", func(cfg *AppConfigs) { cfg.ProgressPollIntervalMs = 0 }, "poll interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewAppConfig()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.errMsg)
		})
	}
}
