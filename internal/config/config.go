// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Sync coordinator settings.
	EventQueueSize     int
	StateHistorySize   int
	SyncInterval       time.Duration
	StalenessThreshold time.Duration
	ConflictDetection  bool
	ConflictStrategy   string // default resolution strategy name

	// Resource coordinator settings.
	TotalCPUCores   float64
	TotalMemoryMB   int64
	CPUReserve      float64
	MemoryReserveMB int64
	MonitorInterval time.Duration

	// Error coordinator settings.
	NotificationCooldown time.Duration
	ErrorHistoryLimit    int

	// Workflow coordinator settings.
	MaxConcurrentWorkflows int
	DefaultStepTimeout     time.Duration

	// Checkpoint settings.
	CheckpointPath string // sqlite file; empty disables checkpointing

	// Rate limiting for the management API.
	RateLimitPerSecond float64
	RateLimitBurst     int

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	var cfg Config
	var err error

	load := func(f func() error) {
		if err == nil {
			err = f()
		}
	}

	load(func() (e error) { cfg.Port, e = envInt("CHOUSEI_PORT", 8080); return })
	load(func() (e error) { cfg.ReadTimeout, e = envDuration("CHOUSEI_READ_TIMEOUT", 30*time.Second); return })
	load(func() (e error) { cfg.WriteTimeout, e = envDuration("CHOUSEI_WRITE_TIMEOUT", 30*time.Second); return })

	load(func() (e error) { cfg.EventQueueSize, e = envInt("CHOUSEI_EVENT_QUEUE_SIZE", 1000); return })
	load(func() (e error) { cfg.StateHistorySize, e = envInt("CHOUSEI_STATE_HISTORY_SIZE", 100); return })
	load(func() (e error) { cfg.SyncInterval, e = envDuration("CHOUSEI_SYNC_INTERVAL", 30*time.Second); return })
	load(func() (e error) {
		cfg.StalenessThreshold, e = envDuration("CHOUSEI_STALENESS_THRESHOLD", 10*time.Minute)
		return
	})
	load(func() (e error) { cfg.ConflictDetection, e = envBool("CHOUSEI_CONFLICT_DETECTION", true); return })
	cfg.ConflictStrategy = envStr("CHOUSEI_CONFLICT_STRATEGY", "timestamp_wins")

	load(func() (e error) { cfg.TotalCPUCores, e = envFloat("CHOUSEI_TOTAL_CPU_CORES", 8); return })
	load(func() (e error) {
		var n int
		n, e = envInt("CHOUSEI_TOTAL_MEMORY_MB", 16*1024)
		cfg.TotalMemoryMB = int64(n)
		return
	})
	load(func() (e error) { cfg.CPUReserve, e = envFloat("CHOUSEI_CPU_RESERVE", 1); return })
	load(func() (e error) {
		var n int
		n, e = envInt("CHOUSEI_MEMORY_RESERVE_MB", 1024)
		cfg.MemoryReserveMB = int64(n)
		return
	})
	load(func() (e error) { cfg.MonitorInterval, e = envDuration("CHOUSEI_MONITOR_INTERVAL", 30*time.Second); return })

	load(func() (e error) {
		cfg.NotificationCooldown, e = envDuration("CHOUSEI_NOTIFICATION_COOLDOWN", 5*time.Minute)
		return
	})
	load(func() (e error) { cfg.ErrorHistoryLimit, e = envInt("CHOUSEI_ERROR_HISTORY_LIMIT", 10000); return })

	load(func() (e error) { cfg.MaxConcurrentWorkflows, e = envInt("CHOUSEI_MAX_CONCURRENT_WORKFLOWS", 10); return })
	load(func() (e error) {
		cfg.DefaultStepTimeout, e = envDuration("CHOUSEI_DEFAULT_STEP_TIMEOUT", 5*time.Minute)
		return
	})

	cfg.CheckpointPath = envStr("CHOUSEI_CHECKPOINT_PATH", "")

	load(func() (e error) { cfg.RateLimitPerSecond, e = envFloat("CHOUSEI_RATE_LIMIT_PER_SECOND", 50); return })
	load(func() (e error) { cfg.RateLimitBurst, e = envInt("CHOUSEI_RATE_LIMIT_BURST", 100); return })

	cfg.OTELEndpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cfg.ServiceName = envStr("OTEL_SERVICE_NAME", "chousei")

	cfg.LogLevel = envStr("CHOUSEI_LOG_LEVEL", "info")
	load(func() (e error) {
		var n int
		n, e = envInt("CHOUSEI_MAX_REQUEST_BODY_BYTES", 1*1024*1024)
		cfg.MaxRequestBodyBytes = int64(n)
		return
	})

	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: CHOUSEI_PORT must be in 1..65535")
	}
	if c.EventQueueSize <= 0 {
		return fmt.Errorf("config: CHOUSEI_EVENT_QUEUE_SIZE must be positive")
	}
	if c.StateHistorySize <= 0 {
		return fmt.Errorf("config: CHOUSEI_STATE_HISTORY_SIZE must be positive")
	}
	if c.TotalCPUCores <= 0 {
		return fmt.Errorf("config: CHOUSEI_TOTAL_CPU_CORES must be positive")
	}
	if c.TotalMemoryMB <= 0 {
		return fmt.Errorf("config: CHOUSEI_TOTAL_MEMORY_MB must be positive")
	}
	if c.CPUReserve >= c.TotalCPUCores {
		return fmt.Errorf("config: CHOUSEI_CPU_RESERVE must be below CHOUSEI_TOTAL_CPU_CORES")
	}
	if c.MemoryReserveMB >= c.TotalMemoryMB {
		return fmt.Errorf("config: CHOUSEI_MEMORY_RESERVE_MB must be below CHOUSEI_TOTAL_MEMORY_MB")
	}
	if c.MaxConcurrentWorkflows <= 0 {
		return fmt.Errorf("config: CHOUSEI_MAX_CONCURRENT_WORKFLOWS must be positive")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: CHOUSEI_MAX_REQUEST_BODY_BYTES must be positive")
	}
	switch c.ConflictStrategy {
	case "timestamp_wins", "version_wins", "merge_strategy", "user_decides":
	default:
		return fmt.Errorf("config: CHOUSEI_CONFLICT_STRATEGY %q is not a known strategy", c.ConflictStrategy)
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
