package config

import (
	"os"
	"strconv"
	"time"
)

// FromEnv overlays CONVEYOR_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("CONVEYOR_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CONVEYOR_GROUP"); v != "" {
		cfg.Group = v
	}
	if v := os.Getenv("CONVEYOR_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Workers = n
		}
	}
	if v := os.Getenv("CONVEYOR_DEQUEUE_BATCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DequeueBatch = n
		}
	}
	if v := os.Getenv("CONVEYOR_BLOCK_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.BlockTimeout = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("CONVEYOR_DEFAULT_TASK_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DefaultTaskTimeout = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("CONVEYOR_DEFAULT_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.DefaultMaxRetries = n
		}
	}
	if v := os.Getenv("CONVEYOR_RECOVERY_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RecoveryInterval = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("CONVEYOR_RECOVERY_BATCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RecoveryBatch = n
		}
	}
	if v := os.Getenv("CONVEYOR_SAGA_STEP_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.SagaStepRetries = n
		}
	}
}
