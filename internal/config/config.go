package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	// DataDir is the Pebble database directory.
	DataDir string `json:"dataDir" yaml:"dataDir"`

	// Group is the consumer group shared by all worker loops.
	Group string `json:"group" yaml:"group"`

	// Workers is the number of consumer loops to run.
	Workers int `json:"workers" yaml:"workers"`

	// DequeueBatch is the max tasks claimed per dequeue call.
	DequeueBatch int `json:"dequeueBatch" yaml:"dequeueBatch"`

	// BlockTimeout bounds how long a dequeue call waits for work.
	BlockTimeout time.Duration `json:"blockTimeout" yaml:"blockTimeout"`

	// DefaultTaskTimeout is the claim timeout applied when an enqueue
	// request does not specify one.
	DefaultTaskTimeout time.Duration `json:"defaultTaskTimeout" yaml:"defaultTaskTimeout"`

	// DefaultMaxRetries is applied when an enqueue request does not specify one.
	DefaultMaxRetries int `json:"defaultMaxRetries" yaml:"defaultMaxRetries"`

	// RecoveryInterval is how often the recovery monitor sweeps for stale claims.
	RecoveryInterval time.Duration `json:"recoveryInterval" yaml:"recoveryInterval"`

	// RecoveryBatch is the max stale claims processed per sweep.
	RecoveryBatch int `json:"recoveryBatch" yaml:"recoveryBatch"`

	// SagaStepRetries is the default per-step retry budget for saga steps
	// without an explicit retry policy.
	SagaStepRetries int `json:"sagaStepRetries" yaml:"sagaStepRetries"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Group:              "workers",
		Workers:            4,
		DequeueBatch:       8,
		BlockTimeout:       5 * time.Second,
		DefaultTaskTimeout: 30 * time.Second,
		DefaultMaxRetries:  3,
		RecoveryInterval:   2 * time.Second,
		RecoveryBatch:      128,
		SagaStepRetries:    0,
	}
}

// Load reads configuration from a JSON or YAML file (by extension). If path
// is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse yaml config: %w", err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse json config: %w", err)
		}
	}
	return cfg, nil
}

// DefaultDataDir returns the OS-specific default data directory.
func DefaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "conveyor")
	}
	return ".conveyor"
}
