package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load loads configuration from an optional YAML file and DUET_* environment variables.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		}
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromFile loads configuration from a YAML file.
func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// loadFromEnv loads configuration from environment variables.
func loadFromEnv(cfg *Config) error {
	if v := os.Getenv("DUET_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("DUET_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("DUET_PATTERNS_FILE"); v != "" {
		cfg.Classifier.PatternsFile = v
	}
	if v := os.Getenv("DUET_DATABASE"); v != "" {
		cfg.Actions.Database = v
	}
	if v := os.Getenv("DUET_NATS_URL"); v != "" {
		cfg.Notify.URL = v
	}
	if v := os.Getenv("DUET_METRICS_LISTEN"); v != "" {
		cfg.Metrics.Listen = v
	}
	if v := os.Getenv("DUET_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DUET_WORKERS: %w", err)
		}
		cfg.Tasks.Workers = n
	}
	if v := os.Getenv("DUET_TASK_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("DUET_TASK_TIMEOUT: %w", err)
		}
		cfg.Tasks.DefaultTimeout = d
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Tasks.Workers < 1 {
		return ErrInvalidWorkers
	}
	if c.Tasks.PollInterval <= 0 || c.Tasks.DefaultTimeout <= 0 {
		return ErrInvalidInterval
	}
	if c.Tools.Timeout <= 0 || c.Tools.SyncTimeout <= 0 || c.Classifier.Timeout <= 0 {
		return ErrInvalidInterval
	}
	if c.Conversation.HistoryTurns < 1 {
		return ErrInvalidHistory
	}
	if c.Classifier.Watch && c.Classifier.PatternsFile == "" && c.Classifier.PatternsGlob == "" {
		return ErrWatchWithoutPatterns
	}
	return nil
}

// Error types for configuration validation.
type ConfigError string

func (e ConfigError) Error() string {
	return string(e)
}

const (
	ErrInvalidWorkers       ConfigError = "tasks.workers must be at least 1"
	ErrInvalidInterval      ConfigError = "timeouts and poll interval must be positive"
	ErrInvalidHistory       ConfigError = "conversation.history_turns must be at least 1"
	ErrWatchWithoutPatterns ConfigError = "classifier.watch requires patterns_file or patterns_glob"
)
