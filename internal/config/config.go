package config

import "time"

// Config represents the coordinator configuration.
type Config struct {
	Logging      LoggingConfig      `yaml:"logging"`
	Classifier   ClassifierConfig   `yaml:"classifier"`
	Actions      ActionsConfig      `yaml:"actions"`
	Tasks        TasksConfig        `yaml:"tasks"`
	Tools        ToolsConfig        `yaml:"tools"`
	Conversation ConversationConfig `yaml:"conversation"`
	Notify       NotifyConfig       `yaml:"notify"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
	Dir    string `yaml:"dir"`    // when set, logs go to <dir>/duet.log
}

// ClassifierConfig holds intent classification settings.
type ClassifierConfig struct {
	// PatternsFile is a YAML rule table. Empty means the built-in table.
	PatternsFile string `yaml:"patterns_file"`
	// PatternsGlob merges every matching file, in lexical order.
	PatternsGlob string        `yaml:"patterns_glob"`
	Watch        bool          `yaml:"watch"`
	Debounce     time.Duration `yaml:"debounce"`
	Timeout      time.Duration `yaml:"timeout"`
}

// ActionsConfig holds action store settings.
type ActionsConfig struct {
	MaxActions int           `yaml:"max_actions"`
	Retention  time.Duration `yaml:"retention"`
	// Database is a SQLite DSN. Empty keeps actions in memory only.
	Database string `yaml:"database"`
}

// TasksConfig holds processing loop settings.
type TasksConfig struct {
	Workers         int           `yaml:"workers"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	DefaultTimeout  time.Duration `yaml:"default_timeout"`
	CleanupAge      time.Duration `yaml:"cleanup_age"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// ToolsConfig holds tool execution settings.
type ToolsConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	SyncTimeout time.Duration `yaml:"sync_timeout"`
	// BreakerThreshold consecutive failures take a tool offline for
	// BreakerReset. Zero disables the breakers.
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerReset     time.Duration `yaml:"breaker_reset"`
}

// ConversationConfig holds context aggregator settings.
type ConversationConfig struct {
	HistoryTurns int           `yaml:"history_turns"`
	CacheSize    int           `yaml:"cache_size"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"` // threads with no turn for this long are dropped
}

// NotifyConfig holds NATS notifier settings.
type NotifyConfig struct {
	URL           string `yaml:"url"` // empty disables publishing
	SubjectPrefix string `yaml:"subject_prefix"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
	Listen    string `yaml:"listen"` // e.g. ":9090"; empty disables the endpoint
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Classifier: ClassifierConfig{
			Debounce: DefaultReloadDebounce,
			Timeout:  DefaultClassifyTimeout,
		},
		Actions: ActionsConfig{
			MaxActions: DefaultMaxActions,
			Retention:  DefaultActionRetention,
		},
		Tasks: TasksConfig{
			Workers:         DefaultWorkers,
			PollInterval:    DefaultPollInterval,
			DefaultTimeout:  DefaultTaskTimeout,
			CleanupAge:      DefaultTaskCleanupAge,
			CleanupInterval: DefaultCleanupInterval,
		},
		Tools: ToolsConfig{
			Timeout:          DefaultToolTimeout,
			SyncTimeout:      DefaultSyncTimeout,
			BreakerThreshold: DefaultBreakerThreshold,
			BreakerReset:     DefaultBreakerReset,
		},
		Conversation: ConversationConfig{
			HistoryTurns: DefaultHistoryTurns,
			CacheSize:    DefaultCacheSize,
			CacheTTL:     DefaultCacheTTL,
			IdleTimeout:  DefaultThreadIdle,
		},
		Notify: NotifyConfig{
			SubjectPrefix: DefaultSubjectPrefix,
		},
		Metrics: MetricsConfig{
			Namespace: DefaultMetricsNamespace,
		},
	}
}
