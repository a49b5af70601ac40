package config

import "time"

// Default configuration values.
const (
	// Classifier
	DefaultClassifyTimeout = 200 * time.Millisecond
	DefaultReloadDebounce  = 250 * time.Millisecond

	// Action store
	DefaultMaxActions      = 1000
	DefaultActionRetention = 30 * time.Minute

	// Task queue and processing loop
	DefaultWorkers         = 4
	DefaultPollInterval    = 500 * time.Millisecond
	DefaultTaskTimeout     = 10 * time.Second
	DefaultTaskCleanupAge  = time.Hour
	DefaultCleanupInterval = time.Minute

	// Tools
	DefaultToolTimeout      = 30 * time.Second
	DefaultSyncTimeout      = 2 * time.Second
	DefaultBreakerThreshold = 5
	DefaultBreakerReset     = 30 * time.Second

	// Conversation context
	DefaultHistoryTurns = 5
	DefaultCacheSize    = 256
	DefaultCacheTTL     = 5 * time.Minute
	DefaultThreadIdle   = time.Hour

	// Notify
	DefaultSubjectPrefix = "duet.events"

	// Metrics
	DefaultMetricsNamespace = "duet"
)
