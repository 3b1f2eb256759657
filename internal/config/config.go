// Package config manages Vigil configuration from multiple sources.
//
// Configuration file separation:
//   - .env: environment bootstrap (VIGIL_* keys) loaded via godotenv
//   - config.json: application settings (pipeline, cache, pool, retention...)
//   - rules.json / correlation_rules.json: hot-reloadable detection content
//
// Precedence: defaults < config.json < VIGIL_* environment variables.
package config

import (
	"time"
)

// ChannelConfig configures one watched OS event-log channel.
type ChannelConfig struct {
	Name                string `json:"name"`
	Enabled             bool   `json:"enabled"`
	XPathFilter         string `json:"xpath_filter,omitempty"`
	MaxQueue            int    `json:"max_queue"`
	BookmarkPersistence bool   `json:"bookmark_persistence"`
	DropOldestOnFull    bool   `json:"drop_oldest_on_full"`
}

// LogWatcherConfig configures the log watcher subsystem.
type LogWatcherConfig struct {
	Channels                []ChannelConfig `json:"channels"`
	ReconnectBackoffSeconds []int           `json:"reconnect_backoff_seconds"`
}

// PipelineConfig configures the orchestrator.
type PipelineConfig struct {
	MaxConcurrency               int  `json:"max_concurrency"`
	MaxConcurrentTasks           int  `json:"max_concurrent_tasks"`
	SemaphoreTimeoutMS           int  `json:"semaphore_timeout_ms"`
	SkipOnThrottleTimeout        bool `json:"skip_on_throttle_timeout"`
	ParallelOperationTimeoutMS   int  `json:"parallel_operation_timeout_ms"`
	VectorBatchSize              int  `json:"vector_batch_size"`
	VectorBatchTimeoutMS         int  `json:"vector_batch_timeout_ms"`
	MaxQueueDepth                int  `json:"max_queue_depth"`
	DropOldestOnFull             bool `json:"drop_oldest_on_full"`
	MemoryHighWaterMB            int  `json:"memory_high_water_mb"`
	EventHistoryRetentionMinutes int  `json:"event_history_retention_minutes"`
	EnableAdaptiveThrottling     bool `json:"enable_adaptive_throttling"`
	CPUThrottleThresholdPct      int  `json:"cpu_throttle_threshold_pct"`
	DedupWindowMinutes           int  `json:"dedup_window_minutes"`
	LLMConfidenceThreshold       int  `json:"llm_confidence_threshold"`
	PersistRetries               int  `json:"persist_retries"`
}

// CacheConfig configures the shared cache layer.
type CacheConfig struct {
	MaxMemoryMB           int     `json:"max_memory_mb"`
	DefaultTTLMin         int     `json:"default_ttl_min"`
	SimilarityThreshold   float64 `json:"similarity_threshold"`
	PerKeyspaceMaxEntries int     `json:"per_keyspace_max_entries"`
}

// InstanceConfig identifies one upstream instance in a pool.
type InstanceConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Weight   int    `json:"weight"`
	UseHTTPS bool   `json:"use_https"`
}

// PoolConfig configures the upstream connection pool.
type PoolConfig struct {
	Instances                 []InstanceConfig `json:"instances"`
	MaxConnectionsPerInstance int              `json:"max_connections_per_instance"`
	ConnectionTimeoutSeconds  int              `json:"connection_timeout_seconds"`
	RequestTimeoutSeconds     int              `json:"request_timeout_seconds"`
	EnableFailover            bool             `json:"enable_failover"`
	MinHealthyInstances       int              `json:"min_healthy_instances"`
	Algorithm                 string           `json:"algorithm"` // round_robin, weighted_round_robin, weighted_by_health
}

// HealthConfig configures active health probing for pool instances.
type HealthConfig struct {
	CheckIntervalSeconds        int  `json:"check_interval_seconds"`
	CheckTimeoutSeconds         int  `json:"check_timeout_seconds"`
	ConsecutiveFailureThreshold int  `json:"consecutive_failure_threshold"`
	ConsecutiveSuccessThreshold int  `json:"consecutive_success_threshold"`
	EnableAutoRecovery          bool `json:"enable_auto_recovery"`
	RecoveryIntervalSeconds     int  `json:"recovery_interval_seconds"`
}

// RetentionConfig bounds how long persisted data is kept.
type RetentionConfig struct {
	EventDays              int `json:"event_days"`
	CorrelationDays        int `json:"correlation_days"`
	VectorSweepIntervalMin int `json:"vector_sweep_interval_min"`
}

// VectorConfig configures the vector store client.
type VectorConfig struct {
	Collection string `json:"collection"`
	Dimension  int    `json:"dimension"`
	AutoCreate bool   `json:"auto_create"`
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	Provider string `json:"provider"` // "ollama" or "openai"
	Model    string `json:"model"`
	BaseURL  string `json:"base_url"`
	APIKey   string `json:"api_key,omitempty"`
}

// LLMModelConfig configures one model in the analyzer ensemble.
type LLMModelConfig struct {
	Provider string  `json:"provider"` // "openai" or "ollama"
	Model    string  `json:"model"`
	BaseURL  string  `json:"base_url"`
	APIKey   string  `json:"api_key,omitempty"`
	Weight   float64 `json:"weight"`
}

// LLMConfig configures the LLM analyzer stage.
type LLMConfig struct {
	Enabled               bool             `json:"enabled"`
	Models                []LLMModelConfig `json:"models"`
	VotingStrategy        string           `json:"voting_strategy"`        // majority, weighted, unanimous
	ConfidenceAggregation string           `json:"confidence_aggregation"` // mean, median, min, max, weighted_mean
	MinQuorum             int              `json:"min_quorum"`
	TimeoutSeconds        int              `json:"timeout_seconds"`
	MaxRetries            int              `json:"max_retries"`
	TopKNeighbors         int              `json:"top_k_neighbors"`
}

// IPEnrichConfig configures IP enrichment.
type IPEnrichConfig struct {
	DataDir           string   `json:"data_dir"`
	CacheTTLMin       int      `json:"cache_ttl_min"`
	HighRiskCountries []string `json:"high_risk_countries"`
	HighRiskASNs      []int    `json:"high_risk_asns"`
	RemoteProviderURL string   `json:"remote_provider_url,omitempty"`
	RemoteRatePerMin  int      `json:"remote_rate_per_min"`
}

// CorrelationConfig configures the correlation engine.
type CorrelationConfig struct {
	RulesFile               string `json:"rules_file"`
	IntakeQueueSize         int    `json:"intake_queue_size"`
	MaxEventsPerKey         int    `json:"max_events_per_key"`
	DuplicateCooloffMinutes int    `json:"duplicate_cooloff_minutes"`
}

// RulesConfig configures the deterministic rule detector.
type RulesConfig struct {
	File          string `json:"file"`
	RefreshTTLMin int    `json:"refresh_ttl_min"`
}

// ServerConfig configures the HTTP/WebSocket front end.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Config holds all application configuration.
type Config struct {
	DataPath    string            `json:"data_path"`
	LogLevel    string            `json:"log_level"`
	LogFormat   string            `json:"log_format"`
	Server      ServerConfig      `json:"server"`
	LogWatcher  LogWatcherConfig  `json:"logwatcher"`
	Pipeline    PipelineConfig    `json:"pipeline"`
	Cache       CacheConfig       `json:"cache"`
	Pool        PoolConfig        `json:"pool"`
	Health      HealthConfig      `json:"health"`
	Retention   RetentionConfig   `json:"retention"`
	Vector      VectorConfig      `json:"vector"`
	Embedding   EmbeddingConfig   `json:"embedding"`
	LLM         LLMConfig         `json:"llm"`
	IPEnrich    IPEnrichConfig    `json:"ip_enrich"`
	Correlation CorrelationConfig `json:"correlation"`
	Rules       RulesConfig       `json:"rules"`
}

// DefaultConfig returns the configuration defaults every deployment starts
// from. Values mirror the documented defaults of each subsystem.
func DefaultConfig() *Config {
	return &Config{
		DataPath:  "/var/lib/vigil",
		LogLevel:  "info",
		LogFormat: "auto",
		Server:    ServerConfig{Host: "0.0.0.0", Port: 7670},
		LogWatcher: LogWatcherConfig{
			ReconnectBackoffSeconds: []int{1, 2, 5, 10, 30},
		},
		Pipeline: PipelineConfig{
			MaxConcurrency:               4,
			MaxConcurrentTasks:           8,
			SemaphoreTimeoutMS:           15000,
			SkipOnThrottleTimeout:        false,
			ParallelOperationTimeoutMS:   30000,
			VectorBatchSize:              100,
			VectorBatchTimeoutMS:         5000,
			MaxQueueDepth:                1000,
			DropOldestOnFull:             false,
			MemoryHighWaterMB:            1024,
			EventHistoryRetentionMinutes: 60,
			EnableAdaptiveThrottling:     false,
			CPUThrottleThresholdPct:      80,
			DedupWindowMinutes:           10,
			LLMConfidenceThreshold:       70,
			PersistRetries:               5,
		},
		Cache: CacheConfig{
			MaxMemoryMB:           512,
			DefaultTTLMin:         60,
			SimilarityThreshold:   0.95,
			PerKeyspaceMaxEntries: 10000,
		},
		Pool: PoolConfig{
			MaxConnectionsPerInstance: 100,
			ConnectionTimeoutSeconds:  10,
			RequestTimeoutSeconds:     60,
			EnableFailover:            true,
			MinHealthyInstances:       1,
			Algorithm:                 "weighted_round_robin",
		},
		Health: HealthConfig{
			CheckIntervalSeconds:        30,
			CheckTimeoutSeconds:         5,
			ConsecutiveFailureThreshold: 3,
			ConsecutiveSuccessThreshold: 2,
			EnableAutoRecovery:          true,
			RecoveryIntervalSeconds:     60,
		},
		Retention: RetentionConfig{
			EventDays:              30,
			CorrelationDays:        30,
			VectorSweepIntervalMin: 60,
		},
		Vector: VectorConfig{
			Collection: "vigil_events",
			Dimension:  768,
			AutoCreate: true,
		},
		Embedding: EmbeddingConfig{
			Provider: "ollama",
			Model:    "nomic-embed-text",
			BaseURL:  "http://localhost:11434",
		},
		LLM: LLMConfig{
			Enabled:               false,
			VotingStrategy:        "weighted",
			ConfidenceAggregation: "weighted_mean",
			MinQuorum:             2,
			TimeoutSeconds:        60,
			MaxRetries:            5,
			TopKNeighbors:         5,
		},
		IPEnrich: IPEnrichConfig{
			CacheTTLMin:      240,
			RemoteRatePerMin: 30,
		},
		Correlation: CorrelationConfig{
			IntakeQueueSize:         4096,
			MaxEventsPerKey:         1000,
			DuplicateCooloffMinutes: 15,
		},
		Rules: RulesConfig{
			RefreshTTLMin: 15,
		},
	}
}

// SemaphoreTimeout returns the semaphore acquisition timeout as a duration.
func (p PipelineConfig) SemaphoreTimeout() time.Duration {
	return time.Duration(p.SemaphoreTimeoutMS) * time.Millisecond
}

// VectorBatchTimeout returns the batch flush timeout as a duration.
func (p PipelineConfig) VectorBatchTimeout() time.Duration {
	return time.Duration(p.VectorBatchTimeoutMS) * time.Millisecond
}

// ParallelOperationTimeout bounds the parallel enrichment branch.
func (p PipelineConfig) ParallelOperationTimeout() time.Duration {
	return time.Duration(p.ParallelOperationTimeoutMS) * time.Millisecond
}

// DedupWindow returns the dedup window as a duration.
func (p PipelineConfig) DedupWindow() time.Duration {
	return time.Duration(p.DedupWindowMinutes) * time.Minute
}
