package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Load builds the effective configuration: defaults, then the JSON config
// file (if present), then VIGIL_* environment overrides. Validation errors
// are fatal by contract; callers should exit.
func Load() (*Config, error) {
	// Load .env first so its values are visible as environment overrides.
	if dir := os.Getenv("VIGIL_DATA_DIR"); dir != "" {
		envFile := filepath.Join(dir, ".env")
		if err := godotenv.Load(envFile); err == nil {
			log.Debug().Str("file", envFile).Msg("Loaded environment file")
		}
	} else if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded .env from working directory")
	}

	cfg := DefaultConfig()

	if dir := os.Getenv("VIGIL_DATA_DIR"); dir != "" {
		cfg.DataPath = dir
	}

	path := os.Getenv("VIGIL_CONFIG")
	if path == "" {
		path = filepath.Join(cfg.DataPath, "config.json")
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
		log.Info().Str("file", path).Msg("Loaded configuration file")
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VIGIL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("VIGIL_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("VIGIL_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := envInt("VIGIL_PORT"); v > 0 {
		cfg.Server.Port = v
	}
	if v := envInt("VIGIL_PIPELINE_MAX_CONCURRENCY"); v > 0 {
		cfg.Pipeline.MaxConcurrency = v
	}
	if v := envInt("VIGIL_PIPELINE_MAX_CONCURRENT_TASKS"); v > 0 {
		cfg.Pipeline.MaxConcurrentTasks = v
	}
	if v := envInt("VIGIL_PIPELINE_MAX_QUEUE_DEPTH"); v > 0 {
		cfg.Pipeline.MaxQueueDepth = v
	}
	if v, ok := envBool("VIGIL_PIPELINE_DROP_OLDEST_ON_FULL"); ok {
		cfg.Pipeline.DropOldestOnFull = v
	}
	if v, ok := envBool("VIGIL_PIPELINE_ADAPTIVE_THROTTLING"); ok {
		cfg.Pipeline.EnableAdaptiveThrottling = v
	}
	if v := envInt("VIGIL_CACHE_MAX_MEMORY_MB"); v > 0 {
		cfg.Cache.MaxMemoryMB = v
	}
	if v := os.Getenv("VIGIL_EMBEDDING_BASE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv("VIGIL_EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v, ok := envBool("VIGIL_LLM_ENABLED"); ok {
		cfg.LLM.Enabled = v
	}
	if v := os.Getenv("VIGIL_VECTOR_COLLECTION"); v != "" {
		cfg.Vector.Collection = v
	}
	if v := envInt("VIGIL_VECTOR_DIMENSION"); v > 0 {
		cfg.Vector.Dimension = v
	}
	if v := envInt("VIGIL_RETENTION_EVENT_DAYS"); v > 0 {
		cfg.Retention.EventDays = v
	}
}

func envInt(key string) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Ignoring non-numeric environment override")
		return 0
	}
	return n
}

func envBool(key string) (bool, bool) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	}
	return false, false
}

// Validate rejects configurations the process cannot safely start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Pipeline.MaxConcurrency <= 0 {
		return fmt.Errorf("pipeline.max_concurrency must be positive")
	}
	if c.Pipeline.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("pipeline.max_concurrent_tasks must be positive")
	}
	if c.Pipeline.MaxQueueDepth <= 0 {
		return fmt.Errorf("pipeline.max_queue_depth must be positive")
	}
	if c.Vector.Dimension <= 0 {
		return fmt.Errorf("vector.dimension must be positive")
	}
	if c.Cache.SimilarityThreshold < 0 || c.Cache.SimilarityThreshold > 1 {
		return fmt.Errorf("cache.similarity_threshold must be in [0,1]")
	}
	if c.LLM.Enabled && len(c.LLM.Models) == 0 {
		return fmt.Errorf("llm.enabled requires at least one model")
	}
	for i, ch := range c.LogWatcher.Channels {
		if ch.Name == "" {
			return fmt.Errorf("logwatcher.channels[%d]: name is required", i)
		}
	}
	return nil
}
