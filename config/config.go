// Package config provides configuration loading and management for
// prepflow.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete prepflow configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	NATS      NATSConfig      `yaml:"nats"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	HTTP      HTTPConfig      `yaml:"http"`
	Skills    SkillsConfig    `yaml:"skills"`
}

// StoreConfig configures the relational store.
type StoreConfig struct {
	// DSN is the Postgres connection string. Empty selects the
	// in-memory store (tests and local development).
	DSN string `yaml:"dsn"`
}

// NATSConfig configures the KV/coordinator connection.
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server).
	URL string `yaml:"url"`
	// Embedded indicates whether to run an embedded NATS server.
	Embedded bool `yaml:"embedded"`
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	// Provider is "openai" (any OpenAI-compatible endpoint) or "mock".
	Provider string `yaml:"provider"`
	// Endpoint is the embeddings API base URL.
	Endpoint string `yaml:"endpoint"`
	// Model is the embedding model name.
	Model string `yaml:"model"`
	// APIKey authenticates against the provider. Also read from
	// EMBEDDING_API_KEY.
	APIKey string `yaml:"api_key"`
	// Dimensions is the embedding dimensionality D, fixed at install
	// time. Mixing dimensions in one index is rejected.
	Dimensions int `yaml:"dimensions"`
	// Timeout bounds a single embedding call.
	Timeout time.Duration `yaml:"timeout"`
}

// BreakerConfig configures circuit-breaker defaults.
type BreakerConfig struct {
	FailMax          int           `yaml:"fail_max"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
	SuccessThreshold int           `yaml:"success_threshold"`
}

// DispatchConfig configures the dispatcher and its supervisors.
type DispatchConfig struct {
	// MaxConcurrent bounds handler invocations in flight per worker.
	MaxConcurrent int `yaml:"max_concurrent"`
	// PollInterval is the pending-task lease poll cadence.
	PollInterval time.Duration `yaml:"poll_interval"`
	// MaxRetries is the retry budget before a failed task escalates.
	MaxRetries int `yaml:"max_retries"`
	// RetryBackoffBase is the first retry delay; doubles per attempt.
	RetryBackoffBase time.Duration `yaml:"retry_backoff_base"`
	// RetryBackoffCap bounds the retry delay.
	RetryBackoffCap time.Duration `yaml:"retry_backoff_cap"`
	// HeartbeatInterval is how often handlers renew their heartbeat.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// StaleMultiplier: in_progress tasks with no heartbeat for
	// StaleMultiplier * HeartbeatInterval are failed with reason timeout.
	StaleMultiplier int `yaml:"stale_multiplier"`
	// TaskTimeout is the handler wall-time ceiling.
	TaskTimeout time.Duration `yaml:"task_timeout"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// SkillsConfig configures the skill loader.
type SkillsConfig struct {
	// Dir is a directory of skill YAML documents to load and watch.
	// Empty disables the loader.
	Dir string `yaml:"dir"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			DSN: "",
		},
		NATS: NATSConfig{
			URL:      "",
			Embedded: true,
		},
		Embedding: EmbeddingConfig{
			Provider:   "openai",
			Endpoint:   "http://localhost:11434/v1",
			Model:      "nomic-embed-text",
			Dimensions: 768,
			Timeout:    30 * time.Second,
		},
		Breaker: BreakerConfig{
			FailMax:          5,
			ResetTimeout:     30 * time.Second,
			SuccessThreshold: 2,
		},
		Dispatch: DispatchConfig{
			MaxConcurrent:     4,
			PollInterval:      2 * time.Second,
			MaxRetries:        3,
			RetryBackoffBase:  30 * time.Second,
			RetryBackoffCap:   15 * time.Minute,
			HeartbeatInterval: 30 * time.Second,
			StaleMultiplier:   5,
			TaskTimeout:       60 * time.Minute,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Skills: SkillsConfig{
			Dir: "",
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Embedding.Provider != "openai" && c.Embedding.Provider != "mock" {
		return fmt.Errorf("embedding.provider must be openai or mock, got %q", c.Embedding.Provider)
	}
	if c.Embedding.Provider == "openai" && c.Embedding.Endpoint == "" {
		return fmt.Errorf("embedding.endpoint is required")
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions must be positive")
	}
	if c.Breaker.FailMax <= 0 {
		return fmt.Errorf("breaker.fail_max must be positive")
	}
	if c.Breaker.SuccessThreshold <= 0 {
		return fmt.Errorf("breaker.success_threshold must be positive")
	}
	if c.Dispatch.MaxConcurrent <= 0 {
		return fmt.Errorf("dispatch.max_concurrent must be positive")
	}
	if c.Dispatch.MaxRetries < 0 {
		return fmt.Errorf("dispatch.max_retries must not be negative")
	}
	if c.Dispatch.StaleMultiplier <= 0 {
		return fmt.Errorf("dispatch.stale_multiplier must be positive")
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file on top of defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for
// non-zero values).
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Store.DSN != "" {
		c.Store.DSN = other.Store.DSN
	}
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}
	if other.Embedding.Provider != "" {
		c.Embedding.Provider = other.Embedding.Provider
	}
	if other.Embedding.Endpoint != "" {
		c.Embedding.Endpoint = other.Embedding.Endpoint
	}
	if other.Embedding.Model != "" {
		c.Embedding.Model = other.Embedding.Model
	}
	if other.Embedding.APIKey != "" {
		c.Embedding.APIKey = other.Embedding.APIKey
	}
	if other.Embedding.Dimensions != 0 {
		c.Embedding.Dimensions = other.Embedding.Dimensions
	}
	if other.Embedding.Timeout != 0 {
		c.Embedding.Timeout = other.Embedding.Timeout
	}
	if other.Breaker.FailMax != 0 {
		c.Breaker.FailMax = other.Breaker.FailMax
	}
	if other.Breaker.ResetTimeout != 0 {
		c.Breaker.ResetTimeout = other.Breaker.ResetTimeout
	}
	if other.Breaker.SuccessThreshold != 0 {
		c.Breaker.SuccessThreshold = other.Breaker.SuccessThreshold
	}
	if other.Dispatch.MaxConcurrent != 0 {
		c.Dispatch.MaxConcurrent = other.Dispatch.MaxConcurrent
	}
	if other.Dispatch.PollInterval != 0 {
		c.Dispatch.PollInterval = other.Dispatch.PollInterval
	}
	if other.Dispatch.MaxRetries != 0 {
		c.Dispatch.MaxRetries = other.Dispatch.MaxRetries
	}
	if other.Dispatch.RetryBackoffBase != 0 {
		c.Dispatch.RetryBackoffBase = other.Dispatch.RetryBackoffBase
	}
	if other.Dispatch.RetryBackoffCap != 0 {
		c.Dispatch.RetryBackoffCap = other.Dispatch.RetryBackoffCap
	}
	if other.Dispatch.HeartbeatInterval != 0 {
		c.Dispatch.HeartbeatInterval = other.Dispatch.HeartbeatInterval
	}
	if other.Dispatch.StaleMultiplier != 0 {
		c.Dispatch.StaleMultiplier = other.Dispatch.StaleMultiplier
	}
	if other.Dispatch.TaskTimeout != 0 {
		c.Dispatch.TaskTimeout = other.Dispatch.TaskTimeout
	}
	if other.HTTP.Addr != "" {
		c.HTTP.Addr = other.HTTP.Addr
	}
	if other.Skills.Dir != "" {
		c.Skills.Dir = other.Skills.Dir
	}
}
