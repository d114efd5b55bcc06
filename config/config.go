// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/absmach/journal/topics"
	"gopkg.in/yaml.v3"
)

// Queue overflow policies.
const (
	PolicyBlock      = "block"
	PolicyDropNewest = "drop_newest"
	PolicyDropOldest = "drop_oldest"
)

// Config holds all configuration for the journal.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Journal   JournalConfig   `yaml:"journal"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	NATS      NATSConfig      `yaml:"nats"`
	Health    HealthConfig    `yaml:"health"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// JournalConfig holds the journal broker settings.
type JournalConfig struct {
	Storage        StorageConfig  `yaml:"storage"`
	Queue          QueueConfig    `yaml:"queue"`
	PayloadIndexes []string       `yaml:"payload_indexes"`
	Producer       ProducerConfig `yaml:"producer"`
}

// StorageConfig selects the storage backend. An empty backend runs the
// journal without persistence.
type StorageConfig struct {
	Backend string `yaml:"backend"` // memory, badger, sqlite, postgres, mongo
	URI     string `yaml:"uri"`

	// Required makes a failing backend fatal. Otherwise the journal falls
	// back to running without persistence.
	Required bool `yaml:"required"`

	// Timeout bounds opening the backend.
	Timeout time.Duration `yaml:"timeout"`
}

// QueueConfig bounds the publish queue. A zero limit means unbounded.
type QueueConfig struct {
	Limit  int    `yaml:"limit"`
	Policy string `yaml:"policy"` // block, drop_newest, drop_oldest
}

// ProducerConfig filters published messages by their payload "target".
type ProducerConfig struct {
	Whitelist []string `yaml:"whitelist"`
	Blacklist []string `yaml:"blacklist"`

	// Rate limits messages per second per producer. Zero disables it.
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Endpoint        string  `yaml:"endpoint"` // OTLP gRPC endpoint
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// WebhookConfig holds webhook forwarding configuration.
type WebhookConfig struct {
	Enabled         bool              `yaml:"enabled"`
	QueueSize       int               `yaml:"queue_size"`
	DropPolicy      string            `yaml:"drop_policy"`      // "oldest" or "newest"
	Workers         int               `yaml:"workers"`          // Number of worker goroutines
	IncludePayload  bool              `yaml:"include_payload"`  // Include message payload in events
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"` // Graceful shutdown timeout
	Defaults        WebhookDefaults   `yaml:"defaults"`
	Endpoints       []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookDefaults holds default settings for webhook endpoints.
type WebhookDefaults struct {
	Timeout        time.Duration        `yaml:"timeout"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig holds retry configuration for webhook delivery.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// RateLimitConfig limits deliveries per endpoint. A zero rate disables it.
type RateLimitConfig struct {
	Rate  float64 `yaml:"rate"` // deliveries per second
	Burst int     `yaml:"burst"`
}

// WebhookEndpoint defines a single webhook endpoint configuration.
type WebhookEndpoint struct {
	Name      string            `yaml:"name"`
	URL       string            `yaml:"url"`
	Topics    []string          `yaml:"topics"` // Topic patterns (empty = all)
	Headers   map[string]string `yaml:"headers"`
	Timeout   time.Duration     `yaml:"timeout,omitempty"` // Override default
	Retry     *RetryConfig      `yaml:"retry,omitempty"`   // Override default
	RateLimit RateLimitConfig   `yaml:"rate_limit"`
}

// KafkaConfig holds the Kafka forwarder configuration.
type KafkaConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Brokers        []string      `yaml:"brokers"`
	Topic          string        `yaml:"topic"`
	BatchTimeout   time.Duration `yaml:"batch_timeout"`
	IncludePayload bool          `yaml:"include_payload"`
}

// NATSConfig holds the NATS forwarder configuration.
type NATSConfig struct {
	Enabled        bool   `yaml:"enabled"`
	URL            string `yaml:"url"`
	SubjectPrefix  string `yaml:"subject_prefix"`
	IncludePayload bool   `yaml:"include_payload"`
}

// HealthConfig holds the health check server configuration.
type HealthConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

var backends = map[string]bool{"memory": true, "badger": true, "sqlite": true, "postgres": true, "mongo": true}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Journal: JournalConfig{
			Storage: StorageConfig{
				Backend: "badger",
				URI:     "badger:///tmp/journal/data",
				Timeout: 10 * time.Second,
			},
			Queue: QueueConfig{
				Limit:  0,
				Policy: PolicyBlock,
			},
		},
		Telemetry: TelemetryConfig{
			Enabled:         false,
			Endpoint:        "localhost:4317",
			ServiceName:     "journal",
			ServiceVersion:  "1.0.0",
			MetricsEnabled:  true,
			TracesEnabled:   false, // Disabled by default for performance
			TraceSampleRate: 0.1,   // 10% sampling when enabled
		},
		Webhook: WebhookConfig{
			Enabled:         false,
			QueueSize:       10000,
			DropPolicy:      "oldest",
			Workers:         5,
			IncludePayload:  true,
			ShutdownTimeout: 30 * time.Second,
			Defaults: WebhookDefaults{
				Timeout: 5 * time.Second,
				Retry: RetryConfig{
					MaxAttempts:     3,
					InitialInterval: 1 * time.Second,
					MaxInterval:     30 * time.Second,
					Multiplier:      2.0,
				},
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					ResetTimeout:     60 * time.Second,
				},
			},
			Endpoints: []WebhookEndpoint{},
		},
		Kafka: KafkaConfig{
			Enabled:        false,
			Brokers:        []string{"localhost:9092"},
			Topic:          "journal",
			BatchTimeout:   100 * time.Millisecond,
			IncludePayload: true,
		},
		NATS: NATSConfig{
			Enabled:        false,
			URL:            "nats://localhost:4222",
			SubjectPrefix:  "journal",
			IncludePayload: true,
		},
		Health: HealthConfig{
			Enabled:         false,
			Address:         ":8081",
			ShutdownTimeout: 5 * time.Second,
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if err := c.Journal.validate(); err != nil {
		return err
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry.service_name cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry.endpoint cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.TraceSampleRate < 0.0 || c.Telemetry.TraceSampleRate > 1.0 {
			return fmt.Errorf("telemetry.trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	if c.Webhook.Enabled {
		if err := c.Webhook.validate(); err != nil {
			return err
		}
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers required when kafka is enabled")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("kafka.topic required when kafka is enabled")
		}
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url required when nats is enabled")
	}

	if c.Health.Enabled && c.Health.Address == "" {
		return fmt.Errorf("health.address required when health is enabled")
	}

	return nil
}

func (j JournalConfig) validate() error {
	if j.Storage.Backend != "" {
		if !backends[j.Storage.Backend] {
			return fmt.Errorf("journal.storage.backend must be one of: memory, badger, sqlite, postgres, mongo")
		}
		if j.Storage.Backend != "memory" && j.Storage.URI == "" {
			return fmt.Errorf("journal.storage.uri required when backend is %s", j.Storage.Backend)
		}
	}
	if j.Storage.Required && j.Storage.Backend == "" {
		return fmt.Errorf("journal.storage.backend required when storage is required")
	}

	if j.Producer.Rate < 0 {
		return fmt.Errorf("journal.producer.rate cannot be negative")
	}

	if j.Queue.Limit < 0 {
		return fmt.Errorf("journal.queue.limit cannot be negative")
	}
	switch j.Queue.Policy {
	case PolicyBlock, PolicyDropNewest, PolicyDropOldest:
	default:
		return fmt.Errorf("journal.queue.policy must be one of: block, drop_newest, drop_oldest")
	}

	for i, key := range j.PayloadIndexes {
		if key == "" {
			return fmt.Errorf("journal.payload_indexes[%d] cannot be empty", i)
		}
	}
	return nil
}

func (w WebhookConfig) validate() error {
	if w.QueueSize < 100 {
		return fmt.Errorf("webhook.queue_size must be at least 100")
	}
	if w.DropPolicy != "oldest" && w.DropPolicy != "newest" {
		return fmt.Errorf("webhook.drop_policy must be 'oldest' or 'newest'")
	}
	if w.Workers < 1 {
		return fmt.Errorf("webhook.workers must be at least 1")
	}
	if w.ShutdownTimeout < time.Second {
		return fmt.Errorf("webhook.shutdown_timeout must be at least 1 second")
	}
	if w.Defaults.Timeout < time.Second {
		return fmt.Errorf("webhook.defaults.timeout must be at least 1 second")
	}
	if w.Defaults.Retry.MaxAttempts < 1 {
		return fmt.Errorf("webhook.defaults.retry.max_attempts must be at least 1")
	}
	if w.Defaults.Retry.Multiplier < 1.0 {
		return fmt.Errorf("webhook.defaults.retry.multiplier must be at least 1.0")
	}
	if w.Defaults.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("webhook.defaults.circuit_breaker.failure_threshold must be at least 1")
	}

	for i, endpoint := range w.Endpoints {
		if endpoint.Name == "" {
			return fmt.Errorf("webhook.endpoints[%d].name cannot be empty", i)
		}
		if endpoint.URL == "" {
			return fmt.Errorf("webhook.endpoints[%d].url cannot be empty", i)
		}
		for _, p := range endpoint.Topics {
			if err := topics.ValidatePattern(p); err != nil {
				return fmt.Errorf("webhook.endpoints[%d].topics: %w", i, err)
			}
		}
		if endpoint.RateLimit.Rate < 0 || endpoint.RateLimit.Burst < 0 {
			return fmt.Errorf("webhook.endpoints[%d].rate_limit cannot be negative", i)
		}
	}
	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
