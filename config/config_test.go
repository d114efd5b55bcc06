// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	// Test journal defaults
	if cfg.Journal.Storage.Backend != "badger" {
		t.Errorf("expected default backend badger, got %s", cfg.Journal.Storage.Backend)
	}
	if cfg.Journal.Queue.Limit != 0 {
		t.Errorf("expected unbounded queue, got limit %d", cfg.Journal.Queue.Limit)
	}
	if cfg.Journal.Queue.Policy != PolicyBlock {
		t.Errorf("expected queue policy block, got %s", cfg.Journal.Queue.Policy)
	}

	// Test log defaults
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "default config is valid",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "no persistence",
			modify: func(c *Config) {
				c.Journal.Storage.Backend = ""
				c.Journal.Storage.URI = ""
			},
			wantErr: false,
		},
		{
			name: "required storage without backend",
			modify: func(c *Config) {
				c.Journal.Storage.Backend = ""
				c.Journal.Storage.Required = true
			},
			wantErr: true,
		},
		{
			name: "unknown backend",
			modify: func(c *Config) {
				c.Journal.Storage.Backend = "redis"
			},
			wantErr: true,
		},
		{
			name: "backend without uri",
			modify: func(c *Config) {
				c.Journal.Storage.Backend = "postgres"
				c.Journal.Storage.URI = ""
			},
			wantErr: true,
		},
		{
			name: "memory backend without uri",
			modify: func(c *Config) {
				c.Journal.Storage.Backend = "memory"
				c.Journal.Storage.URI = ""
			},
			wantErr: false,
		},
		{
			name: "negative queue limit",
			modify: func(c *Config) {
				c.Journal.Queue.Limit = -1
			},
			wantErr: true,
		},
		{
			name: "invalid queue policy",
			modify: func(c *Config) {
				c.Journal.Queue.Policy = "random"
			},
			wantErr: true,
		},
		{
			name: "empty payload index",
			modify: func(c *Config) {
				c.Journal.PayloadIndexes = []string{"action", ""}
			},
			wantErr: true,
		},
		{
			name: "invalid log level",
			modify: func(c *Config) {
				c.Log.Level = "invalid"
			},
			wantErr: true,
		},
		{
			name: "sample rate out of range",
			modify: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.TraceSampleRate = 1.5
			},
			wantErr: true,
		},
		{
			name: "webhook endpoint with invalid topic",
			modify: func(c *Config) {
				c.Webhook.Enabled = true
				c.Webhook.Endpoints = []WebhookEndpoint{{Name: "a", URL: "http://localhost", Topics: []string{"log*"}}}
			},
			wantErr: true,
		},
		{
			name: "webhook endpoint",
			modify: func(c *Config) {
				c.Webhook.Enabled = true
				c.Webhook.Endpoints = []WebhookEndpoint{{Name: "a", URL: "http://localhost", Topics: []string{"log.*"}}}
			},
			wantErr: false,
		},
		{
			name: "kafka without topic",
			modify: func(c *Config) {
				c.Kafka.Enabled = true
				c.Kafka.Topic = ""
			},
			wantErr: true,
		},
		{
			name: "nats without url",
			modify: func(c *Config) {
				c.NATS.Enabled = true
				c.NATS.URL = ""
			},
			wantErr: true,
		},
		{
			name: "negative producer rate",
			modify: func(c *Config) {
				c.Journal.Producer.Rate = -1
			},
			wantErr: true,
		},
		{
			name: "health without address",
			modify: func(c *Config) {
				c.Health.Enabled = true
				c.Health.Address = ""
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadNonExistent(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatalf("Load() should return default config and no error when file doesn't exist, got error: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load() should return a default config, got nil")
	}

	if cfg.Journal.Storage.URI != "badger:///tmp/journal/data" {
		t.Errorf("expected default config, got storage uri %s", cfg.Journal.Storage.URI)
	}
}

func TestLoadYAML(t *testing.T) {
	tmpfile := t.TempDir() + "/config.yaml"
	data := `
journal:
  storage:
    backend: mongo
    uri: mongodb://localhost:27017/rbot
    required: true
  queue:
    limit: 500
    policy: drop_oldest
  payload_indexes: [action, target]
  producer:
    blacklist: ["#secret"]
`
	if err := os.WriteFile(tmpfile, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(tmpfile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Journal.Storage.Backend != "mongo" || !cfg.Journal.Storage.Required {
		t.Errorf("unexpected storage config %+v", cfg.Journal.Storage)
	}
	if cfg.Journal.Storage.Timeout != 10*time.Second {
		t.Errorf("expected default storage timeout to be kept, got %v", cfg.Journal.Storage.Timeout)
	}
	if cfg.Journal.Queue.Limit != 500 || cfg.Journal.Queue.Policy != PolicyDropOldest {
		t.Errorf("unexpected queue config %+v", cfg.Journal.Queue)
	}
	if len(cfg.Journal.PayloadIndexes) != 2 {
		t.Errorf("expected 2 payload indexes, got %v", cfg.Journal.PayloadIndexes)
	}
	if len(cfg.Journal.Producer.Blacklist) != 1 || cfg.Journal.Producer.Blacklist[0] != "#secret" {
		t.Errorf("unexpected producer config %+v", cfg.Journal.Producer)
	}
}

func TestLoadInvalid(t *testing.T) {
	tmpfile := t.TempDir() + "/config.yaml"
	if err := os.WriteFile(tmpfile, []byte("journal:\n  queue:\n    policy: nope\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(tmpfile); err == nil {
		t.Error("expected validation error")
	}
}

func TestSaveLoad(t *testing.T) {
	tmpfile := t.TempDir() + "/config.yaml"

	// Create custom config
	cfg := Default()
	cfg.Journal.Storage.Backend = "sqlite"
	cfg.Journal.Storage.URI = "sqlite:///var/lib/journal.db"
	cfg.Webhook.Defaults.Retry.MaxInterval = 45 * time.Second
	cfg.Log.Level = "debug"

	// Save
	if err := cfg.Save(tmpfile); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// Load
	loaded, err := Load(tmpfile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Verify
	if loaded.Journal.Storage.URI != "sqlite:///var/lib/journal.db" {
		t.Errorf("expected sqlite uri, got %s", loaded.Journal.Storage.URI)
	}
	if loaded.Webhook.Defaults.Retry.MaxInterval != 45*time.Second {
		t.Errorf("expected max interval 45s, got %v", loaded.Webhook.Defaults.Retry.MaxInterval)
	}
	if loaded.Log.Level != "debug" {
		t.Errorf("expected log level debug, got %s", loaded.Log.Level)
	}
}
