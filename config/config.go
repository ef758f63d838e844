// Package config models the gateway's yaml configuration file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the explicit process configuration, injected into the
// gateway, queue and worker at construction.
type Config struct {
	Listen       string `yaml:"listen"`
	DatabasePath string `yaml:"database_path"`

	Payment struct {
		Recipient      string `yaml:"recipient"`
		TokenAccount   string `yaml:"token_account"`
		Mint           string `yaml:"mint"`
		Currency       string `yaml:"currency"`
		Network        string `yaml:"network"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"payment"`

	Facilitator struct {
		URL       string `yaml:"url"`
		TimeoutMs int    `yaml:"timeout_ms"`
	} `yaml:"facilitator"`

	Queue struct {
		MaxAttempts        int `yaml:"max_attempts"`
		BackoffBaseMs      int `yaml:"backoff_base_ms"`
		ExecutionTimeoutMs int `yaml:"execution_timeout_ms"`
		CompletedRetention int `yaml:"completed_retention"`
		Concurrency        int `yaml:"concurrency"`
		MaxQueued          int `yaml:"max_queued"`
	} `yaml:"queue"`
}

// Default returns the stock configuration.
func Default() *Config {
	var cfg Config
	cfg.Listen = ":8080"
	cfg.DatabasePath = "paygate.db"
	cfg.Payment.Currency = "USDC"
	cfg.Payment.Network = "solana-devnet"
	cfg.Payment.TimeoutSeconds = 60
	cfg.Facilitator.TimeoutMs = 30000
	cfg.Queue.MaxAttempts = 3
	cfg.Queue.BackoffBaseMs = 2000
	cfg.Queue.ExecutionTimeoutMs = 120000
	cfg.Queue.CompletedRetention = 100
	cfg.Queue.Concurrency = 2
	return &cfg
}

// Load reads and validates config from path, layering the file over
// the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path is required")
	}
	if c.Payment.Recipient == "" {
		return fmt.Errorf("payment.recipient is required")
	}
	if c.Payment.TokenAccount == "" {
		return fmt.Errorf("payment.token_account is required")
	}
	if c.Payment.Mint == "" {
		return fmt.Errorf("payment.mint is required")
	}
	if c.Payment.Currency == "" {
		return fmt.Errorf("payment.currency is required")
	}
	if c.Payment.Network == "" {
		return fmt.Errorf("payment.network is required")
	}
	if c.Facilitator.URL == "" {
		return fmt.Errorf("facilitator.url is required")
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1")
	}
	if c.Queue.Concurrency < 1 {
		return fmt.Errorf("queue.concurrency must be at least 1")
	}
	return nil
}
