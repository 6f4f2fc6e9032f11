package inkstone

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything a Store needs to run. The zero value is not
// usable; start from DefaultConfig or LoadConfigFile and override.
type Config struct {
	// ServerURL is the base URL of the sync server, e.g.
	// "https://sync.example.com". Empty disables network sync.
	ServerURL string `yaml:"server_url"`

	// EventsURL is the websocket endpoint for server push. Empty
	// disables push and the store syncs only when asked.
	EventsURL string `yaml:"events_url"`

	// DeviceID identifies this installation to the server. Generated
	// and persisted on first run when empty.
	DeviceID string `yaml:"device_id"`

	// StoragePath is the SQLite database file. Empty keeps everything
	// in memory, which suits tests and throwaway stores.
	StoragePath string `yaml:"storage_path"`

	// BatchSize bounds items per sync request.
	BatchSize int `yaml:"batch_size"`

	Retry   RetryConfig   `yaml:"retry"`
	Vault   VaultConfig   `yaml:"vault"`
	Backup  BackupConfig  `yaml:"backup"`
	Request RequestConfig `yaml:"request"`
}

// RequestConfig tunes the HTTP client used for sync traffic.
type RequestConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// UnmarshalYAML accepts durations in time.ParseDuration form ("30s").
func (r *RequestConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Timeout string `yaml:"timeout"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return parseConfigDuration("request.timeout", raw.Timeout, &r.Timeout)
}

// UnmarshalYAML accepts durations in time.ParseDuration form ("250ms").
// Absent fields keep whatever value the target already carries, so the
// defaults layered in by LoadConfigFile survive a partial file.
func (r *RetryConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		MaxAttempts       int     `yaml:"max_attempts"`
		InitialBackoff    string  `yaml:"initial_backoff"`
		MaxBackoff        string  `yaml:"max_backoff"`
		BackoffMultiplier float64 `yaml:"backoff_multiplier"`
		Jitter            float64 `yaml:"jitter"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.MaxAttempts != 0 {
		r.MaxAttempts = raw.MaxAttempts
	}
	if raw.BackoffMultiplier != 0 {
		r.BackoffMultiplier = raw.BackoffMultiplier
	}
	if raw.Jitter != 0 {
		r.Jitter = raw.Jitter
	}
	if err := parseConfigDuration("retry.initial_backoff", raw.InitialBackoff, &r.InitialBackoff); err != nil {
		return err
	}
	return parseConfigDuration("retry.max_backoff", raw.MaxBackoff, &r.MaxBackoff)
}

func parseConfigDuration(field, value string, dst *time.Duration) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return newValidationError(field, "invalid duration", err)
	}
	*dst = d
	return nil
}

// DefaultConfig returns a config suitable for a local-only store.
func DefaultConfig() Config {
	return Config{
		BatchSize: 50,
		Retry:     DefaultRetryConfig(),
		Vault:     DefaultVaultConfig(),
		Backup:    DefaultBackupConfig(),
		Request:   RequestConfig{Timeout: 30 * time.Second},
	}
}

// LoadConfigFile reads a YAML config file, layered over DefaultConfig.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.BatchSize < 0 {
		return newValidationError("batch_size", "must not be negative", nil)
	}
	if c.Request.Timeout < 0 {
		return newValidationError("request.timeout", "must not be negative", nil)
	}
	if c.Retry.MaxAttempts < 0 {
		return newValidationError("retry.max_attempts", "must not be negative", nil)
	}
	return nil
}

// applyDefaults fills unset fields so New never sees zeros.
func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.BatchSize == 0 {
		c.BatchSize = def.BatchSize
	}
	if c.Request.Timeout == 0 {
		c.Request.Timeout = def.Request.Timeout
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = def.Retry
	}
	if c.Vault.Iterations == 0 {
		c.Vault = def.Vault
	}
	if c.Backup.Prefix == "" {
		c.Backup.Prefix = def.Backup.Prefix
	}
}
