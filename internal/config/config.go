// Package config provides configuration loading for the quiver index.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quiver-kb/quiver/internal/queue"
)

// ErrDisabled is returned when the semantic index is invoked while the
// feature is switched off in configuration.
var ErrDisabled = errors.New("semantic indexing is disabled; set enabled: true in the config to use it")

const (
	// DefaultModel is the embedding model used when none is configured.
	DefaultModel = "hash-384"
	// DefaultBatchSize bounds how many queued tasks one drain processes.
	DefaultBatchSize = 32
	// DefaultBatchTimeout is the background drain interval.
	DefaultBatchTimeout = 30 * time.Second

	envPrefix = "QUIVER_"
)

// Duration wraps time.Duration so YAML values like "30s" parse cleanly.
type Duration time.Duration

// UnmarshalYAML parses the duration from its string form.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in its string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config holds all settings for the index. Zero values are filled by
// ApplyDefaults; Validate enforces the rest.
type Config struct {
	Enabled           *bool    `yaml:"enabled"`
	VaultPath         string   `yaml:"vault_path"`
	DBPath            string   `yaml:"db_path"`
	EmbeddingModel    string   `yaml:"embedding_model"`
	AutoIndexStrategy string   `yaml:"auto_index_strategy"`
	BatchSize         int      `yaml:"batch_size"`
	BatchTimeout      Duration `yaml:"batch_timeout"`
}

// IsEnabled reports whether the index is switched on; unset means on.
func (c *Config) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Strategy returns the parsed auto-index strategy. Call after Validate.
func (c *Config) Strategy() queue.Strategy {
	return queue.Strategy(c.AutoIndexStrategy)
}

// Default returns a ready-to-use configuration for the given vault.
func Default(vaultPath string) *Config {
	cfg := &Config{VaultPath: vaultPath}
	ApplyDefaults(cfg)
	return cfg
}

// Load reads and parses the config file at path, applies environment
// overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = DefaultModel
	}
	if cfg.AutoIndexStrategy == "" {
		cfg.AutoIndexStrategy = string(queue.StrategyBatch)
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = Duration(DefaultBatchTimeout)
	}
	if cfg.DBPath == "" && cfg.VaultPath != "" {
		cfg.DBPath = filepath.Join(cfg.VaultPath, ".quiver", "index.db")
	}
}

// Validate checks the configuration and returns the first problem with
// a message naming the offending key.
func (c *Config) Validate() error {
	if c.VaultPath == "" {
		return errors.New("vault_path is required")
	}
	if c.DBPath == "" {
		return errors.New("db_path is required")
	}
	if _, err := queue.ParseStrategy(c.AutoIndexStrategy); err != nil {
		return fmt.Errorf("auto_index_strategy: %w", err)
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.BatchTimeout < 0 {
		return fmt.Errorf("batch_timeout must be positive, got %s", time.Duration(c.BatchTimeout))
	}
	return nil
}

// applyEnv overrides cfg fields from QUIVER_* environment variables.
func applyEnv(cfg *Config) error {
	if v, ok := os.LookupEnv(envPrefix + "ENABLED"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sENABLED: %w", envPrefix, err)
		}
		cfg.Enabled = &enabled
	}
	if v, ok := os.LookupEnv(envPrefix + "VAULT_PATH"); ok {
		cfg.VaultPath = v
	}
	if v, ok := os.LookupEnv(envPrefix + "DB_PATH"); ok {
		cfg.DBPath = v
	}
	if v, ok := os.LookupEnv(envPrefix + "EMBEDDING_MODEL"); ok {
		cfg.EmbeddingModel = v
	}
	if v, ok := os.LookupEnv(envPrefix + "AUTO_INDEX_STRATEGY"); ok {
		cfg.AutoIndexStrategy = v
	}
	if v, ok := os.LookupEnv(envPrefix + "BATCH_SIZE"); ok {
		size, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sBATCH_SIZE: %w", envPrefix, err)
		}
		cfg.BatchSize = size
	}
	if v, ok := os.LookupEnv(envPrefix + "BATCH_TIMEOUT"); ok {
		timeout, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sBATCH_TIMEOUT: %w", envPrefix, err)
		}
		cfg.BatchTimeout = Duration(timeout)
	}
	return nil
}
