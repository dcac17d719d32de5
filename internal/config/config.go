// Package config binds Skygent's SKYGENT_* environment variables (spec.md
// §6) onto a typed struct with github.com/caarlos0/env, the way yomira's
// internal/platform/config package binds its own service's environment.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config is the process-wide configuration loaded from the environment.
type Config struct {
	Service         string `env:"SKYGENT_SERVICE" envDefault:"https://bsky.social"`
	StoreRoot       string `env:"SKYGENT_STORE_ROOT" envDefault:"~/.skygent"`
	OutputFormat    string `env:"SKYGENT_OUTPUT_FORMAT" envDefault:"table"`
	Identifier      string `env:"SKYGENT_IDENTIFIER"`
	Password        string `env:"SKYGENT_PASSWORD"`
	CredentialsKey  string `env:"SKYGENT_CREDENTIALS_KEY"`
	JSONErrors      bool   `env:"SKYGENT_JSON_ERRORS" envDefault:"false"`
	LogFormat       string `env:"SKYGENT_LOG_FORMAT" envDefault:"human"`

	ResourceCheckIntervalSeconds int   `env:"SKYGENT_RESOURCE_CHECK_INTERVAL_SECONDS" envDefault:"60"`
	ResourceMaxStoreBytes        int64 `env:"SKYGENT_RESOURCE_MAX_STORE_BYTES" envDefault:"10737418240"`
	ResourceMaxRssBytes          int64 `env:"SKYGENT_RESOURCE_MAX_RSS_BYTES" envDefault:"2147483648"`

	ImageCacheDir        string `env:"SKYGENT_IMAGE_CACHE_DIR" envDefault:".image-cache"`
	ImageCacheTTLSeconds int    `env:"SKYGENT_IMAGE_CACHE_TTL_SECONDS" envDefault:"604800"`

	FilterConcurrency int `env:"SKYGENT_FILTER_CONCURRENCY" envDefault:"5"`

	DerivationCheckpointEvery     int `env:"SKYGENT_DERIVATION_CHECKPOINT_EVERY" envDefault:"500"`
	DerivationCheckpointIntervalMs int `env:"SKYGENT_DERIVATION_CHECKPOINT_INTERVAL_MS" envDefault:"5000"`

	SyncConcurrency        int `env:"SKYGENT_SYNC_CONCURRENCY" envDefault:"5"`
	SyncBatchSize          int `env:"SKYGENT_SYNC_BATCH_SIZE" envDefault:"100"`
	SyncPageLimit          int `env:"SKYGENT_SYNC_PAGE_LIMIT" envDefault:"100"`
	CheckpointEvery        int `env:"SKYGENT_CHECKPOINT_EVERY" envDefault:"200"`
	CheckpointIntervalMs   int `env:"SKYGENT_CHECKPOINT_INTERVAL_MS" envDefault:"3000"`
}

// Load parses the current environment into a Config, applying defaults for
// every unset variable.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parsing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks range/enum constraints env.Parse cannot express.
func (c *Config) Validate() error {
	switch c.OutputFormat {
	case "json", "ndjson", "markdown", "table":
	default:
		return fmt.Errorf("config: SKYGENT_OUTPUT_FORMAT %q is not one of json|ndjson|markdown|table", c.OutputFormat)
	}
	switch c.LogFormat {
	case "json", "human":
	default:
		return fmt.Errorf("config: SKYGENT_LOG_FORMAT %q is not one of json|human", c.LogFormat)
	}
	if c.SyncConcurrency <= 0 {
		return fmt.Errorf("config: SKYGENT_SYNC_CONCURRENCY must be positive, got %d", c.SyncConcurrency)
	}
	if c.SyncBatchSize <= 0 {
		return fmt.Errorf("config: SKYGENT_SYNC_BATCH_SIZE must be positive, got %d", c.SyncBatchSize)
	}
	if c.FilterConcurrency <= 0 {
		return fmt.Errorf("config: SKYGENT_FILTER_CONCURRENCY must be positive, got %d", c.FilterConcurrency)
	}
	return nil
}
