// Package config loads loom configuration from YAML or JSON5 files, with
// $include composition and environment variable expansion.
package config

import (
	"fmt"
	"time"

	"github.com/loomhq/loom/internal/engine"
)

// Config is the root configuration.
type Config struct {
	// Version is the config file format version. Omitting it selects
	// CurrentVersion.
	Version int `yaml:"version"`

	Store         StoreConfig           `yaml:"store"`
	Engine        EngineConfig          `yaml:"engine"`
	Providers     ProvidersConfig       `yaml:"providers"`
	Tools         ToolsConfig           `yaml:"tools"`
	Approval      engine.ApprovalPolicy `yaml:"approval"`
	Logging       LoggingConfig         `yaml:"logging"`
	Observability ObservabilityConfig   `yaml:"observability"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Backend is "sqlite" or "memory".
	Backend string `yaml:"backend"`

	// Path is the SQLite database file. ":memory:" keeps it in process.
	Path string `yaml:"path"`
}

// EngineConfig tunes the turn loop and tool executor.
type EngineConfig struct {
	MaxRounds      int           `yaml:"max_rounds"`
	MaxConcurrency int           `yaml:"max_concurrency"`
	ToolTimeout    time.Duration `yaml:"tool_timeout"`
	ToolRetries    int           `yaml:"tool_retries"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
}

// ProvidersConfig holds per-vendor API settings.
type ProvidersConfig struct {
	// Default names the provider used for new conversations.
	Default   string          `yaml:"default"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Google    GoogleConfig    `yaml:"google"`
}

type AnthropicConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

type OpenAIConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

type GoogleConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`

	// XMLTools prompts the model to emit tool calls as XML tags instead
	// of native function calls.
	XMLTools bool `yaml:"xml_tools"`
}

// ToolsConfig configures the built-in tool set.
type ToolsConfig struct {
	Workspace    string          `yaml:"workspace"`
	MaxReadBytes int             `yaml:"max_read_bytes"`
	HTTPFetch    HTTPFetchConfig `yaml:"http_fetch"`
}

type HTTPFetchConfig struct {
	Enabled      bool  `yaml:"enabled"`
	MaxBytes     int64 `yaml:"max_bytes"`
	ReturnDirect bool  `yaml:"return_direct"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ObservabilityConfig configures metrics and tracing exports.
type ObservabilityConfig struct {
	MetricsAddr string        `yaml:"metrics_addr"`
	Tracing     TracingConfig `yaml:"tracing"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Load reads, merges, and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a usable configuration with no file at all: in-memory
// store, auto-approval, no tracing.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "sqlite"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = ":memory:"
	}
	if cfg.Engine.MaxRounds == 0 {
		cfg.Engine.MaxRounds = engine.DefaultMaxRounds
	}
	if cfg.Engine.MaxConcurrency == 0 {
		cfg.Engine.MaxConcurrency = 5
	}
	if cfg.Engine.ToolTimeout == 0 {
		cfg.Engine.ToolTimeout = 30 * time.Second
	}
	if cfg.Engine.RetryBackoff == 0 {
		cfg.Engine.RetryBackoff = 100 * time.Millisecond
	}
	if cfg.Providers.Default == "" {
		cfg.Providers.Default = "anthropic"
	}
	if cfg.Approval.DefaultDecision == "" {
		cfg.Approval.DefaultDecision = engine.DecisionApproved
	}
	if cfg.Approval.RequestTTL == 0 {
		cfg.Approval.RequestTTL = 5 * time.Minute
	}
	if cfg.Tools.HTTPFetch.MaxBytes == 0 {
		cfg.Tools.HTTPFetch.MaxBytes = 1 << 20
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "loom"
	}
	if cfg.Observability.Tracing.SampleRate == 0 {
		cfg.Observability.Tracing.SampleRate = 1.0
	}
}

// Validate rejects configurations that cannot work at runtime.
func (c *Config) Validate() error {
	if err := ValidateVersion(c.Version); err != nil {
		return err
	}
	switch c.Store.Backend {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("store.backend must be sqlite or memory, got %q", c.Store.Backend)
	}
	switch c.Providers.Default {
	case "anthropic", "openai", "google":
	default:
		return fmt.Errorf("providers.default must be anthropic, openai, or google, got %q", c.Providers.Default)
	}
	if c.Engine.MaxRounds < 1 {
		return fmt.Errorf("engine.max_rounds must be positive, got %d", c.Engine.MaxRounds)
	}
	if c.Observability.Tracing.SampleRate < 0 || c.Observability.Tracing.SampleRate > 1 {
		return fmt.Errorf("observability.tracing.sample_rate must be in [0, 1], got %v", c.Observability.Tracing.SampleRate)
	}
	return nil
}
