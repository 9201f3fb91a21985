// ABOUTME: Engine configuration loading and parsing for chatsync.
// ABOUTME: YAML with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Connection ConnectionConfig `yaml:"connection"`
	Receipts   ReceiptsConfig   `yaml:"receipts"`
	Dedupe     DedupeConfig     `yaml:"dedupe"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig holds the chat server endpoint.
type ServerConfig struct {
	URL string `yaml:"url"` // ws:// or wss:// websocket endpoint
}

// ConnectionConfig bounds the reconnection policy.
type ConnectionConfig struct {
	MaxRetries      int           `yaml:"max_retries"`
	BackoffMin      time.Duration `yaml:"-"`
	BackoffMax      time.Duration `yaml:"-"`
	AttemptTimeout  time.Duration `yaml:"-"`
	WatchdogTimeout time.Duration `yaml:"-"`
	BackgroundGrace time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	BackoffMinRaw      string `yaml:"backoff_min"`
	BackoffMaxRaw      string `yaml:"backoff_max"`
	AttemptTimeoutRaw  string `yaml:"attempt_timeout"`
	WatchdogTimeoutRaw string `yaml:"watchdog_timeout"`
	BackgroundGraceRaw string `yaml:"background_grace"`
}

// ReceiptsConfig bounds read-receipt emissions.
type ReceiptsConfig struct {
	Window time.Duration `yaml:"-"`

	WindowRaw string `yaml:"window"`
}

// DedupeConfig sizes the seen-message cache.
type DedupeConfig struct {
	TTL time.Duration `yaml:"-"`
	Max int           `yaml:"max"`

	TTLRaw string `yaml:"ttl"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// Default returns the production defaults used where the file is silent.
func Default() *Config {
	return &Config{
		Connection: ConnectionConfig{
			MaxRetries:      5,
			BackoffMin:      time.Second,
			BackoffMax:      5 * time.Second,
			AttemptTimeout:  20 * time.Second,
			WatchdogTimeout: 30 * time.Second,
			BackgroundGrace: 5 * time.Second,
		},
		Receipts: ReceiptsConfig{Window: 3 * time.Second},
		Dedupe:   DedupeConfig{TTL: 5 * time.Minute, Max: 4096},
		Metrics:  MetricsConfig{Path: "/metrics"},
	}
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded and
// duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with environment variable
// values. Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and
// consistent.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	if c.Connection.MaxRetries < 1 {
		return fmt.Errorf("connection.max_retries must be at least 1")
	}
	if c.Connection.BackoffMin > c.Connection.BackoffMax {
		return fmt.Errorf("connection.backoff_min must not exceed backoff_max")
	}
	return nil
}

// parseDurations converts raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Connection.BackoffMinRaw, "backoff_min", &cfg.Connection.BackoffMin},
		{cfg.Connection.BackoffMaxRaw, "backoff_max", &cfg.Connection.BackoffMax},
		{cfg.Connection.AttemptTimeoutRaw, "attempt_timeout", &cfg.Connection.AttemptTimeout},
		{cfg.Connection.WatchdogTimeoutRaw, "watchdog_timeout", &cfg.Connection.WatchdogTimeout},
		{cfg.Connection.BackgroundGraceRaw, "background_grace", &cfg.Connection.BackgroundGrace},
		{cfg.Receipts.WindowRaw, "window", &cfg.Receipts.Window},
		{cfg.Dedupe.TTLRaw, "ttl", &cfg.Dedupe.TTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
